package service

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"labmesh/internal/codec"
	"labmesh/internal/proto"
	"labmesh/internal/sessiontask"
)

// fileSendChunkSize is the raw streaming chunk size for the sender's drive loop.
const fileSendChunkSize = 512 * 1024

// FileSend is the minimal direct peer-to-peer transfer (§4.3): no task
// bookkeeping, no pause/restore, no group fan-out. Unlike PicTransfer, its
// header carries no source/dest, so the receiver's completion MessageInfo
// leaves them empty; it also reports a different message Kind and uses its
// own destination directory.
type FileSend struct {
	sending bool
	state   State

	fileName string
	fileSize int64
	written  int64
	file     *os.File

	source string
	dest   string

	// Sender-side.
	sourcePath string

	// Receiver-side.
	destDir    string
	onComplete func(sessiontask.MessageInfo)
}

// NewFileSendSender constructs the sender side.
func NewFileSendSender(sourcePath, fileName, source, dest string) (*FileSend, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("filesend: stat source: %w", err)
	}
	return &FileSend{
		sending:    true,
		state:      Idle,
		sourcePath: sourcePath,
		fileName:   fileName,
		fileSize:   info.Size(),
		source:     source,
		dest:       dest,
	}, nil
}

// NewFileSendReceiverFactory returns a ServiceFactory for Control to invoke
// when a peer's service header names FileSendService.
func NewFileSendReceiverFactory(destDir string, onComplete func(sessiontask.MessageInfo)) ServiceFactory {
	return func(raw []byte) (Service, error) {
		var param proto.FileSendParam
		if err := json.Unmarshal(raw, &param); err != nil {
			return nil, fmt.Errorf("filesend: decode serviceParam: %w", err)
		}
		if param.FileName == "" {
			return nil, fmt.Errorf("filesend: invalid serviceParam")
		}
		return &FileSend{
			sending:    false,
			state:      Idle,
			fileName:   param.FileName,
			fileSize:   param.FileSize,
			destDir:    destDir,
			onComplete: onComplete,
		}, nil
	}
}

func (f *FileSend) Name() string  { return proto.ServiceFileSend }
func (f *FileSend) State() State  { return f.state }

func (f *FileSend) Progress() int {
	if f.fileSize <= 0 {
		return 0
	}
	return int(f.written * 100 / f.fileSize)
}

func (f *FileSend) Pause() error   { return ErrNotPausable }
func (f *FileSend) Restore() error { return ErrNotPausable }

func (f *FileSend) Start(c Conn) error {
	if f.sending {
		hdr := proto.ServiceHeader{ServiceName: proto.ServiceFileSend}
		param := proto.FileSendParam{FileName: f.fileName, FileSize: f.fileSize}
		raw, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("filesend: marshal serviceParam: %w", err)
		}
		hdr.ServiceParam = raw
		frame, err := codec.Encode(hdr)
		if err != nil {
			return fmt.Errorf("filesend: encode header: %w", err)
		}
		if err := c.Send(frame); err != nil {
			return fmt.Errorf("filesend: send header: %w", err)
		}
		f.state = Running
		return f.execute(c)
	}

	if err := os.MkdirAll(f.destDir, 0o755); err != nil {
		return fmt.Errorf("filesend: mkdir dest dir: %w", err)
	}
	fh, err := os.Create(filepath.Join(f.destDir, f.fileName))
	if err != nil {
		return fmt.Errorf("filesend: create destination file: %w", err)
	}
	f.file = fh
	f.state = Running
	return nil
}

// execute is the sender's write-drive loop, run synchronously from Start:
// a FileSend is used for small, direct transfers where a single blocking
// pass is acceptable (unlike FileDownload/GroupFileUpload's re-posting loop).
func (f *FileSend) execute(c Conn) error {
	fh, err := os.Open(f.sourcePath)
	if err != nil {
		f.state = Errored
		return fmt.Errorf("filesend: open source: %w", err)
	}
	defer fh.Close()

	buf := make([]byte, fileSendChunkSize)
	for {
		n, readErr := fh.Read(buf)
		if n > 0 {
			if err := c.Send(append([]byte(nil), buf[:n]...)); err != nil {
				f.state = Errored
				return fmt.Errorf("filesend: send chunk: %w", err)
			}
			f.written += int64(n)
		}
		if readErr == io.EOF {
			_ = c.Send([]byte{})
			f.state = Finished
			c.Stop()
			return nil
		}
		if readErr != nil {
			f.state = Errored
			return fmt.Errorf("filesend: read source: %w", readErr)
		}
	}
}

func (f *FileSend) Consume(c Conn, data []byte) error {
	if f.sending || f.file == nil {
		return nil
	}
	if len(data) > 0 {
		if _, err := f.file.Write(data); err != nil {
			f.state = Errored
			return fmt.Errorf("filesend: write chunk: %w", err)
		}
		f.written += int64(len(data))
	}
	if f.written < f.fileSize {
		return nil
	}
	return f.finish(c)
}

func (f *FileSend) finish(c Conn) error {
	if err := f.file.Close(); err != nil {
		f.state = Errored
		return fmt.Errorf("filesend: close destination file: %w", err)
	}
	f.file = nil
	f.state = Finished
	slog.Info("filesend: received", "file", f.fileName, "size", humanize.Bytes(uint64(f.fileSize)))

	if f.onComplete != nil {
		f.onComplete(sessiontask.MessageInfo{
			Source: f.source,
			Dest:   f.dest,
			Kind:   "file",
			Body:   f.fileName,
		})
	}
	c.Stop()
	return nil
}

func (f *FileSend) Stop(c Conn) error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if f.state != Finished {
		f.state = Errored
	}
	return nil
}
