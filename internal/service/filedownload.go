package service

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"labmesh/internal/codec"
	"labmesh/internal/proto"
	"labmesh/internal/sessiontask"
)

// fileChunkSize is the raw streaming chunk size for the provider's drive loop.
const fileChunkSize = 512 * 1024

// PathResolver maps a consumer-supplied fileId to the provider's on-disk
// path for that file, or ok=false if the provider no longer has it.
type PathResolver func(fileID string) (path string, ok bool)

// FileDownload is the pausable, duplex file transfer (§4.3): the provider
// streams raw bytes while listening on the same socket for framed
// TaskPause/TaskRestart/TaskStop control frames pushed by the consumer; the
// consumer sends those control frames while sinking the raw byte stream.
//
// Unlike PicTransfer, the party that sends the service-swap header (the
// consumer, naming the file it wants) is not the party that streams file
// bytes. FileDownload resolves this by treating "who sends the header" as a
// property of which side initiated the Connection rather than of which side
// owns the data direction: the consumer's FileDownload instance is the
// Connection's initial Service and sends the header itself in Start, then
// waits for Consume to be driven by the incoming byte stream; the provider's
// instance is constructed by Control's swap factory as the header's
// recipient and drives the sending side.
type FileDownload struct {
	isProvider bool
	state      State
	isExecuting bool

	conn Conn

	fileID   string
	fileName string
	fileSize int64
	written  int64

	// Provider-side fields.
	file     *os.File
	taskSink sessiontask.TaskSink
	taskID   string

	// Consumer-side fields.
	destPath string
}

// NewFileDownloadConsumer constructs the consumer side: it will send the
// request header naming fileID, then sink the incoming byte stream to
// destPath. fileSize must already be known (e.g. from an earlier
// advertisement message) so the consumer can tell when the transfer is done.
func NewFileDownloadConsumer(fileID, fileName string, fileSize int64, destPath string) *FileDownload {
	return &FileDownload{
		isProvider: false,
		state:      Idle,
		fileID:     fileID,
		fileName:   fileName,
		fileSize:   fileSize,
		destPath:   destPath,
	}
}

// NewFileDownloadProviderFactory returns a ServiceFactory for Control to
// invoke when a peer's service header names FileDownloadService. resolve
// maps the requested fileId to a path on disk; taskSink receives bookkeeping
// updates for the lifetime of the transfer.
func NewFileDownloadProviderFactory(resolve PathResolver, taskSink sessiontask.TaskSink) ServiceFactory {
	return func(raw []byte) (Service, error) {
		var param proto.FileDownloadParam
		if err := json.Unmarshal(raw, &param); err != nil {
			return nil, fmt.Errorf("filedownload: decode serviceParam: %w", err)
		}
		if param.FileID == "" {
			return nil, fmt.Errorf("filedownload: invalid serviceParam")
		}
		path, ok := resolve(param.FileID)
		if !ok {
			return nil, fmt.Errorf("filedownload: unknown fileId %s", param.FileID)
		}
		return &FileDownload{
			isProvider:  true,
			state:       Idle,
			isExecuting: true,
			fileID:      param.FileID,
			fileName:    param.FileName,
			taskSink:    taskSink,
			destPath:    path,
		}, nil
	}
}

func (f *FileDownload) Name() string  { return proto.ServiceFileDownload }
func (f *FileDownload) State() State  { return f.state }

func (f *FileDownload) Progress() int {
	if f.fileSize <= 0 {
		return 0
	}
	return int(f.written * 100 / f.fileSize)
}

// Start sends the consumer's request header, or (provider side) opens the
// resolved file, registers a Task, and kicks off the drive loop.
func (f *FileDownload) Start(c Conn) error {
	f.conn = c

	if !f.isProvider {
		hdr := proto.ServiceHeader{ServiceName: proto.ServiceFileDownload}
		param := proto.FileDownloadParam{FileID: f.fileID, FileName: f.fileName, FileSize: f.fileSize}
		raw, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("filedownload: marshal serviceParam: %w", err)
		}
		hdr.ServiceParam = raw
		frame, err := codec.Encode(hdr)
		if err != nil {
			return fmt.Errorf("filedownload: encode header: %w", err)
		}
		if err := c.Send(frame); err != nil {
			return fmt.Errorf("filedownload: send header: %w", err)
		}
		f.state = Running
		return nil
	}

	info, err := os.Stat(f.destPath)
	if err != nil {
		f.state = Errored
		return fmt.Errorf("filedownload: stat file: %w", err)
	}
	fh, err := os.Open(f.destPath)
	if err != nil {
		f.state = Errored
		return fmt.Errorf("filedownload: open file: %w", err)
	}
	f.file = fh
	f.fileSize = info.Size()
	f.taskID = f.fileID
	if f.taskSink != nil {
		if err := f.taskSink.CreateTask(f.taskID, sessiontask.KindFileTransfer, sessiontask.ModeSingle, f.fileName); err != nil {
			slog.Debug("filedownload: create task failed", "err", err)
		}
	}
	f.state = Running
	c.PostContinuation(func() { f.driveProvider() })
	return nil
}

// driveProvider is the provider's write-drive loop (§4.3): read one chunk,
// send it, and re-post itself rather than looping synchronously, so the
// reactor goroutine interleaves other connections' work between chunks.
func (f *FileDownload) driveProvider() {
	if f.state != Running || !f.isExecuting {
		return
	}
	buf := make([]byte, fileChunkSize)
	n, readErr := f.file.Read(buf)
	if n > 0 {
		if err := f.conn.Send(append([]byte(nil), buf[:n]...)); err != nil {
			f.abortProvider(fmt.Errorf("filedownload: send chunk: %w", err))
			return
		}
		f.written += int64(n)
		if f.taskSink != nil {
			_ = f.taskSink.Progress(f.taskID, f.Progress())
		}
	}
	if readErr == io.EOF {
		_ = f.conn.Send([]byte{})
		f.finishProvider()
		return
	}
	if readErr != nil {
		f.abortProvider(fmt.Errorf("filedownload: read file: %w", readErr))
		return
	}
	f.conn.PostContinuation(func() { f.driveProvider() })
}

func (f *FileDownload) finishProvider() {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.state = Finished
	if f.taskSink != nil {
		_ = f.taskSink.FinishTask(f.taskID)
	}
	slog.Info("filedownload: sent", "file", f.fileName, "size", humanize.Bytes(uint64(f.fileSize)))
	f.conn.Stop()
}

func (f *FileDownload) abortProvider(cause error) {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	f.state = Errored
	if f.taskSink != nil {
		_ = f.taskSink.ErrorTask(f.taskID, cause)
	}
	slog.Debug("filedownload: provider aborted", "err", cause)
	f.conn.Stop()
}

// Consume dispatches by role: the provider decodes framed TaskControlFrames
// off the inbound side of the duplex stream; the consumer sinks raw file
// bytes until fileSize bytes have arrived.
func (f *FileDownload) Consume(c Conn, data []byte) error {
	if f.isProvider {
		return f.consumeControl(c, data)
	}
	return f.consumeBytes(c, data)
}

func (f *FileDownload) consumeControl(c Conn, data []byte) error {
	newRemain, err := codec.DecodeLoop(data, len(data), c.Remain(), func(body []byte) (bool, error) {
		var frame proto.TaskControlFrame
		if err := codec.Decode(body, &frame); err != nil {
			slog.Debug("filedownload: malformed control frame discarded", "err", err)
			return false, nil
		}
		switch frame.ServiceName {
		case proto.TaskPause:
			_ = f.Pause()
		case proto.TaskRestart:
			_ = f.Restore()
		case proto.TaskStop:
			f.abortProvider(fmt.Errorf("filedownload: stopped by consumer"))
		default:
			slog.Debug("filedownload: unknown task control frame", "name", frame.ServiceName)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("filedownload: control decode loop: %w", err)
	}
	c.SetRemain(newRemain)
	return nil
}

func (f *FileDownload) consumeBytes(c Conn, data []byte) error {
	if f.file == nil {
		fh, err := os.Create(f.destPath)
		if err != nil {
			f.state = Errored
			return fmt.Errorf("filedownload: create destination file: %w", err)
		}
		f.file = fh
	}
	if len(data) > 0 {
		if _, err := f.file.Write(data); err != nil {
			f.state = Errored
			return fmt.Errorf("filedownload: write chunk: %w", err)
		}
		f.written += int64(len(data))
	}
	if f.written < f.fileSize {
		return nil
	}
	if err := f.file.Close(); err != nil {
		f.state = Errored
		return fmt.Errorf("filedownload: close destination file: %w", err)
	}
	f.file = nil
	f.state = Finished
	slog.Info("filedownload: received", "file", f.fileName, "size", humanize.Bytes(uint64(f.fileSize)))
	c.Stop()
	return nil
}

// Pause flips the provider's drive loop off; on the consumer side it pushes
// a TaskPause control frame to the provider instead.
func (f *FileDownload) Pause() error {
	if f.isProvider {
		f.isExecuting = false
		if f.taskSink != nil {
			_ = f.taskSink.PauseTask(f.taskID)
		}
		return nil
	}
	return f.sendControl(proto.TaskPause)
}

// Restore flips the provider's drive loop back on and re-kicks it; on the
// consumer side it pushes a TaskRestart control frame to the provider.
func (f *FileDownload) Restore() error {
	if f.isProvider {
		if f.isExecuting {
			return nil
		}
		f.isExecuting = true
		if f.taskSink != nil {
			_ = f.taskSink.RestoreTask(f.taskID)
		}
		f.conn.PostContinuation(func() { f.driveProvider() })
		return nil
	}
	return f.sendControl(proto.TaskRestart)
}

func (f *FileDownload) sendControl(name string) error {
	if f.conn == nil {
		return fmt.Errorf("filedownload: no connection to send %s on", name)
	}
	frame, err := codec.Encode(proto.TaskControlFrame{ServiceName: name})
	if err != nil {
		return fmt.Errorf("filedownload: encode control frame: %w", err)
	}
	return f.conn.Send(frame)
}

// Stop closes any open file handle; safe to call multiple times.
func (f *FileDownload) Stop(c Conn) error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if f.state != Finished {
		f.state = Errored
	}
	return nil
}
