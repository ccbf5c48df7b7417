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

// picChunkSize is the raw streaming chunk size for the sender's Execute loop.
const picChunkSize = 512 * 1024

// PicTransfer streams a picture file as unframed raw bytes after an initial
// header frame naming the total size (§4.3). It is a one-shot transfer: the
// owning Connection is a Temp link torn down on completion (§3).
type PicTransfer struct {
	sending bool // true for the sender side; false for the receiver side

	state State

	// Receiver-side fields.
	tmpDir        string
	picStoreName  string
	picSize       int64
	written       int64
	file          *os.File
	source        string
	dest          string
	groupID       string
	routeCount    int
	onComplete    func(sessiontask.MessageInfo)
	onGroupFanout func(PicTransferFanout)

	// Sender-side fields.
	sourcePath string
}

// PicTransferFanout is passed to onGroupFanout once a group-session picture
// has been fully received: sourcePath names the just-written local copy so
// the caller can re-send it onward without re-deriving tmpDir/picStoreName.
type PicTransferFanout struct {
	SourcePath   string
	PicStoreName string
	Source       string
	Dest         string
	GroupID      string
	RouteCount   int
}

// NewPicTransferSender constructs the sender side: it will send the header
// frame then stream sourcePath's bytes.
func NewPicTransferSender(sourcePath, picStoreName, source, dest string) (*PicTransfer, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("pictransfer: stat source: %w", err)
	}
	return &PicTransfer{
		sending:      true,
		state:        Idle,
		sourcePath:   sourcePath,
		picStoreName: picStoreName,
		picSize:      info.Size(),
		source:       source,
		dest:         dest,
	}, nil
}

// NewPicTransferRelaySender constructs a relay sender: a group member that
// already has a local copy (from having just received it) re-uploading it
// to a further neighbor in the group's fan-out tree, carrying the relay's
// routeCount forward.
func NewPicTransferRelaySender(sourcePath, picStoreName, source, dest, groupID string, routeCount int) (*PicTransfer, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("pictransfer: stat source: %w", err)
	}
	return &PicTransfer{
		sending:      true,
		state:        Idle,
		sourcePath:   sourcePath,
		picStoreName: picStoreName,
		picSize:      info.Size(),
		source:       source,
		dest:         dest,
		groupID:      groupID,
		routeCount:   routeCount,
	}, nil
}

// NewPicTransferReceiverFactory returns a ServiceFactory for Control to
// invoke when a peer's service header names PicTransferService.
func NewPicTransferReceiverFactory(
	tmpDir string,
	onComplete func(sessiontask.MessageInfo),
	onGroupFanout func(PicTransferFanout),
) ServiceFactory {
	return func(raw []byte) (Service, error) {
		var param proto.PicTransferParam
		if err := json.Unmarshal(raw, &param); err != nil {
			return nil, fmt.Errorf("pictransfer: decode serviceParam: %w", err)
		}
		if param.PicStoreName == "" || param.PicSize < 0 {
			return nil, fmt.Errorf("pictransfer: invalid serviceParam")
		}
		return &PicTransfer{
			sending:       false,
			state:         Idle,
			tmpDir:        tmpDir,
			picStoreName:  param.PicStoreName,
			picSize:       param.PicSize,
			source:        param.Source,
			dest:          param.Dest,
			groupID:       param.GroupID,
			routeCount:    param.RouteCount,
			onComplete:    onComplete,
			onGroupFanout: onGroupFanout,
		}, nil
	}
}

func (p *PicTransfer) Name() string { return proto.ServicePicTransfer }
func (p *PicTransfer) State() State { return p.state }

func (p *PicTransfer) Progress() int {
	if p.picSize <= 0 {
		return 0
	}
	return int(p.written * 100 / p.picSize)
}

func (p *PicTransfer) Pause() error   { return ErrNotPausable }
func (p *PicTransfer) Restore() error { return ErrNotPausable }

// Start either kicks off the sender's header+stream (sending side) or just
// opens the destination file and transitions to Running (receiving side).
func (p *PicTransfer) Start(c Conn) error {
	if p.sending {
		hdr := proto.ServiceHeader{ServiceName: proto.ServicePicTransfer}
		param := proto.PicTransferParam{
			PicStoreName: p.picStoreName,
			PicSize:      p.picSize,
			Source:       p.source,
			Dest:         p.dest,
			GroupID:      p.groupID,
			RouteCount:   p.routeCount,
		}
		raw, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("pictransfer: marshal serviceParam: %w", err)
		}
		hdr.ServiceParam = raw
		frame, err := codec.Encode(hdr)
		if err != nil {
			return fmt.Errorf("pictransfer: encode header: %w", err)
		}
		if err := c.Send(frame); err != nil {
			return fmt.Errorf("pictransfer: send header: %w", err)
		}
		p.state = Running
		return p.execute(c)
	}

	if err := os.MkdirAll(p.tmpDir, 0o755); err != nil {
		return fmt.Errorf("pictransfer: mkdir tmp dir: %w", err)
	}
	f, err := os.Create(filepath.Join(p.tmpDir, p.picStoreName))
	if err != nil {
		return fmt.Errorf("pictransfer: create destination file: %w", err)
	}
	p.file = f
	p.state = Running
	return nil
}

// execute is the sender's write-drive loop (§4.3): stream fixed-size chunks
// until EOF, then post a zero-length final write and close the file.
func (p *PicTransfer) execute(c Conn) error {
	f, err := os.Open(p.sourcePath)
	if err != nil {
		p.state = Errored
		return fmt.Errorf("pictransfer: open source: %w", err)
	}
	defer f.Close()

	buf := make([]byte, picChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := c.Send(append([]byte(nil), buf[:n]...)); err != nil {
				p.state = Errored
				return fmt.Errorf("pictransfer: send chunk: %w", err)
			}
			p.written += int64(n)
		}
		if readErr == io.EOF {
			_ = c.Send([]byte{})
			p.state = Finished
			c.Stop()
			return nil
		}
		if readErr != nil {
			p.state = Errored
			return fmt.Errorf("pictransfer: read source: %w", readErr)
		}
	}
}

// Consume is the receiver's raw byte sink: every chunk is appended to the
// destination file until picSize bytes have arrived.
func (p *PicTransfer) Consume(c Conn, data []byte) error {
	if p.sending || p.file == nil {
		return nil
	}
	if len(data) > 0 {
		if _, err := p.file.Write(data); err != nil {
			p.state = Errored
			return fmt.Errorf("pictransfer: write chunk: %w", err)
		}
		p.written += int64(len(data))
	}
	if p.written < p.picSize {
		return nil
	}
	return p.finish(c)
}

func (p *PicTransfer) finish(c Conn) error {
	if err := p.file.Close(); err != nil {
		p.state = Errored
		return fmt.Errorf("pictransfer: close destination file: %w", err)
	}
	p.file = nil
	p.state = Finished
	slog.Info("pictransfer: received", "store_name", p.picStoreName, "size", humanize.Bytes(uint64(p.picSize)))

	if p.onComplete != nil {
		p.onComplete(sessiontask.MessageInfo{
			Source:  p.source,
			Dest:    p.dest,
			Kind:    "picture",
			Body:    p.picStoreName,
			GroupID: p.groupID,
		})
	}
	if p.groupID != "" && p.onGroupFanout != nil {
		p.onGroupFanout(PicTransferFanout{
			SourcePath:   filepath.Join(p.tmpDir, p.picStoreName),
			PicStoreName: p.picStoreName,
			Source:       p.source,
			Dest:         p.dest,
			GroupID:      p.groupID,
			RouteCount:   p.routeCount,
		})
	}
	c.Stop()
	return nil
}

// Stop closes any open file handle; safe to call multiple times.
func (p *PicTransfer) Stop(c Conn) error {
	if p.file != nil {
		_ = p.file.Close()
		p.file = nil
	}
	if p.state != Finished {
		p.state = Errored
	}
	return nil
}
