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
	"labmesh/internal/sharedfile"
)

// groupChunkSize is the raw streaming chunk size for a sending side's drive loop.
const groupChunkSize = 512 * 1024

// groupRole distinguishes GroupFileUpload's three construction modes (§4.3).
type groupRole int

const (
	groupRoleOriginSender groupRole = iota
	groupRoleRelaySender
	groupRoleReceiver
)

// GroupFileUpload fans a file out across every member of a group (§4.3): the
// origin sender reads it from disk and streams it to one neighbor; a
// receiver writes it to the group's shared directory, registers it with the
// SharedFileStore, then itself becomes a relay sender to continue the
// fan-out toward neighbors that haven't seen it yet. Sending sides are
// pausable like FileDownload's provider; a receiver has nothing to pause.
type GroupFileUpload struct {
	role  groupRole
	state State

	groupID    string
	fileName   string
	source     string
	fileSize   int64
	written    int64
	routeCount int

	conn Conn

	// Sending-side fields (origin and relay).
	sourcePath  string
	file        *os.File
	isExecuting bool

	// Receiving-side fields.
	groupDir   string
	store      sharedfile.Store
	onReceived func(info sharedfile.SharedFileInfo, routeCount int)
}

// NewGroupFileUploadOriginSender constructs the origin sender: the member
// that first reads sourcePath off disk and starts the group's fan-out.
func NewGroupFileUploadOriginSender(sourcePath, groupID, fileName, source string) (*GroupFileUpload, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("groupfileupload: stat source: %w", err)
	}
	return &GroupFileUpload{
		role:        groupRoleOriginSender,
		state:       Idle,
		groupID:     groupID,
		fileName:    fileName,
		source:      source,
		fileSize:    info.Size(),
		sourcePath:  sourcePath,
		isExecuting: true,
	}, nil
}

// NewGroupFileUploadRelaySender constructs a relay sender: a member that
// already has a local copy (from having received it) and is re-uploading it
// to a further neighbor in the group, with isRoute set in its header and
// routeCount carried forward for the next hop's own relay decision.
func NewGroupFileUploadRelaySender(sourcePath, groupID, fileName, source string, fileSize int64, routeCount int) *GroupFileUpload {
	return &GroupFileUpload{
		role:        groupRoleRelaySender,
		state:       Idle,
		groupID:     groupID,
		fileName:    fileName,
		source:      source,
		fileSize:    fileSize,
		sourcePath:  sourcePath,
		routeCount:  routeCount,
		isExecuting: true,
	}
}

// NewGroupFileUploadReceiverFactory returns a ServiceFactory for Control to
// invoke when a peer's service header names GroupFileUploadService. onReceived
// fires once the file is fully written and registered with store, with the
// fully-populated SharedFileInfo and the routeCount carried on the header
// that delivered it; the caller is expected to use it to kick off further
// relay-sender connections toward the rest of the group.
func NewGroupFileUploadReceiverFactory(
	groupDir string,
	store sharedfile.Store,
	onReceived func(info sharedfile.SharedFileInfo, routeCount int),
) ServiceFactory {
	return func(raw []byte) (Service, error) {
		var param proto.GroupFileUploadParam
		if err := json.Unmarshal(raw, &param); err != nil {
			return nil, fmt.Errorf("groupfileupload: decode serviceParam: %w", err)
		}
		if param.GroupID == "" || param.FileName == "" {
			return nil, fmt.Errorf("groupfileupload: invalid serviceParam")
		}
		return &GroupFileUpload{
			role:       groupRoleReceiver,
			state:      Idle,
			groupID:    param.GroupID,
			fileName:   param.FileName,
			source:     param.Source,
			fileSize:   param.FileSize,
			routeCount: param.RouteCount,
			groupDir:   groupDir,
			store:      store,
			onReceived: onReceived,
		}, nil
	}
}

func (g *GroupFileUpload) Name() string  { return proto.ServiceGroupFileUpload }
func (g *GroupFileUpload) State() State  { return g.state }

func (g *GroupFileUpload) Progress() int {
	if g.fileSize <= 0 {
		return 0
	}
	return int(g.written * 100 / g.fileSize)
}

func (g *GroupFileUpload) isSender() bool {
	return g.role == groupRoleOriginSender || g.role == groupRoleRelaySender
}

// Start sends the header and begins the drive loop (sending sides), or
// creates the group directory and destination file (receiving side).
func (g *GroupFileUpload) Start(c Conn) error {
	g.conn = c

	if g.isSender() {
		hdr := proto.ServiceHeader{ServiceName: proto.ServiceGroupFileUpload}
		param := proto.GroupFileUploadParam{
			GroupID:    g.groupID,
			FileName:   g.fileName,
			FileSize:   g.fileSize,
			Source:     g.source,
			IsRoute:    g.role == groupRoleRelaySender,
			RouteCount: g.routeCount,
		}
		raw, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("groupfileupload: marshal serviceParam: %w", err)
		}
		hdr.ServiceParam = raw
		frame, err := codec.Encode(hdr)
		if err != nil {
			return fmt.Errorf("groupfileupload: encode header: %w", err)
		}
		if err := c.Send(frame); err != nil {
			return fmt.Errorf("groupfileupload: send header: %w", err)
		}
		fh, err := os.Open(g.sourcePath)
		if err != nil {
			g.state = Errored
			return fmt.Errorf("groupfileupload: open source: %w", err)
		}
		g.file = fh
		g.state = Running
		c.PostContinuation(func() { g.driveSender() })
		return nil
	}

	if err := os.MkdirAll(g.groupDir, 0o755); err != nil {
		return fmt.Errorf("groupfileupload: mkdir group dir: %w", err)
	}
	fh, err := os.Create(filepath.Join(g.groupDir, g.fileName))
	if err != nil {
		return fmt.Errorf("groupfileupload: create destination file: %w", err)
	}
	g.file = fh
	g.state = Running
	return nil
}

// driveSender is the sending side's write-drive loop (§4.3), re-posting
// itself after each chunk rather than looping synchronously.
func (g *GroupFileUpload) driveSender() {
	if g.state != Running || !g.isExecuting {
		return
	}
	buf := make([]byte, groupChunkSize)
	n, readErr := g.file.Read(buf)
	if n > 0 {
		if err := g.conn.Send(append([]byte(nil), buf[:n]...)); err != nil {
			g.abortSender(err)
			return
		}
		g.written += int64(n)
	}
	if readErr == io.EOF {
		_ = g.conn.Send([]byte{})
		g.finishSender()
		return
	}
	if readErr != nil {
		g.abortSender(readErr)
		return
	}
	g.conn.PostContinuation(func() { g.driveSender() })
}

func (g *GroupFileUpload) finishSender() {
	if g.file != nil {
		_ = g.file.Close()
		g.file = nil
	}
	g.state = Finished
	slog.Info("groupfileupload: sent", "group", g.groupID, "file", g.fileName, "size", humanize.Bytes(uint64(g.fileSize)), "route", g.role == groupRoleRelaySender)
	g.conn.Stop()
}

func (g *GroupFileUpload) abortSender(cause error) {
	if g.file != nil {
		_ = g.file.Close()
		g.file = nil
	}
	g.state = Errored
	slog.Debug("groupfileupload: sender aborted", "err", cause)
	g.conn.Stop()
}

// Consume is the receiving side's raw byte sink.
func (g *GroupFileUpload) Consume(c Conn, data []byte) error {
	if g.isSender() || g.file == nil {
		return nil
	}
	if len(data) > 0 {
		if _, err := g.file.Write(data); err != nil {
			g.state = Errored
			return fmt.Errorf("groupfileupload: write chunk: %w", err)
		}
		g.written += int64(len(data))
	}
	if g.written < g.fileSize {
		return nil
	}
	return g.finishReceiver(c)
}

func (g *GroupFileUpload) finishReceiver(c Conn) error {
	if err := g.file.Close(); err != nil {
		g.state = Errored
		return fmt.Errorf("groupfileupload: close destination file: %w", err)
	}
	diskPath := filepath.Join(g.groupDir, g.fileName)
	g.file = nil
	g.state = Finished
	slog.Info("groupfileupload: received", "group", g.groupID, "file", g.fileName, "size", humanize.Bytes(uint64(g.fileSize)))

	info := sharedfile.SharedFileInfo{
		GroupID:  g.groupID,
		FileName: g.fileName,
		FileSize: g.fileSize,
		DiskPath: diskPath,
		Source:   g.source,
	}
	if g.store != nil {
		g.store.AddSharedFile(info)
	}
	if g.onReceived != nil {
		g.onReceived(info, g.routeCount)
	}
	c.Stop()
	return nil
}

// Pause stops a sending side's drive loop; a receiver has nothing to pause.
func (g *GroupFileUpload) Pause() error {
	if !g.isSender() {
		return ErrNotPausable
	}
	g.isExecuting = false
	return nil
}

// Restore re-kicks a sending side's drive loop; a receiver has nothing to restore.
func (g *GroupFileUpload) Restore() error {
	if !g.isSender() {
		return ErrNotPausable
	}
	if g.isExecuting {
		return nil
	}
	g.isExecuting = true
	g.conn.PostContinuation(func() { g.driveSender() })
	return nil
}

// Stop closes any open file handle; safe to call multiple times.
func (g *GroupFileUpload) Stop(c Conn) error {
	if g.file != nil {
		_ = g.file.Close()
		g.file = nil
	}
	if g.state != Finished {
		g.state = Errored
	}
	return nil
}
