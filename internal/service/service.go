// Package service defines the polymorphic Service contract (§4.3): the
// per-connection protocol dialect currently driving a socket's framing and
// lifecycle, plus the narrow Conn/Dispatcher interfaces a Service needs
// from its owning Connection and ConnectionManager. Concrete connection and
// routing logic live in sibling packages (conn, connmgr) which depend on
// this package rather than the reverse, so Service implementations never
// import either.
package service

import "labmesh/internal/proto"

// State is a Service's lifecycle state (§3).
type State int

const (
	Idle State = iota
	Running
	Paused
	Finished
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Finished:
		return "Finished"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Conn is the narrow view of a Connection a Service needs: send frames,
// read/replace the transport residual, learn local/peer identity, reach the
// family/action dispatcher, and trigger a service swap or a stop.
type Conn interface {
	// Send enqueues a pre-framed (or raw) byte slice for write; writes
	// posted on one connection complete in the order posted (§5).
	Send(data []byte) error
	// Remain/SetRemain carry the transport residual across reads and
	// across a service swap (§4.3 invariant 2).
	Remain() []byte
	SetRemain([]byte)
	LocalUUID() string
	PeerUUID() string
	Dispatcher() Dispatcher
	// SwapService makes next the Connection's active Service, handing it
	// leftover as its first Consume call if non-empty.
	SwapService(next Service, leftover []byte) error
	// Stop tears the connection down: closes the socket (idempotent) and
	// unregisters from the manager.
	Stop()
	// PostContinuation schedules fn to run on the reactor goroutine,
	// implementing Execute()'s "on each completed write, re-post" rule
	// (§4.3) so one large transfer never monopolizes the single reactor.
	PostContinuation(fn func())
}

// Dispatcher is the ConnectionManager's (family, action) routing entry
// point, as seen by a Service.
type Dispatcher interface {
	DispatchFamily(env proto.Envelope, c Conn) error
}

// Service is the uniform contract every service variant implements
// (§4.3): Control, PicTransfer, FileDownload, GroupFileUpload, FileSend.
type Service interface {
	// Name identifies the dialect, matching the proto.Service* constants.
	Name() string
	State() State
	// Start is called once when the Service becomes the Connection's
	// active service: a sender posts its header frame then begins its
	// write-drive loop; a receiver simply transitions Idle -> Running and
	// waits for Consume to be driven by incoming reads.
	Start(c Conn) error
	// Consume is invoked with newly-arrived bytes (already stripped of any
	// framing the Connection itself manages — none; a Service owns its own
	// dialect's framing end to end). Implementations that buffer a residual
	// must do so via c.Remain()/c.SetRemain rather than private state so
	// the Connection-level handoff invariant (§4.3) holds.
	Consume(c Conn, data []byte) error
	// Pause/Restore only apply to FileDownload and GroupFileUpload; other
	// variants return ErrNotPausable.
	Pause() error
	Restore() error
	// Stop closes any file handle and transitions to Finished/Errored.
	Stop(c Conn) error
	// Progress is an integer percentage, 0 when total is unknown.
	Progress() int
}
