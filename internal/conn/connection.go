// Package conn implements Connection, the service.Conn adapter that binds a
// net.Conn socket, a peer identity, and the currently-active Service (§4.3).
// Blocking socket I/O runs on two dedicated goroutines per connection (the
// system's analog of async_receive/async_send); every Service state
// transition and every ConnectionManager mutation they trigger is posted
// onto the single reactor goroutine, grounded on the teacher's
// internal/ws.Handler read-loop-plus-writer-goroutine pattern.
package conn

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"labmesh/internal/overlay"
	"labmesh/internal/reactor"
	"labmesh/internal/service"
)

// writeQueueDepth bounds how many pending writes a slow peer can make a
// Connection buffer before Send starts applying back-pressure to whatever
// reactor handler called it.
const writeQueueDepth = 256

// readBufSize is the per-Read syscall buffer; unrelated to codec.BufSize,
// which bounds how much undecoded residual a Service is allowed to retain.
const readBufSize = 64 * 1024

// Connection binds one socket to one currently-active Service (§3). ID
// equals the peer uuid for long-lived links and a manager-minted integer
// string for Temp links.
type Connection struct {
	ID   string
	Kind overlay.LinkKind
	Peer overlay.PeerDescriptor

	localUUID string

	socket net.Conn
	rt     *reactor.Runtime
	disp   service.Dispatcher
	onStop func(*Connection)

	limiter *rate.Limiter

	active     service.Service
	readRemain []byte

	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Connection. initial becomes the active Service once
// Start is called; limiter may be nil to disable inbound rate limiting.
func New(
	id string,
	kind overlay.LinkKind,
	peer overlay.PeerDescriptor,
	localUUID string,
	socket net.Conn,
	rt *reactor.Runtime,
	disp service.Dispatcher,
	initial service.Service,
	limiter *rate.Limiter,
	onStop func(*Connection),
) *Connection {
	return &Connection{
		ID:        id,
		Kind:      kind,
		Peer:      peer,
		localUUID: localUUID,
		socket:    socket,
		rt:        rt,
		disp:      disp,
		onStop:    onStop,
		limiter:   limiter,
		active:    initial,
		sendCh:    make(chan []byte, writeQueueDepth),
		closed:    make(chan struct{}),
	}
}

// Start transitions Connecting -> Active (§3): spawns the read/write
// goroutines and posts the initial Service's Start call onto the reactor.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
	c.rt.Post(func() {
		if err := c.active.Start(c); err != nil {
			slog.Debug("conn: initial service start failed", "peer", c.Peer.UUID, "err", err)
			c.Stop()
		}
	})
}

func (c *Connection) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(context.Background()); err != nil {
				c.Stop()
				return
			}
		}
		n, err := c.socket.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.rt.Post(func() { c.handleRead(data) })
		}
		if err != nil {
			c.Stop()
			return
		}
	}
}

func (c *Connection) handleRead(data []byte) {
	if c.active == nil {
		return
	}
	if err := c.active.Consume(c, data); err != nil {
		slog.Debug("conn: service consume error", "peer", c.Peer.UUID, "err", err)
		c.Stop()
	}
}

func (c *Connection) writeLoop() {
	for data := range c.sendCh {
		if _, err := c.socket.Write(data); err != nil {
			c.Stop()
			return
		}
	}
}

// Send enqueues data for write; writes posted on this connection complete
// in the order posted (§5). Blocks if writeQueueDepth pending writes are
// already queued and the peer isn't draining them — accepted back-pressure,
// since a Connection with a permanently stalled peer should eventually stop
// via a socket error rather than buffer unboundedly.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *Connection) Remain() []byte     { return c.readRemain }
func (c *Connection) SetRemain(b []byte) { c.readRemain = b }
func (c *Connection) LocalUUID() string  { return c.localUUID }
func (c *Connection) PeerUUID() string   { return c.Peer.UUID }
func (c *Connection) Dispatcher() service.Dispatcher { return c.disp }

// SwapService installs next as the active Service (§4.3 invariant 2,3): the
// caller (always a Service.Consume running on the reactor) still holds its
// own receiver on its call stack for the remainder of that call, satisfying
// invariant 1 (old Service stays alive for the duration of the swapping
// call) without any extra bookkeeping here.
func (c *Connection) SwapService(next service.Service, leftover []byte) error {
	c.active = next
	c.readRemain = nil
	if err := next.Start(c); err != nil {
		return err
	}
	if len(leftover) == 0 {
		return nil
	}
	return next.Consume(c, leftover)
}

// PostContinuation schedules fn on the reactor goroutine.
func (c *Connection) PostContinuation(fn func()) { c.rt.Post(fn) }

// Stop tears the connection down (§3, §5): idempotent, safe to call from
// any goroutine including from within a reactor handler. Closing the
// socket unblocks readLoop/writeLoop; the Service Stop call and manager
// unregistration are posted onto the reactor since they mutate
// reactor-owned state.
func (c *Connection) Stop() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.socket.Close()
		c.rt.Post(func() {
			if c.active != nil {
				_ = c.active.Stop(c)
			}
			if c.onStop != nil {
				c.onStop(c)
			}
		})
	})
}
