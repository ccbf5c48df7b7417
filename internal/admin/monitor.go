// Package admin is the proctor-facing HTTP surface: a read-only /health and
// /api/state, plus a /api/monitor websocket feed of connection-manager
// events. Grounded on the teacher's server/internal/httpapi.Server (Echo +
// slog request logging + graceful shutdown) and server/internal/ws.Handler
// (upgrade, then a dedicated writer goroutine draining a per-client channel),
// repurposed from chat delivery to one-way event streaming.
package admin

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	monitorSendBuffer = 64
	writeTimeout      = 5 * time.Second
)

// Event is one connection-manager occurrence pushed to monitor clients.
type Event struct {
	Type   string         `json:"type"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Monitor fans Publish calls out to every connected /api/monitor client. A
// slow or stalled client is dropped rather than allowed to block Publish,
// mirroring the teacher's per-session Send channel with the same trade-off
// inverted: here there is no per-user origin to apply back-pressure to.
type Monitor struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewMonitor constructs an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[chan Event]struct{}),
	}
}

// Publish matches connmgr.Manager.SetEventSink's signature, so it can be
// wired directly: mgr.SetEventSink(monitor.Publish).
func (m *Monitor) Publish(kind string, fields map[string]any) {
	ev := Event{Type: kind, Time: time.Now(), Fields: fields}
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.clients {
		select {
		case ch <- ev:
		default:
			slog.Debug("admin: monitor client slow, dropping event", "type", kind)
		}
	}
}

func (m *Monitor) register() chan Event {
	ch := make(chan Event, monitorSendBuffer)
	m.mu.Lock()
	m.clients[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Monitor) unregister(ch chan Event) {
	m.mu.Lock()
	delete(m.clients, ch)
	m.mu.Unlock()
	close(ch)
}

// handleMonitor upgrades the request and streams events until the client
// disconnects. The read loop only exists to notice the peer going away
// (ping/close control frames); monitor clients never send application data.
func (m *Monitor) handleMonitor(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := m.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("admin: monitor upgrade failed", "remote", remoteAddr, "err", err)
		return err
	}
	defer conn.Close()

	ch := m.register()
	defer m.unregister(ch)

	go func() {
		for ev := range ch {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("admin: monitor write error", "remote", remoteAddr, "err", err)
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			slog.Debug("admin: monitor client disconnected", "remote", remoteAddr, "err", err)
			return nil
		}
	}
}
