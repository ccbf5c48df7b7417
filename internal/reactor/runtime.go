// Package reactor implements the single cooperative event loop that owns
// every ConnectionManager mutation and Service state transition (§5).
//
// Go exposes no raw async socket-completion API the way the source
// language's reactor does, so this renders the same guarantee — "concurrent
// execution of handlers is disallowed" — with one dedicated goroutine that
// drains a serialized work queue. Per-connection goroutines do the actual
// blocking net.Conn reads/writes (the system's analogue of async_receive /
// async_send / async_connect) and Post the resulting handler as a closure;
// the handler itself always runs on the single reactor goroutine.
package reactor

import (
	"context"
	"log/slog"
)

// Runtime is the single-threaded event loop.
type Runtime struct {
	work chan func()
	log  *slog.Logger
}

// New creates a Runtime with the given work-queue depth. A deep queue lets
// connection I/O goroutines keep making progress (accepting new reads)
// without blocking on the reactor catching up.
func New(queueDepth int, log *slog.Logger) *Runtime {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{work: make(chan func(), queueDepth), log: log}
}

// Post enqueues fn to run on the reactor goroutine. Safe to call from any
// goroutine, including from within a handler already running on the
// reactor (e.g. a Service posting its own continuation).
func (r *Runtime) Post(fn func()) {
	r.work <- fn
}

// Run drains the work queue on the calling goroutine until ctx is canceled.
// This goroutine becomes "the reactor" — callers must invoke Run exactly
// once and must never call it concurrently with another Run on the same
// Runtime.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.work:
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("reactor: handler panic recovered", "panic", rec)
					}
				}()
				fn()
			}()
		}
	}
}
