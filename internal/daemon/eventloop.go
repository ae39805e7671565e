package daemon

import (
	"context"
	"time"

	"github.com/aruna/rudder/internal/observability"
)

// EventLoop handles periodic maintenance work
type EventLoop struct {
	daemon *Daemon
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon: d,
	}
}

// Run runs the event loop with periodic maintenance tasks
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs lanes that still carry work
func (e *EventLoop) processTasks() {
	observability.SetActiveSessions(e.daemon.registry.Len())

	for _, s := range e.daemon.registry.All() {
		key := s.Key()
		queued := e.daemon.queue.QueueSize(key)
		if queued > 0 || e.daemon.queue.Running(key) {
			e.daemon.logger.Debug().
				Str("session_key", key).
				Int("queued", queued).
				Bool("running", e.daemon.queue.Running(key)).
				Msg("Lane stats")
		}
		if n := s.Buffer().Count(); n > 0 {
			observability.SetSteeringDepth(key, n)
		}
	}
}

// HandleShutdown waits, bounded, for in-flight tasks to complete
func (e *EventLoop) HandleShutdown() {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForIdle(5 * time.Second) {
		e.daemon.logger.Info().Msg("All active tasks completed")
		return
	}
	e.daemon.logger.Warn().Msg("Shutdown proceeding with tasks still in flight")
}
