package sqlite

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eic-swf/testbed/monitor"
)

// PostFunc delivers one system event to the monitor.
type PostFunc func(ctx context.Context, ev *monitor.SystemEvent) error

// Recorder delivers system events to the monitor and parks them in the
// journal while the monitor is unreachable. Parked events are replayed
// before newer ones so the monitor sees them in emission order.
type Recorder struct {
	post    PostFunc
	journal *Journal
	logger  *slog.Logger

	mu sync.Mutex
}

// NewRecorder wraps a monitor post function with the journal fallback.
func NewRecorder(post PostFunc, journal *Journal, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = nopLogger
	}
	return &Recorder{post: post, journal: journal, logger: logger}
}

// PostSystemEvent sends one event, draining any backlog first. A delivery
// failure parks the event instead of propagating; only a journal write
// failure is returned.
func (r *Recorder) PostSystemEvent(ctx context.Context, ev *monitor.SystemEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.journal.Pending(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		if _, err := r.journal.Flush(ctx, r.post); err != nil {
			// Monitor still down; the new event queues behind the backlog.
			return r.journal.Append(ctx, ev)
		}
	}
	if err := r.post(ctx, ev); err != nil {
		r.logger.Warn("system event parked", "event_type", ev.EventType, "error", err)
		return r.journal.Append(ctx, ev)
	}
	return nil
}

// Drain replays the backlog without posting a new event. Agents call it
// periodically from their heartbeat path.
func (r *Recorder) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.journal.Flush(ctx, r.post)
}
