// Package interrupt runs the preemption listener: a side channel that can
// abort the in-flight instruction when a newer message supersedes it. The
// listener never touches the workspace or the work queue; it only signals
// the workflow runner and waits for the pump to settle the outcome.
package interrupt

import (
	"context"
	"log/slog"
	"time"

	"github.com/webordinary/edit-worker/internal/pump"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/store"
)

// Aborter is the slice of the workflow runner the listener uses.
type Aborter interface {
	Abort()
}

// InterruptQueue is the slice of the queue consumer the listener uses.
type InterruptQueue interface {
	Receive(ctx context.Context) (*queue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// ActiveJobs is the slice of the active-job store the listener uses.
type ActiveJobs interface {
	Get(ctx context.Context, key store.Key) (*store.ActiveJob, error)
	Delete(ctx context.Context, key store.Key) error
}

// Config holds the listener's collaborators for one claimed pair.
type Config struct {
	Key     store.Key
	Queue   InterruptQueue
	Runner  Aborter
	Jobs    ActiveJobs
	Tracker *pump.Tracker

	// SettleTimeout bounds how long the listener waits for an aborted
	// instruction to finish its terminal actions before moving on.
	SettleTimeout time.Duration

	Logger *slog.Logger
}

// Listener polls the pair's interrupt queue and aborts superseded work.
type Listener struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Listener.
func New(cfg Config) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	return &Listener{cfg: cfg, logger: logger.With("project", cfg.Key.Project, "user", cfg.Key.User)}
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("preemption listener started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("preemption listener stopped")
			return
		}

		rec, err := l.cfg.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("interrupt receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if rec == nil {
			continue
		}

		l.handle(ctx, rec)
	}
}

// handle processes one interrupt message. The interrupt is always consumed:
// a stale or unmatched interrupt is a no-op, and a matched one is done once
// the pump settles the aborted instruction.
func (l *Listener) handle(ctx context.Context, rec *queue.Received) {
	defer func() {
		if err := l.cfg.Queue.Delete(ctx, rec.ReceiptHandle); err != nil {
			l.logger.Warn("deleting interrupt failed", "error", err)
		}
	}()

	intr, err := queue.ParseInterruptMessage(rec.Body)
	if err != nil {
		l.logger.Warn("malformed interrupt dropped", "error", err)
		return
	}

	active := l.cfg.Tracker.Match(intr)
	if active == nil {
		l.reconcile(ctx, intr)
		return
	}

	l.logger.Info("preempting in-flight instruction",
		"old_message_id", intr.OldMessageID, "new_message_id", intr.NewMessageID)
	l.cfg.Runner.Abort()

	select {
	case <-active.Done():
		l.logger.Info("preempted instruction settled", "old_message_id", intr.OldMessageID)
	case <-time.After(l.cfg.SettleTimeout):
		l.logger.Warn("preempted instruction did not settle in time",
			"old_message_id", intr.OldMessageID)
	case <-ctx.Done():
	}
}

// reconcile covers the gap where nothing is in flight in this process but
// the ActiveJob table still names the interrupted message. That row is a
// leftover from an earlier incarnation; clearing it keeps the table honest.
// Any other mismatch means the interrupt is stale and is simply dropped.
func (l *Listener) reconcile(ctx context.Context, intr queue.InterruptMessage) {
	job, err := l.cfg.Jobs.Get(ctx, l.cfg.Key)
	if err != nil {
		l.logger.Warn("active-job lookup failed", "error", err)
		return
	}
	if job == nil || job.MessageID != intr.OldMessageID {
		l.logger.Info("stale interrupt dropped",
			"old_message_id", intr.OldMessageID, "new_message_id", intr.NewMessageID)
		return
	}
	l.logger.Info("clearing orphaned active-job record", "message_id", job.MessageID)
	if err := l.cfg.Jobs.Delete(ctx, l.cfg.Key); err != nil {
		l.logger.Warn("deleting orphaned active job failed", "error", err)
	}
}
