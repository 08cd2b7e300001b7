// Package claim runs the worker's ownership state machine: poll the
// cluster-wide unclaimed queue for available (project, user) pairs, win at
// most one via the lease table's conditional write, hold it for as long as
// the lease can be refreshed, and release it cleanly on shutdown.
package claim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/store"
)

// UnclaimedQueue is the slice of the queue consumer the manager uses.
type UnclaimedQueue interface {
	Receive(ctx context.Context) (*queue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Return(ctx context.Context, receiptHandle string) error
}

// OwnershipStore is the slice of the lease store the manager uses.
type OwnershipStore interface {
	Claim(ctx context.Context, key store.Key, workerID string, lease time.Duration) error
	Refresh(ctx context.Context, key store.Key, workerID string, lease time.Duration) error
	Release(ctx context.Context, key store.Key, workerID string) error
}

// Session runs the claimed pair's work until ctx is cancelled. A non-nil
// error asks the manager to surrender the claim early.
type Session func(ctx context.Context, req queue.ClaimRequest) error

// Config holds the manager's collaborators.
type Config struct {
	WorkerID  string
	Unclaimed UnclaimedQueue
	Ownership OwnershipStore
	Session   Session

	LeaseDuration      time.Duration
	LeaseRefreshPeriod time.Duration

	Logger *slog.Logger
}

// Manager owns at most one (project, user) pair at a time.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger.With("worker_id", cfg.WorkerID)}
}

// Run cycles between IDLE (polling for claim requests) and OWNED (running a
// session) until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("claim manager started")
	for {
		if ctx.Err() != nil {
			m.logger.Info("claim manager stopped")
			return nil
		}

		rec, err := m.cfg.Unclaimed.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("unclaimed receive failed", "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}
		if rec == nil {
			continue
		}

		req, err := queue.ParseClaimRequest(rec.Body)
		if err != nil {
			m.logger.Warn("malformed claim request dropped", "error", err)
			if derr := m.cfg.Unclaimed.Delete(ctx, rec.ReceiptHandle); derr != nil {
				m.logger.Warn("deleting malformed claim request failed", "error", derr)
			}
			continue
		}

		key := store.Key{Project: req.Project, User: req.User}
		if err := m.cfg.Ownership.Claim(ctx, key, m.cfg.WorkerID, m.cfg.LeaseDuration); err != nil {
			if errors.Is(err, store.ErrClaimLost) {
				// Someone else holds a live lease. Make the request visible
				// again rather than leave it parked on our receipt.
				if rerr := m.cfg.Unclaimed.Return(ctx, rec.ReceiptHandle); rerr != nil {
					m.logger.Warn("returning claim request failed", "error", rerr)
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("claim attempt failed", "project", req.Project, "user", req.User, "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}

		if err := m.cfg.Unclaimed.Delete(ctx, rec.ReceiptHandle); err != nil {
			m.logger.Warn("deleting claim request failed", "error", err)
		}

		m.owned(ctx, key, req)
	}
}

// owned runs the session for a claimed pair, refreshing the lease until the
// session ends, the lease is lost, or ctx is cancelled.
func (m *Manager) owned(ctx context.Context, key store.Key, req queue.ClaimRequest) {
	logger := m.logger.With("project", key.Project, "user", key.User)
	logger.Info("claimed pair")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- m.cfg.Session(sessionCtx, req)
	}()

	ticker := time.NewTicker(m.cfg.LeaseRefreshPeriod)
	defer ticker.Stop()

	leaseLost := false
	var surrendered error
loop:
	for {
		select {
		case <-ctx.Done():
			cancel()
			surrendered = <-sessionErr
			break loop
		case surrendered = <-sessionErr:
			break loop
		case <-ticker.C:
			if err := m.cfg.Ownership.Refresh(ctx, key, m.cfg.WorkerID, m.cfg.LeaseDuration); err != nil {
				if errors.Is(err, store.ErrClaimLost) {
					// Another worker took the lease. Nothing owned anymore:
					// stop all work on the pair right now.
					logger.Warn("lease lost; abandoning pair")
					leaseLost = true
					cancel()
					<-sessionErr
					break loop
				}
				logger.Warn("lease refresh failed", "error", err)
			}
		}
	}

	if leaseLost {
		// Sit out one refresh period so we do not immediately race the new
		// owner for the next claim request.
		sleep(ctx, m.cfg.LeaseRefreshPeriod)
		return
	}

	if surrendered != nil && ctx.Err() == nil {
		logger.Warn("session surrendered claim", "error", surrendered)
	}

	// Release with a short independent deadline so shutdown still cleans up.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer releaseCancel()
	if err := m.cfg.Ownership.Release(releaseCtx, key, m.cfg.WorkerID); err != nil {
		logger.Warn("releasing claim failed", "error", err)
	} else {
		logger.Info("released pair")
	}

	if surrendered != nil && ctx.Err() == nil {
		sleep(ctx, m.cfg.LeaseRefreshPeriod)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
