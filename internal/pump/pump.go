// Package pump drives the workflow runner from the owned FIFO work queue,
// one message at a time, while keeping the message invisible and the
// orchestrator heartbeated for as long as the pipeline runs.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/store"
	"github.com/webordinary/edit-worker/internal/workflow"
)

// heartbeatMaxMisses is how many consecutive heartbeat failures are
// tolerated before the job is treated as lost.
const heartbeatMaxMisses = 3

// WorkflowRunner is the slice of the workflow runner the pump uses.
type WorkflowRunner interface {
	Run(ctx context.Context, msg queue.WorkMessage) workflow.Result
	Abort()
}

// WorkQueue is the slice of the queue consumer the pump uses.
type WorkQueue interface {
	Receive(ctx context.Context) (*queue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// Gateway is the slice of the callback gateway the pump uses.
type Gateway interface {
	Heartbeat(ctx context.Context, taskToken string) error
	ReportSuccess(ctx context.Context, taskToken string, payload callback.SuccessPayload) error
	ReportFailure(ctx context.Context, taskToken string, reason callback.FailureReason, detail string) error
}

// ActiveJobs is the slice of the active-job store the pump uses.
type ActiveJobs interface {
	Put(ctx context.Context, key store.Key, job store.ActiveJob) error
	Delete(ctx context.Context, key store.Key) error
}

// Journal records instruction lifecycle events. Optional.
type Journal interface {
	Record(messageID, project, user, event, detail string) error
}

// Config holds the pump's collaborators for one claimed pair.
type Config struct {
	Key     store.Key
	Queue   WorkQueue
	Runner  WorkflowRunner
	Gateway Gateway
	Jobs    ActiveJobs
	Tracker *Tracker
	Journal Journal

	HeartbeatPeriod        time.Duration
	VisibilityExtendPeriod time.Duration
	VisibilityTimeout      time.Duration

	Logger *slog.Logger
}

// Pump is the single-threaded message loop for one claimed (project, user).
type Pump struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pump.
func New(cfg Config) *Pump {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{cfg: cfg, logger: logger.With("project", cfg.Key.Project, "user", cfg.Key.User)}
}

// Run processes messages until ctx is cancelled. A non-nil error means the
// claim must be surrendered (remote auth rejection).
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("work pump started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("work pump stopped")
			return nil
		}

		rec, err := p.cfg.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("receive failed", "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if rec == nil {
			continue
		}

		if err := p.process(ctx, rec); err != nil {
			return err
		}
	}
}

// process handles one received message through to its terminal action.
func (p *Pump) process(ctx context.Context, rec *queue.Received) error {
	msg, err := queue.ParseWorkMessage(rec.Body)
	if err != nil {
		p.handleMalformed(ctx, msg, rec, err)
		return nil
	}

	p.logger.Info("instruction picked up", "message_id", msg.MessageID, "thread", msg.ThreadID)
	p.record(msg, "picked_up", "")

	// The receipt handle goes into the tracker before the ActiveJob write:
	// an interrupt racing this window either misses entirely or finds a
	// complete entry.
	active := p.cfg.Tracker.Begin(p.cfg.Key, msg, rec.ReceiptHandle)
	defer p.cfg.Tracker.End(active)

	if err := p.cfg.Jobs.Put(ctx, p.cfg.Key, store.ActiveJob{
		MessageID:     msg.MessageID,
		TaskToken:     msg.TaskToken,
		ReceiptHandle: rec.ReceiptHandle,
		ThreadID:      msg.ThreadID,
	}); err != nil {
		p.logger.Warn("recording active job failed", "error", err)
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	heartbeatLost := make(chan struct{})
	extenderDone := p.startExtender(jobCtx, rec.ReceiptHandle, heartbeatLost)
	heartbeatDone := p.startHeartbeater(jobCtx, msg.TaskToken, heartbeatLost)

	// An abort on claim loss or shutdown must reach the running child. The
	// relay arms only against the parent context and is joined before the
	// pump moves on, so a finished run never aborts the next instruction.
	finished := make(chan struct{})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		select {
		case <-ctx.Done():
			p.cfg.Runner.Abort()
		case <-finished:
		}
	}()

	res := p.cfg.Runner.Run(jobCtx, msg)

	close(finished)
	<-relayDone
	cancelJob()
	<-extenderDone
	<-heartbeatDone

	// Ownership gone: no terminal actions. The new owner will receive the
	// message again once visibility lapses.
	if ctx.Err() != nil {
		p.logger.Info("skipping terminal actions; ownership gone", "message_id", msg.MessageID)
		return nil
	}

	select {
	case <-heartbeatLost:
		return p.finishHeartbeatLost(ctx, msg)
	default:
	}

	return p.finish(ctx, msg, rec, res)
}

func (p *Pump) finish(ctx context.Context, msg queue.WorkMessage, rec *queue.Received, res workflow.Result) error {
	detail := strings.Join(res.Diagnostics, "; ")

	switch res.Outcome {
	case workflow.OutcomeCompleted:
		if err := p.cfg.Gateway.ReportSuccess(ctx, msg.TaskToken, callback.SuccessPayload{
			ChangedPaths: res.ChangedPaths,
			CommitSHA:    res.CommitSHA,
			Published:    res.Published,
			Pushed:       res.Pushed,
		}); err != nil {
			p.logger.Warn("success callback failed; relying on orchestrator timeout", "error", err)
		}
		p.deleteMessage(ctx, rec)
		p.deleteActiveJob(ctx)
		p.record(msg, "completed", detail)
		p.logger.Info("instruction completed",
			"message_id", msg.MessageID, "commit", res.CommitSHA,
			"published", res.Published, "pushed", res.Pushed)

	case workflow.OutcomePreempted:
		preemptDetail := fmt.Sprintf("commit=%s published=%t pushed=%t",
			res.CommitSHA, res.Published, res.Pushed)
		if err := p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, callback.ReasonPreempted, preemptDetail); err != nil {
			p.logger.Warn("preemption callback failed", "error", err)
		}
		// Deleting the receipt is what unblocks the FIFO group for the
		// superseding message.
		p.deleteMessage(ctx, rec)
		p.deleteActiveJob(ctx)
		p.record(msg, "preempted", preemptDetail)

	case workflow.OutcomeFailed:
		if res.Fatal {
			// Remote auth rejection: leave the message for the next owner
			// and surrender the claim.
			p.deleteActiveJob(ctx)
			p.record(msg, "failed_fatal", detail)
			return fmt.Errorf("fatal pipeline failure for %s: %s", msg.MessageID, detail)
		}
		if err := p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, res.Reason, detail); err != nil {
			p.logger.Warn("failure callback failed", "error", err)
		}
		p.deleteMessage(ctx, rec)
		p.deleteActiveJob(ctx)
		p.record(msg, "failed", string(res.Reason)+": "+detail)
		p.logger.Warn("instruction failed", "message_id", msg.MessageID, "reason", res.Reason, "detail", detail)
	}
	return nil
}

// finishHeartbeatLost stops claiming the message (visibility extension has
// already stopped) so it is redelivered, and best-effort reports the loss.
func (p *Pump) finishHeartbeatLost(ctx context.Context, msg queue.WorkMessage) error {
	if err := p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, callback.ReasonHeartbeatLost,
		"worker lost heartbeat contact with orchestrator"); err != nil {
		p.logger.Warn("heartbeat-lost callback failed", "error", err)
	}
	p.deleteActiveJob(ctx)
	p.record(msg, "heartbeat_lost", "")
	p.logger.Warn("heartbeat lost; leaving message for redelivery", "message_id", msg.MessageID)
	return nil
}

func (p *Pump) handleMalformed(ctx context.Context, msg queue.WorkMessage, rec *queue.Received, parseErr error) {
	p.logger.Warn("malformed work message dropped", "error", parseErr)
	p.record(msg, "malformed", parseErr.Error())
	// Malformed messages are never retriable.
	p.deleteMessage(ctx, rec)
	if msg.TaskToken != "" {
		if err := p.cfg.Gateway.ReportFailure(ctx, msg.TaskToken, callback.ReasonMalformedMessage, parseErr.Error()); err != nil {
			p.logger.Warn("malformed-message callback failed", "error", err)
		}
	}
}

// startExtender keeps the in-flight message invisible for as long as the
// pipeline runs. It stops on its own once a heartbeat loss is signalled, so
// the message can be redelivered.
func (p *Pump) startExtender(ctx context.Context, receiptHandle string, heartbeatLost <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityExtendPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatLost:
				return
			case <-ticker.C:
				if err := p.cfg.Queue.ExtendVisibility(ctx, receiptHandle, p.cfg.VisibilityTimeout); err != nil {
					p.logger.Warn("extending visibility failed", "error", err)
				}
			}
		}
	}()
	return done
}

// startHeartbeater sends liveness heartbeats for the task token. After
// heartbeatMaxMisses consecutive failures it signals loss and aborts the
// in-flight pipeline.
func (p *Pump) startHeartbeater(ctx context.Context, taskToken string, heartbeatLost chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatPeriod)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.cfg.Gateway.Heartbeat(ctx, taskToken); err != nil {
					misses++
					p.logger.Warn("heartbeat failed", "misses", misses, "error", err)
					if misses >= heartbeatMaxMisses {
						close(heartbeatLost)
						p.cfg.Runner.Abort()
						return
					}
					continue
				}
				misses = 0
			}
		}
	}()
	return done
}

func (p *Pump) deleteMessage(ctx context.Context, rec *queue.Received) {
	if err := p.cfg.Queue.Delete(ctx, rec.ReceiptHandle); err != nil {
		p.logger.Warn("deleting work message failed", "error", err)
	}
}

func (p *Pump) deleteActiveJob(ctx context.Context) {
	if err := p.cfg.Jobs.Delete(ctx, p.cfg.Key); err != nil {
		p.logger.Warn("deleting active job failed", "error", err)
	}
}

func (p *Pump) record(msg queue.WorkMessage, event, detail string) {
	if p.cfg.Journal == nil {
		return
	}
	if err := p.cfg.Journal.Record(msg.MessageID, p.cfg.Key.Project, p.cfg.Key.User, event, detail); err != nil {
		p.logger.Warn("journal write failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
