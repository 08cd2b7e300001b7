// Package worker wires the whole process together: one claim manager that,
// once a (project, user) pair is won, runs a work pump and a preemption
// listener for it until the claim ends.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/claim"
	"github.com/webordinary/edit-worker/internal/claude"
	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/gitops"
	"github.com/webordinary/edit-worker/internal/interrupt"
	"github.com/webordinary/edit-worker/internal/pump"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/site"
	"github.com/webordinary/edit-worker/internal/store"
	"github.com/webordinary/edit-worker/internal/workflow"
)

// Clients bundles the AWS service clients the worker depends on.
type Clients struct {
	SQS    queue.SQSAPI
	Dynamo store.DynamoAPI
	SFN    callback.SFNAPI
	S3     *s3.Client
}

// Worker is one container instance. It owns at most one pair at a time.
type Worker struct {
	id      string
	cfg     *config.Config
	clients Clients
	journal pump.Journal
	logger  *slog.Logger

	ownership *store.Ownership
	jobs      *store.ActiveJobs
	gateway   *callback.Gateway
	publisher *site.Publisher
	editor    *claude.Invoker
}

// New assembles a Worker from configuration and AWS clients. journal may be
// nil.
func New(cfg *config.Config, clients Clients, journal pump.Journal, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Worker{
		id:        id,
		cfg:       cfg,
		clients:   clients,
		journal:   journal,
		logger:    logger.With("worker_id", id),
		ownership: store.NewOwnership(clients.Dynamo, cfg.OwnershipTable),
		jobs:      store.NewActiveJobs(clients.Dynamo, cfg.ActiveJobTable, 2*cfg.VisibilityTimeout),
		gateway:   callback.New(clients.SFN, logger),
		publisher: site.NewPublisher(clients.S3, site.PublisherOptions{
			Exclude: cfg.PublishExclude,
			Logger:  logger,
		}),
		editor: claude.New(cfg.EditCommand),
	}
}

// ID returns the worker's unique id, minted at startup.
func (w *Worker) ID() string { return w.id }

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	manager := claim.New(claim.Config{
		WorkerID:           w.id,
		Unclaimed:          queue.NewConsumer(w.clients.SQS, w.cfg.UnclaimedQueueURL),
		Ownership:          w.ownership,
		Session:            w.session,
		LeaseDuration:      w.cfg.LeaseDuration,
		LeaseRefreshPeriod: w.cfg.LeaseRefreshPeriod,
		Logger:             w.logger,
	})
	return manager.Run(ctx)
}

// session runs the pump and the preemption listener for one claimed pair.
// It returns when ctx is cancelled (lease lost or shutdown) or when the
// pump surrenders the claim.
func (w *Worker) session(ctx context.Context, req queue.ClaimRequest) error {
	key := store.Key{Project: req.Project, User: req.User}
	tracker := pump.NewTracker()

	runner := workflow.New(workflow.Config{
		GitFor: func(project, user, repoURL string) workflow.GitEngine {
			return gitops.Open(w.cfg.WorkspaceDir(project, user, repoURL), gitops.Options{
				Credential:  w.cfg.GitCredential,
				UserName:    w.cfg.GitUserName,
				UserEmail:   w.cfg.GitUserEmail,
				PushRetries: w.cfg.PushRetryCount,
				Logger:      w.logger,
			})
		},
		Editor:         w.editor,
		BuildCommand:   w.cfg.BuildCommand,
		BuildOutputDir: w.cfg.BuildOutputDir,
		Publisher:      w.publisher,
		BucketFor:      w.cfg.BucketFor,
		PushEnabled:    w.cfg.PushEnabled,
		AbortGrace:     w.cfg.AbortGracePeriod,
		Logger:         w.logger,
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener := interrupt.New(interrupt.Config{
		Key:           key,
		Queue:         queue.NewConsumer(w.clients.SQS, w.cfg.InterruptQueueURL(req.Project, req.User)),
		Runner:        runner,
		Jobs:          w.jobs,
		Tracker:       tracker,
		SettleTimeout: w.cfg.AbortGracePeriod + 30*time.Second,
		Logger:        w.logger,
	})
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		listener.Run(sessionCtx)
	}()

	p := pump.New(pump.Config{
		Key:                    key,
		Queue:                  queue.NewConsumer(w.clients.SQS, req.QueueURL),
		Runner:                 runner,
		Gateway:                w.gateway,
		Jobs:                   w.jobs,
		Tracker:                tracker,
		Journal:                w.journal,
		HeartbeatPeriod:        w.cfg.HeartbeatPeriod,
		VisibilityExtendPeriod: w.cfg.VisibilityExtendPeriod,
		VisibilityTimeout:      w.cfg.VisibilityTimeout,
		Logger:                 w.logger,
	})
	err := p.Run(sessionCtx)

	cancel()
	<-listenerDone
	return err
}
