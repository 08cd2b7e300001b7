// Package workflow executes one accepted instruction: prepare branch, run
// the edit subprocess, commit, build, publish, push. It owns the handle to
// the currently running child so a preemption can interrupt it mid-step.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/gitops"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/shell"
	"github.com/webordinary/edit-worker/internal/site"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePreempted Outcome = "preempted"
	OutcomeFailed    Outcome = "failed"
)

// Result is the structured outcome of one instruction, emitted regardless
// of abort.
type Result struct {
	Outcome      Outcome
	Reason       callback.FailureReason // set when Outcome is failed
	ChangedPaths []string
	CommitSHA    string
	Published    bool
	Pushed       bool
	Diagnostics  []string

	// Fatal marks a failure that must surrender the claim (remote auth
	// rejection). Everything else keeps the pump running.
	Fatal bool
}

// GitEngine is the slice of the git engine the runner uses.
type GitEngine interface {
	EnsureRepo(ctx context.Context, repoURL string) error
	SafeSwitch(ctx context.Context, target string) (gitops.SwitchResult, error)
	CommitIfDirty(ctx context.Context, subject, body string) (gitops.CommitResult, error)
	SafePush(ctx context.Context, branch string) error
	Recover(ctx context.Context) error
	DirtyPaths(ctx context.Context) ([]string, error)
	Dir() string
}

// Editor builds the code-editing subprocess command.
type Editor interface {
	Command(dir, instruction string) *shell.Cmd
}

// Publisher mirrors a directory to the project's bucket.
type Publisher interface {
	Mirror(ctx context.Context, dir, bucket string) (site.Summary, error)
}

// Config holds the runner's collaborators.
type Config struct {
	// GitFor returns the git engine for the workspace of one instruction.
	GitFor func(project, user, repoURL string) GitEngine

	Editor         Editor
	BuildCommand   string
	BuildOutputDir string
	Publisher      Publisher
	// BucketFor maps a project to its site bucket.
	BucketFor func(project string) string

	PushEnabled bool
	AbortGrace  time.Duration
	Logger      *slog.Logger
}

// Runner runs pipelines serially. One Runner exists per claimed pair; at
// most one Run is in flight at a time (enforced by the work pump).
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	child         *shell.Proc
	aborting      bool
	abortCh       chan struct{}
	killScheduled bool
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = 8 * time.Second
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Abort cooperatively cancels the in-flight pipeline: it interrupts the
// current child (escalating to a kill after the grace period) and sets a
// flag consulted between steps. Idempotent; a no-op with nothing in flight.
func (r *Runner) Abort() {
	r.mu.Lock()
	r.aborting = true
	if r.abortCh != nil {
		select {
		case <-r.abortCh:
		default:
			close(r.abortCh)
		}
	}
	child := r.child
	schedule := child != nil && !r.killScheduled
	if schedule {
		r.killScheduled = true
	}
	r.mu.Unlock()

	if child != nil {
		child.Interrupt()
	}
	if schedule {
		time.AfterFunc(r.cfg.AbortGrace, child.Kill)
	}
}

// Run executes the pipeline for one message. It always returns a Result;
// errors are folded into it so the pump remains the single outcome handler.
func (r *Runner) Run(ctx context.Context, msg queue.WorkMessage) Result {
	r.reset()
	var res Result

	repo := r.cfg.GitFor(msg.ProjectID, msg.UserID, msg.RepoURL)

	// Step 1: prepare the thread branch from a known-clean state.
	if err := repo.EnsureRepo(ctx, msg.RepoURL); err != nil {
		return r.fail(&res, err)
	}
	if err := repo.Recover(ctx); err != nil {
		return r.fail(&res, err)
	}
	sw, err := repo.SafeSwitch(ctx, msg.ThreadBranch())
	if err != nil {
		return r.fail(&res, err)
	}
	if sw.StashKept {
		res.Diagnostics = append(res.Diagnostics,
			"stash pop conflicted; previous changes parked in stash list")
	}

	if r.isAborting() {
		return r.salvage(ctx, repo, msg, res)
	}

	// Step 2: edit subprocess.
	out, err := r.runChild(ctx, r.cfg.Editor.Command(repo.Dir(), editPrompt(msg)))
	if err != nil {
		if r.signalled(err) {
			return r.salvage(ctx, repo, msg, res)
		}
		res.Outcome = OutcomeFailed
		res.Reason = callback.ReasonClaudeFailed
		res.Diagnostics = append(res.Diagnostics, diagnostic("edit subprocess", err))
		return res
	}
	if tail := lastLines(out, 5); tail != "" {
		res.Diagnostics = append(res.Diagnostics, "edit output: "+tail)
	}

	changed, err := repo.DirtyPaths(ctx)
	if err != nil {
		return r.fail(&res, err)
	}
	res.ChangedPaths = changed

	// Step 3: commit. Skipped entirely when the edit changed nothing.
	if len(changed) > 0 {
		subject, body := CommitMessage(msg, changed)
		cr, err := repo.CommitIfDirty(ctx, subject, body)
		if err != nil {
			return r.fail(&res, err)
		}
		res.CommitSHA = cr.SHA
	}

	if r.isAborting() {
		return r.salvage(ctx, repo, msg, res)
	}

	// Step 4: build. A build failure is non-fatal; the pipeline publishes
	// whatever output directory exists and still pushes the commit.
	buildFailed := false
	if _, err := r.runChild(ctx, site.BuildCommand(repo.Dir(), r.cfg.BuildCommand)); err != nil {
		if r.signalled(err) {
			return r.salvage(ctx, repo, msg, res)
		}
		buildFailed = true
		res.Diagnostics = append(res.Diagnostics, diagnostic("build", err))
	}

	if r.isAborting() {
		return r.salvage(ctx, repo, msg, res)
	}

	// Step 5: publish, when there is output to publish. After a failed
	// build this mirrors the previous successful output, which is already
	// what the bucket holds.
	if site.OutputDirExists(repo.Dir(), r.cfg.BuildOutputDir) {
		published, aborted := r.publish(ctx, repo, msg, &res)
		if aborted {
			return r.salvage(ctx, repo, msg, res)
		}
		res.Published = published
	} else if buildFailed {
		res.Diagnostics = append(res.Diagnostics, "no build output to publish")
	}

	if r.isAborting() {
		return r.salvage(ctx, repo, msg, res)
	}

	// Step 6: push. No commit means nothing to push.
	if res.CommitSHA != "" {
		r.push(ctx, repo, msg.ThreadBranch(), &res)
		if res.Fatal {
			return res
		}
	}

	res.Outcome = OutcomeCompleted
	return res
}

// publish mirrors the build output. Returns aborted=true when the mirror
// was cancelled by an abort (partial publish permitted).
func (r *Runner) publish(ctx context.Context, repo GitEngine, msg queue.WorkMessage, res *Result) (published, aborted bool) {
	stepCtx, cancel := r.abortableCtx(ctx)
	defer cancel()

	dir := filepath.Join(repo.Dir(), r.cfg.BuildOutputDir)
	_, err := r.cfg.Publisher.Mirror(stepCtx, dir, r.cfg.BucketFor(msg.ProjectID))
	if err != nil {
		if r.isAborting() {
			return false, true
		}
		res.Diagnostics = append(res.Diagnostics, diagnostic("publish", err))
		return false, false
	}
	return true, false
}

func (r *Runner) push(ctx context.Context, repo GitEngine, branch string, res *Result) {
	if !r.cfg.PushEnabled {
		res.Diagnostics = append(res.Diagnostics, "push disabled by configuration")
		return
	}
	if err := repo.SafePush(ctx, branch); err != nil {
		if errors.Is(err, gitops.ErrAuth) {
			res.Outcome = OutcomeFailed
			res.Reason = callback.ReasonInternal
			res.Fatal = true
			res.Diagnostics = append(res.Diagnostics, diagnostic("push", err))
			return
		}
		res.Diagnostics = append(res.Diagnostics, diagnostic("push", err))
		return
	}
	res.Pushed = true
}

// salvage runs the post-abort cleanup: park partial work in a WIP commit,
// publish whatever build output exists so the site is not left stale, and
// push. Each action is best-effort; the outcome is preempted regardless.
func (r *Runner) salvage(ctx context.Context, repo GitEngine, msg queue.WorkMessage, res Result) Result {
	res.Outcome = OutcomePreempted
	res.Reason = callback.ReasonPreempted

	if err := repo.Recover(ctx); err != nil {
		res.Diagnostics = append(res.Diagnostics, diagnostic("recover after abort", err))
	}

	changed, err := repo.DirtyPaths(ctx)
	if err == nil && len(changed) > 0 {
		res.ChangedPaths = changed
		subject, body := WIPCommitMessage(msg, changed)
		cr, err := repo.CommitIfDirty(ctx, subject, body)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, diagnostic("WIP commit", err))
		} else if cr.Committed {
			res.CommitSHA = cr.SHA
		}
	}

	// Publishing a partial build is preferred over leaving the previous
	// version stale.
	if site.OutputDirExists(repo.Dir(), r.cfg.BuildOutputDir) {
		dir := filepath.Join(repo.Dir(), r.cfg.BuildOutputDir)
		if _, err := r.cfg.Publisher.Mirror(ctx, dir, r.cfg.BucketFor(msg.ProjectID)); err != nil {
			res.Diagnostics = append(res.Diagnostics, diagnostic("partial publish", err))
		} else {
			res.Published = true
		}
	}

	if res.CommitSHA != "" && r.cfg.PushEnabled {
		if err := repo.SafePush(ctx, msg.ThreadBranch()); err != nil {
			res.Diagnostics = append(res.Diagnostics, diagnostic("push after abort", err))
		} else {
			res.Pushed = true
		}
	}

	r.logger.Info("instruction preempted",
		"message_id", msg.MessageID, "commit", res.CommitSHA, "published", res.Published)
	return res
}

// runChild starts cmd, records it as the current child for the preemption
// path, and waits for it.
func (r *Runner) runChild(ctx context.Context, cmd *shell.Cmd) (string, error) {
	proc, err := cmd.Start(ctx)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	aborting := r.aborting
	r.child = proc
	r.mu.Unlock()
	if aborting {
		// Abort raced with the spawn; take it back immediately.
		proc.Interrupt()
	}

	out, err := proc.Wait()

	r.mu.Lock()
	r.child = nil
	r.killScheduled = false
	r.mu.Unlock()

	return out, err
}

// signalled reports whether a child error came from our own abort.
func (r *Runner) signalled(err error) bool {
	if r.isAborting() {
		return true
	}
	var exitErr *shell.ExitError
	return errors.As(err, &exitErr) && exitErr.Signaled
}

func (r *Runner) isAborting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborting
}

func (r *Runner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborting = false
	r.child = nil
	r.killScheduled = false
	r.abortCh = make(chan struct{})
}

// abortableCtx derives a context cancelled by Abort, for steps that do
// network I/O instead of running a signallable child.
func (r *Runner) abortableCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	abortCh := r.abortCh
	r.mu.Unlock()

	stepCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-abortCh:
			cancel()
		case <-stepCtx.Done():
		}
	}()
	return stepCtx, cancel
}

func (r *Runner) fail(res *Result, err error) Result {
	res.Outcome = OutcomeFailed
	res.Reason = callback.ReasonInternal
	res.Fatal = errors.Is(err, gitops.ErrAuth)
	res.Diagnostics = append(res.Diagnostics, err.Error())
	return *res
}

func diagnostic(step string, err error) string {
	return fmt.Sprintf("%s: %v", step, err)
}

// editPrompt renders the instruction (plus attachment pointers) for the
// edit subprocess.
func editPrompt(msg queue.WorkMessage) string {
	if len(msg.Attachments) == 0 {
		return msg.Instruction
	}
	var b strings.Builder
	b.WriteString(msg.Instruction)
	b.WriteString("\n\nAttachments:\n")
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.URL)
	}
	return b.String()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
