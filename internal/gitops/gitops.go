// Package gitops is the worker's git engine. Every operation is designed so
// that no sequence of branch switches, commits, and pushes can leave the
// workspace in a state the next operation cannot recover from.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/webordinary/edit-worker/internal/retry"
	"github.com/webordinary/edit-worker/internal/shell"
)

// ErrAuth reports that the remote rejected our credentials. It is the only
// fatal git outcome: the claim holding this workspace must be surrendered.
var ErrAuth = errors.New("git remote authentication failed")

// errNonFastForward is internal to SafePush's divergence recovery.
var errNonFastForward = errors.New("push rejected: non-fast-forward")

// Options configures a Repo.
type Options struct {
	// Credential is the token used for HTTPS pushes and fetches. Delivered
	// to git through an askpass helper so no operation ever prompts.
	Credential string

	UserName  string
	UserEmail string

	// PushRetries bounds transient-error retries inside SafePush.
	PushRetries int

	Logger *slog.Logger
}

// Repo wraps git operations against one workspace directory.
type Repo struct {
	dir         string
	runner      *shell.Runner
	credential  string
	userName    string
	userEmail   string
	pushRetries int
	logger      *slog.Logger
}

// Open returns a Repo for the given directory. The directory does not need
// to exist yet; EnsureRepo creates it.
func Open(dir string, opts Options) *Repo {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pushRetries := opts.PushRetries
	if pushRetries <= 0 {
		pushRetries = 3
	}
	return &Repo{
		dir:         dir,
		runner:      &shell.Runner{Dir: dir},
		credential:  opts.Credential,
		userName:    opts.UserName,
		userEmail:   opts.UserEmail,
		pushRetries: pushRetries,
		logger:      logger,
	}
}

// Dir returns the workspace directory.
func (r *Repo) Dir() string { return r.dir }

// EnsureRepo makes sure the workspace contains a usable clone of repoURL.
// Idempotent: an existing clone is reused, only identity and credential
// config are reapplied.
func (r *Repo) EnsureRepo(ctx context.Context, repoURL string) error {
	if err := r.ensureAskpass(); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return r.configure(ctx)
	}

	if err := os.MkdirAll(filepath.Dir(r.dir), 0755); err != nil {
		return fmt.Errorf("creating workspace parent: %w", err)
	}

	parent := &shell.Runner{Dir: filepath.Dir(r.dir), Env: r.runner.Env}
	if _, err := parent.Run(ctx, "git", "clone", "--depth", "1", repoURL, r.dir); err != nil {
		if isAuthError(err) {
			return fmt.Errorf("cloning %s: %w", redact(repoURL), ErrAuth)
		}
		return fmt.Errorf("cloning %s: %w", redact(repoURL), err)
	}
	r.logger.Info("cloned repository", "dir", r.dir)

	return r.configure(ctx)
}

func (r *Repo) configure(ctx context.Context) error {
	pairs := [][2]string{
		{"user.name", r.userName},
		{"user.email", r.userEmail},
		{"push.default", "current"},
	}
	for _, p := range pairs {
		if p[1] == "" {
			continue
		}
		if _, err := r.runner.Run(ctx, "git", "config", p[0], p[1]); err != nil {
			return fmt.Errorf("configuring %s: %w", p[0], err)
		}
	}
	return nil
}

// ensureAskpass writes the askpass helper next to the workspace and points
// every subsequent git invocation at it, so fetches and pushes are always
// non-interactive.
func (r *Repo) ensureAskpass() error {
	if r.credential == "" {
		r.runner.Env = append(r.runner.Env, "GIT_TERMINAL_PROMPT=0")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.dir), 0755); err != nil {
		return fmt.Errorf("creating workspace parent: %w", err)
	}
	script := filepath.Join(filepath.Dir(r.dir), ".git-askpass")
	body := "#!/bin/sh\ncase \"$1\" in\nUsername*) echo x-access-token ;;\n*) echo \"$EDIT_WORKER_GIT_TOKEN\" ;;\nesac\n"
	if err := os.WriteFile(script, []byte(body), 0700); err != nil {
		return fmt.Errorf("writing askpass helper: %w", err)
	}
	r.runner.Env = append(r.runner.Env,
		"GIT_ASKPASS="+script,
		"EDIT_WORKER_GIT_TOKEN="+r.credential,
		"GIT_TERMINAL_PROMPT=0",
	)
	return nil
}

// SwitchResult reports what SafeSwitch did with uncommitted changes.
type SwitchResult struct {
	// Stashed is true when the tree was dirty and an auto-stash was created.
	Stashed bool
	// StashKept is true when the stash pop conflicted and the entry was
	// left in the stash list for a later instruction to resolve.
	StashKept bool
	// Created is true when the branch did not exist and was created.
	Created bool
}

// SafeSwitch checks out target, preserving any uncommitted changes: they end
// up either applied on the target branch or parked in a named stash entry.
// They are never dropped.
func (r *Repo) SafeSwitch(ctx context.Context, target string) (SwitchResult, error) {
	var res SwitchResult

	dirty, err := r.HasUncommitted(ctx)
	if err != nil {
		return res, err
	}
	if dirty {
		label := "auto-stash before switching to " + target
		if _, err := r.runner.Run(ctx, "git", "stash", "push", "--include-untracked", "-m", label); err != nil {
			return res, fmt.Errorf("stashing before switch: %w", err)
		}
		res.Stashed = true
	}

	created, err := r.checkout(ctx, target)
	if err != nil {
		// The stash entry, if any, stays in the list.
		return res, err
	}
	res.Created = created

	if res.Stashed {
		if _, err := r.runner.Run(ctx, "git", "stash", "pop"); err != nil {
			// A conflicted pop keeps the stash entry. Clear the unmerged
			// index entries so the next operation can proceed; the parked
			// changes remain recoverable from the stash.
			res.StashKept = true
			r.logger.Warn("stash pop conflicted; entry kept", "branch", target, "error", err)
			_, _ = r.runner.Run(ctx, "git", "reset")
			_, _ = r.runner.Run(ctx, "git", "checkout", "--", ".")
		}
	}
	return res, nil
}

// checkout switches to branch, creating it if it exists neither locally nor
// on the remote. Returns whether the branch was created.
func (r *Repo) checkout(ctx context.Context, branch string) (bool, error) {
	if r.branchExists(ctx, branch) {
		_, err := r.runner.Run(ctx, "git", "checkout", branch)
		if err != nil {
			return false, fmt.Errorf("checking out %s: %w", branch, err)
		}
		return false, nil
	}

	// Best effort: the branch may exist upstream from a previous owner.
	_, _ = r.runner.Run(ctx, "git", "fetch", "origin", branch)
	if _, err := r.runner.Run(ctx, "git", "rev-parse", "--verify", "refs/remotes/origin/"+branch); err == nil {
		if _, err := r.runner.Run(ctx, "git", "checkout", "-b", branch, "origin/"+branch); err != nil {
			return false, fmt.Errorf("checking out remote %s: %w", branch, err)
		}
		return false, nil
	}

	if _, err := r.runner.Run(ctx, "git", "checkout", "-b", branch); err != nil {
		return false, fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return true, nil
}

func (r *Repo) branchExists(ctx context.Context, branch string) bool {
	_, err := r.runner.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// ResolveResult reports what ResolveConflictsOurs did.
type ResolveResult struct {
	Resolved []string
}

// ResolveConflictsOurs adopts the local version of every unmerged path and
// commits the resolution. The workspace is treated as authoritative over
// remote divergence: thread branches are only written by this worker.
func (r *Repo) ResolveConflictsOurs(ctx context.Context) (ResolveResult, error) {
	var res ResolveResult

	paths, err := r.unmergedPaths(ctx)
	if err != nil {
		return res, err
	}
	if len(paths) == 0 {
		return res, nil
	}

	for _, p := range paths {
		if _, err := r.runner.Run(ctx, "git", "checkout", "--ours", "--", p); err != nil {
			// No local version (deleted by us): drop the path entirely.
			if _, rmErr := r.runner.Run(ctx, "git", "rm", "-f", "--", p); rmErr != nil {
				return res, fmt.Errorf("resolving %s: %w", p, err)
			}
			res.Resolved = append(res.Resolved, p)
			continue
		}
		if _, err := r.runner.Run(ctx, "git", "add", "--", p); err != nil {
			return res, fmt.Errorf("staging resolution of %s: %w", p, err)
		}
		res.Resolved = append(res.Resolved, p)
	}

	if _, err := r.runner.Run(ctx, "git", "commit", "-m", "Auto-resolve merge conflicts (kept local changes)"); err != nil {
		return res, fmt.Errorf("committing conflict resolution: %w", err)
	}
	r.logger.Info("auto-resolved conflicts", "paths", len(res.Resolved))
	return res, nil
}

// CommitResult reports the outcome of CommitIfDirty.
type CommitResult struct {
	Committed bool
	SHA       string
}

// CommitIfDirty stages all tracked and untracked changes and creates one
// commit. The subject is truncated to 72 characters; a non-empty body is
// wrapped at 72 columns. Returns Committed=false on a clean tree.
func (r *Repo) CommitIfDirty(ctx context.Context, subject, body string) (CommitResult, error) {
	dirty, err := r.HasUncommitted(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	if !dirty {
		return CommitResult{}, nil
	}

	if _, err := r.runner.Run(ctx, "git", "add", "-A"); err != nil {
		return CommitResult{}, fmt.Errorf("staging changes: %w", err)
	}

	args := []string{"commit", "-m", TruncateSubject(subject)}
	if body != "" {
		args = append(args, "-m", WrapBody(body))
	}
	if _, err := r.runner.Run(ctx, "git", args...); err != nil {
		return CommitResult{}, fmt.Errorf("committing: %w", err)
	}

	sha, err := r.Head(ctx)
	if err != nil {
		return CommitResult{Committed: true}, err
	}
	return CommitResult{Committed: true, SHA: sha}, nil
}

// SafePush pushes branch to origin. On a non-fast-forward rejection it tries
// pull --rebase, then falls back to a merge with ours-wins resolution before
// pushing again. Transient failures are retried with backoff; ErrAuth is
// returned unretried.
func (r *Repo) SafePush(ctx context.Context, branch string) error {
	push := func() error {
		_, err := r.runner.Run(ctx, "git", "push", "-u", "origin", branch)
		return r.classifyPushErr(err)
	}

	err := retry.Do(ctx, func() error {
		err := push()
		if errors.Is(err, ErrAuth) || errors.Is(err, errNonFastForward) {
			return retry.Permanent(err)
		}
		return err
	}, retry.WithMaxAttempts(r.pushRetries))

	if err == nil {
		return nil
	}
	if !errors.Is(err, errNonFastForward) {
		return err
	}

	r.logger.Info("push rejected, attempting rebase", "branch", branch)
	if _, rbErr := r.runner.Run(ctx, "git", "pull", "--rebase", "origin", branch); rbErr == nil {
		return push()
	}

	// Rebase conflicted. Back out and fall through to a merge that the
	// ours-wins policy can finish.
	if r.rebaseInProgress() {
		_, _ = r.runner.Run(ctx, "git", "rebase", "--abort")
	}
	r.logger.Info("rebase conflicted, falling back to merge", "branch", branch)

	// The merge is expected to stop on conflicts; ResolveConflictsOurs
	// finishes it.
	_, _ = r.runner.Run(ctx, "git", "pull", "--no-rebase", "origin", branch)
	if _, resErr := r.ResolveConflictsOurs(ctx); resErr != nil {
		return fmt.Errorf("push recovery: %w", resErr)
	}
	return push()
}

func (r *Repo) classifyPushErr(err error) error {
	if err == nil {
		return nil
	}
	if isAuthError(err) {
		return fmt.Errorf("pushing: %w", ErrAuth)
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && isNonFastForward(exitErr.Stderr) {
		return errNonFastForward
	}
	return fmt.Errorf("pushing: %w", err)
}

// Recover is a best-effort cleanup called before each instruction and before
// salvaging preempted work. It aborts any in-progress merge, rebase, or
// cherry-pick; if unmerged paths remain after that, it hard-resets to HEAD.
func (r *Repo) Recover(ctx context.Context) error {
	_, _ = r.runner.Run(ctx, "git", "merge", "--abort")
	_, _ = r.runner.Run(ctx, "git", "rebase", "--abort")
	_, _ = r.runner.Run(ctx, "git", "cherry-pick", "--abort")

	paths, err := r.unmergedPaths(ctx)
	if err != nil {
		return err
	}
	if len(paths) > 0 {
		r.logger.Warn("unmerged paths after abort; hard-resetting", "paths", len(paths))
		if _, err := r.runner.Run(ctx, "git", "reset", "--hard", "HEAD"); err != nil {
			return fmt.Errorf("hard reset: %w", err)
		}
	}
	return nil
}

// HasUncommitted reports whether the working tree has uncommitted changes,
// including untracked files.
func (r *Repo) HasUncommitted(ctx context.Context) (bool, error) {
	out, err := r.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// DirtyPaths returns the paths with uncommitted changes.
func (r *Repo) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := r.runner.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("checking status: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new".
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		paths = append(paths, strings.Trim(p, `"`))
	}
	return paths, nil
}

// Head returns the SHA of the current HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.runner.Run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the name of the checked-out branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.runner.Run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// StashCount returns the number of entries in the stash list.
func (r *Repo) StashCount(ctx context.Context) (int, error) {
	out, err := r.runner.Run(ctx, "git", "stash", "list")
	if err != nil {
		return 0, fmt.Errorf("listing stash: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return 0, nil
	}
	return len(strings.Split(trimmed, "\n")), nil
}

func (r *Repo) unmergedPaths(ctx context.Context) ([]string, error) {
	out, err := r.runner.Run(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing unmerged paths: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

func (r *Repo) rebaseInProgress() bool {
	gitDir := filepath.Join(r.dir, ".git")
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			return true
		}
	}
	return false
}

func isAuthError(err error) bool {
	var exitErr *shell.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	s := strings.ToLower(exitErr.Stderr)
	return strings.Contains(s, "authentication failed") ||
		strings.Contains(s, "could not read username") ||
		strings.Contains(s, "invalid username or password") ||
		strings.Contains(s, "403")
}

func isNonFastForward(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "non-fast-forward") ||
		strings.Contains(s, "fetch first") ||
		strings.Contains(s, "[rejected]") ||
		strings.Contains(s, "failed to push some refs")
}

// redact strips userinfo from a URL before logging it.
func redact(url string) string {
	if at := strings.Index(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < at {
			return url[:scheme+3] + url[at+1:]
		}
	}
	return url
}
