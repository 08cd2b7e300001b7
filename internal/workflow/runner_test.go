package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/gitops"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/shell"
	"github.com/webordinary/edit-worker/internal/site"
)

// fakeGit satisfies GitEngine without touching a real repository.
type fakeGit struct {
	mu    sync.Mutex
	dir   string
	dirty []string

	pushErr error

	calls   []string
	commits []string
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGit) called(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (g *fakeGit) EnsureRepo(ctx context.Context, repoURL string) error {
	g.record("ensure")
	return nil
}

func (g *fakeGit) SafeSwitch(ctx context.Context, target string) (gitops.SwitchResult, error) {
	g.record("switch " + target)
	return gitops.SwitchResult{}, nil
}

func (g *fakeGit) CommitIfDirty(ctx context.Context, subject, body string) (gitops.CommitResult, error) {
	g.record("commit")
	g.mu.Lock()
	g.commits = append(g.commits, subject)
	dirty := len(g.dirty) > 0
	g.mu.Unlock()
	if !dirty {
		return gitops.CommitResult{}, nil
	}
	return gitops.CommitResult{Committed: true, SHA: "abc123"}, nil
}

func (g *fakeGit) SafePush(ctx context.Context, branch string) error {
	g.record("push " + branch)
	return g.pushErr
}

func (g *fakeGit) Recover(ctx context.Context) error {
	g.record("recover")
	return nil
}

func (g *fakeGit) DirtyPaths(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty, nil
}

func (g *fakeGit) Dir() string { return g.dir }

// scriptEditor runs a shell snippet as the edit subprocess.
type scriptEditor struct {
	script string
}

func (e scriptEditor) Command(dir, instruction string) *shell.Cmd {
	return &shell.Cmd{Name: "sh", Args: []string{"-c", e.script}, Dir: dir}
}

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	buckets []string
}

func (p *fakePublisher) Mirror(ctx context.Context, dir, bucket string) (site.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = append(p.buckets, bucket)
	return site.Summary{Uploaded: 1}, p.err
}

func testMessage() queue.WorkMessage {
	return queue.WorkMessage{
		TaskToken:   "token-1",
		MessageID:   "0123456789abcdef",
		ThreadID:    "t1",
		ProjectID:   "acme",
		UserID:      "user-1",
		RepoURL:     "https://example.com/acme/site.git",
		Instruction: "update the footer",
	}
}

func newTestRunner(t *testing.T, git *fakeGit, editor Editor, pub Publisher, buildCmd string) *Runner {
	t.Helper()
	if git.dir == "" {
		git.dir = t.TempDir()
	}
	return New(Config{
		GitFor:         func(project, user, repoURL string) GitEngine { return git },
		Editor:         editor,
		BuildCommand:   buildCmd,
		BuildOutputDir: "dist",
		Publisher:      pub,
		BucketFor:      func(project string) string { return project + "-edit-site" },
		PushEnabled:    true,
		AbortGrace:     2 * time.Second,
	})
}

func makeOutputDir(t *testing.T, git *fakeGit) {
	t.Helper()
	dist := filepath.Join(git.dir, "dist")
	if err := os.MkdirAll(dist, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html/>"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunCompletesFullPipeline(t *testing.T) {
	git := &fakeGit{dirty: []string{"index.astro"}}
	pub := &fakePublisher{}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, pub, "true")
	makeOutputDir(t, git)

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, diagnostics = %v", res.Outcome, res.Diagnostics)
	}
	if res.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q", res.CommitSHA)
	}
	if !res.Published {
		t.Error("Published = false")
	}
	if !res.Pushed {
		t.Error("Pushed = false")
	}
	if !git.called("switch thread-t1") {
		t.Errorf("branch not switched, calls: %v", git.calls)
	}
	if len(pub.buckets) != 1 || pub.buckets[0] != "acme-edit-site" {
		t.Errorf("published buckets = %v", pub.buckets)
	}
}

func TestRunEditFailure(t *testing.T) {
	git := &fakeGit{}
	r := newTestRunner(t, git, scriptEditor{script: "exit 3"}, &fakePublisher{}, "true")

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Reason != callback.ReasonClaudeFailed {
		t.Errorf("reason = %s, want %s", res.Reason, callback.ReasonClaudeFailed)
	}
	if git.called("commit") {
		t.Error("commit attempted after failed edit")
	}
}

func TestRunBuildFailureIsNonFatal(t *testing.T) {
	git := &fakeGit{dirty: []string{"page.astro"}}
	pub := &fakePublisher{}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, pub, "false")
	makeOutputDir(t, git)

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed despite build failure", res.Outcome)
	}
	if !res.Published {
		t.Error("Published = false, want previous output mirrored")
	}
	if !res.Pushed {
		t.Error("Pushed = false, want commit pushed despite build failure")
	}
	found := false
	for _, d := range res.Diagnostics {
		if strings.Contains(d, "build") {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics missing build failure: %v", res.Diagnostics)
	}
}

func TestRunNoChangesSkipsCommitAndPush(t *testing.T) {
	git := &fakeGit{}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, &fakePublisher{}, "true")

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, diagnostics = %v", res.Outcome, res.Diagnostics)
	}
	if res.CommitSHA != "" {
		t.Errorf("CommitSHA = %q, want empty", res.CommitSHA)
	}
	if git.called("commit") {
		t.Error("commit called on a clean tree")
	}
	if git.called("push thread-t1") {
		t.Error("push called with nothing committed")
	}
}

func TestRunPushAuthFailureIsFatal(t *testing.T) {
	git := &fakeGit{
		dirty:   []string{"page.astro"},
		pushErr: fmt.Errorf("pushing: %w", gitops.ErrAuth),
	}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, &fakePublisher{}, "true")

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if !res.Fatal {
		t.Error("Fatal = false, want claim surrendered on auth rejection")
	}
}

func TestRunPushDisabled(t *testing.T) {
	git := &fakeGit{dirty: []string{"page.astro"}}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, &fakePublisher{}, "true")
	r.cfg.PushEnabled = false

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Pushed {
		t.Error("Pushed = true with pushing disabled")
	}
	found := false
	for _, d := range res.Diagnostics {
		if strings.Contains(d, "push disabled") {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics missing push-disabled note: %v", res.Diagnostics)
	}
}

func TestAbortDuringEditSalvages(t *testing.T) {
	git := &fakeGit{dirty: []string{"partial.astro"}}
	pub := &fakePublisher{}
	r := newTestRunner(t, git, scriptEditor{script: "sleep 30"}, pub, "true")
	makeOutputDir(t, git)

	done := make(chan Result, 1)
	go func() {
		done <- r.Run(context.Background(), testMessage())
	}()

	time.Sleep(200 * time.Millisecond)
	r.Abort()
	// A second Abort must be a harmless no-op.
	r.Abort()

	var res Result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after abort")
	}

	if res.Outcome != OutcomePreempted {
		t.Fatalf("outcome = %s, want preempted", res.Outcome)
	}
	if res.CommitSHA == "" {
		t.Error("partial work not parked in a commit")
	}
	if !res.Published {
		t.Error("partial output not published")
	}
	wip := false
	for _, subject := range git.commits {
		if strings.HasPrefix(subject, "WIP:") {
			wip = true
		}
	}
	if !wip {
		t.Errorf("no WIP commit recorded, commits: %v", git.commits)
	}
}

func TestRunPublishFailureKeepsGoing(t *testing.T) {
	git := &fakeGit{dirty: []string{"page.astro"}}
	pub := &fakePublisher{err: errors.New("bucket unavailable")}
	r := newTestRunner(t, git, scriptEditor{script: "exit 0"}, pub, "true")
	makeOutputDir(t, git)

	res := r.Run(context.Background(), testMessage())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, diagnostics = %v", res.Outcome, res.Diagnostics)
	}
	if res.Published {
		t.Error("Published = true after mirror error")
	}
	if !res.Pushed {
		t.Error("Pushed = false, want push to proceed after publish failure")
	}
}
