package gitops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/webordinary/edit-worker/internal/shell"
)

// initRepo creates a bare-minimum git repo in dir with one initial commit.
func initRepo(t *testing.T, dir string) *shell.Runner {
	t.Helper()
	r := &shell.Runner{Dir: dir}
	ctx := context.Background()

	cmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, c := range cmds {
		if _, err := r.Run(ctx, c[0], c[1:]...); err != nil {
			t.Fatalf("init repo %v: %v", c, err)
		}
	}

	writeFile(t, dir, "README.md", "# test\n")
	commitAll(t, r, "initial")
	return r
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func commitAll(t *testing.T, r *shell.Runner, msg string) {
	t.Helper()
	ctx := context.Background()
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", msg); err != nil {
		t.Fatal(err)
	}
}

func defaultBranch(t *testing.T, r *shell.Runner) string {
	t.Helper()
	out, err := r.Run(context.Background(), "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(out)
}

func openRepo(t *testing.T, dir string) *Repo {
	t.Helper()
	return Open(dir, Options{UserName: "Test", UserEmail: "test@test.com"})
}

func TestSafeSwitchCreatesBranch(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()

	res, err := repo.SafeSwitch(ctx, "thread-abc")
	if err != nil {
		t.Fatalf("SafeSwitch: %v", err)
	}
	if !res.Created {
		t.Error("Created = false, want true for a new branch")
	}
	if res.Stashed {
		t.Error("Stashed = true on a clean tree")
	}

	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "thread-abc" {
		t.Errorf("current branch = %q, want thread-abc", branch)
	}
}

func TestSafeSwitchCarriesDirtyChanges(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()

	writeFile(t, dir, "draft.txt", "uncommitted work\n")

	res, err := repo.SafeSwitch(ctx, "thread-1")
	if err != nil {
		t.Fatalf("SafeSwitch: %v", err)
	}
	if !res.Stashed {
		t.Error("Stashed = false, want true for a dirty tree")
	}
	if res.StashKept {
		t.Error("StashKept = true, want clean pop")
	}

	data, err := os.ReadFile(filepath.Join(dir, "draft.txt"))
	if err != nil {
		t.Fatalf("dirty file missing after switch: %v", err)
	}
	if string(data) != "uncommitted work\n" {
		t.Errorf("dirty file content = %q", data)
	}

	count, err := repo.StashCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("stash count = %d, want 0 after clean pop", count)
	}
}

func TestSafeSwitchConflictedPopKeepsStash(t *testing.T) {
	dir := t.TempDir()
	r := initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()
	base := defaultBranch(t, r)

	// A branch where README has different committed content.
	if _, err := r.Run(ctx, "git", "checkout", "-b", "thread-1"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "branch version\n")
	commitAll(t, r, "branch change")
	if _, err := r.Run(ctx, "git", "checkout", base); err != nil {
		t.Fatal(err)
	}

	// Dirty the same file on the base branch, then switch.
	writeFile(t, dir, "README.md", "dirty local version\n")

	res, err := repo.SafeSwitch(ctx, "thread-1")
	if err != nil {
		t.Fatalf("SafeSwitch: %v", err)
	}
	if !res.Stashed || !res.StashKept {
		t.Errorf("got Stashed=%v StashKept=%v, want both true", res.Stashed, res.StashKept)
	}

	// The conflicted changes stay recoverable in the stash list and the
	// working tree is usable again.
	count, err := repo.StashCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("stash count = %d, want 1", count)
	}
	dirty, err := repo.HasUncommitted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("tree still dirty after conflicted pop cleanup")
	}
}

func TestCommitIfDirty(t *testing.T) {
	dir := t.TempDir()
	r := initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()

	res, err := repo.CommitIfDirty(ctx, "Nothing changed", "")
	if err != nil {
		t.Fatalf("CommitIfDirty on clean tree: %v", err)
	}
	if res.Committed {
		t.Error("Committed = true on a clean tree")
	}

	writeFile(t, dir, "page.html", "<h1>hi</h1>\n")
	res, err = repo.CommitIfDirty(ctx, "Add landing page", "Body text")
	if err != nil {
		t.Fatalf("CommitIfDirty: %v", err)
	}
	if !res.Committed || res.SHA == "" {
		t.Errorf("got Committed=%v SHA=%q, want a commit with SHA", res.Committed, res.SHA)
	}

	subject, err := r.Run(ctx, "git", "log", "-1", "--format=%s")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(subject) != "Add landing page" {
		t.Errorf("subject = %q", strings.TrimSpace(subject))
	}
}

func TestResolveConflictsOursKeepsLocal(t *testing.T) {
	dir := t.TempDir()
	r := initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()
	base := defaultBranch(t, r)

	if _, err := r.Run(ctx, "git", "checkout", "-b", "other"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "their version\n")
	commitAll(t, r, "their change")

	if _, err := r.Run(ctx, "git", "checkout", base); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "our version\n")
	commitAll(t, r, "our change")

	// Expected to stop on the conflict.
	_, _ = r.Run(ctx, "git", "merge", "other")

	res, err := repo.ResolveConflictsOurs(ctx)
	if err != nil {
		t.Fatalf("ResolveConflictsOurs: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0] != "README.md" {
		t.Errorf("Resolved = %v, want [README.md]", res.Resolved)
	}

	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "our version\n" {
		t.Errorf("README content = %q, want local version", data)
	}

	dirty, err := repo.HasUncommitted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("tree dirty after resolution commit")
	}
}

func TestRecoverAbortsConflictedMerge(t *testing.T) {
	dir := t.TempDir()
	r := initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()
	base := defaultBranch(t, r)

	if _, err := r.Run(ctx, "git", "checkout", "-b", "other"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "their version\n")
	commitAll(t, r, "their change")
	if _, err := r.Run(ctx, "git", "checkout", base); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "README.md", "our version\n")
	commitAll(t, r, "our change")
	_, _ = r.Run(ctx, "git", "merge", "other")

	if err := repo.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	dirty, err := repo.HasUncommitted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Error("tree dirty after Recover")
	}
}

func TestDirtyPaths(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	repo := openRepo(t, dir)
	ctx := context.Background()

	writeFile(t, dir, "README.md", "edited\n")
	writeFile(t, dir, "new.txt", "brand new\n")

	paths, err := repo.DirtyPaths(ctx)
	if err != nil {
		t.Fatalf("DirtyPaths: %v", err)
	}
	want := map[string]bool{"README.md": true, "new.txt": true}
	if len(paths) != len(want) {
		t.Fatalf("DirtyPaths = %v, want 2 entries", paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected dirty path %q", p)
		}
	}
}

func TestEnsureRepoClonesAndIsIdempotent(t *testing.T) {
	origin := t.TempDir()
	initRepo(t, origin)

	dir := filepath.Join(t.TempDir(), "project", "clone")
	repo := openRepo(t, dir)
	ctx := context.Background()

	if err := repo.EnsureRepo(ctx, origin); err != nil {
		t.Fatalf("EnsureRepo (clone): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Fatalf("clone missing README: %v", err)
	}

	// Second call reuses the existing clone.
	if err := repo.EnsureRepo(ctx, origin); err != nil {
		t.Fatalf("EnsureRepo (reuse): %v", err)
	}
}

func TestSafePushRecoversFromDivergence(t *testing.T) {
	ctx := context.Background()

	// A bare origin with an initial commit pushed from a seed clone.
	origin := t.TempDir()
	originRunner := &shell.Runner{Dir: origin}
	if _, err := originRunner.Run(ctx, "git", "init", "--bare"); err != nil {
		t.Fatal(err)
	}

	seed := t.TempDir()
	seedRunner := initRepo(t, seed)
	if _, err := seedRunner.Run(ctx, "git", "remote", "add", "origin", origin); err != nil {
		t.Fatal(err)
	}
	branch := defaultBranch(t, seedRunner)
	if _, err := seedRunner.Run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		t.Fatal(err)
	}

	// Two independent clones of the same branch.
	ours := filepath.Join(t.TempDir(), "ours")
	theirs := filepath.Join(t.TempDir(), "theirs")
	for _, dir := range []string{ours, theirs} {
		parent := &shell.Runner{Dir: filepath.Dir(dir)}
		if _, err := parent.Run(ctx, "git", "clone", origin, dir); err != nil {
			t.Fatal(err)
		}
		r := &shell.Runner{Dir: dir}
		if _, err := r.Run(ctx, "git", "config", "user.email", "test@test.com"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Run(ctx, "git", "config", "user.name", "Test"); err != nil {
			t.Fatal(err)
		}
	}

	// They push a conflicting change first.
	theirRunner := &shell.Runner{Dir: theirs}
	writeFile(t, theirs, "README.md", "their version\n")
	commitAll(t, theirRunner, "their change")
	if _, err := theirRunner.Run(ctx, "git", "push", "origin", branch); err != nil {
		t.Fatal(err)
	}

	// We commit a conflicting change locally, then SafePush must recover.
	ourRunner := &shell.Runner{Dir: ours}
	writeFile(t, ours, "README.md", "our version\n")
	commitAll(t, ourRunner, "our change")

	repo := Open(ours, Options{UserName: "Test", UserEmail: "test@test.com", PushRetries: 1})
	if err := repo.SafePush(ctx, branch); err != nil {
		t.Fatalf("SafePush: %v", err)
	}

	// The pushed tip must carry our version of the file.
	data, err := os.ReadFile(filepath.Join(ours, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "our version\n" {
		t.Errorf("README content = %q, want local version kept", data)
	}

	// And origin must be at the same tip as our HEAD.
	localHead, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	remoteHead, err := originRunner.Run(ctx, "git", "rev-parse", branch)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(remoteHead) != localHead {
		t.Errorf("origin head = %s, local head = %s", strings.TrimSpace(remoteHead), localHead)
	}
}
