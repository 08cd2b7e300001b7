package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	out, err := r.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("out = %q", out)
	}
}

func TestRunWrapsNonZeroExit(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	_, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %T, want *ExitError", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if exitErr.Stderr != "oops" {
		t.Errorf("Stderr = %q", exitErr.Stderr)
	}
	if exitErr.Signaled {
		t.Error("Signaled = true for a plain exit")
	}
}

func TestRunWithStdin(t *testing.T) {
	r := &Runner{Dir: t.TempDir()}
	out, err := r.RunWithStdin(context.Background(), "piped input", "cat")
	if err != nil {
		t.Fatalf("RunWithStdin: %v", err)
	}
	if out != "piped input" {
		t.Errorf("out = %q", out)
	}
}

func TestCmdStartAndWait(t *testing.T) {
	cmd := &Cmd{Name: "sh", Args: []string{"-c", "cat"}, Dir: t.TempDir(), Stdin: "streamed"}
	proc, err := cmd.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out != "streamed" {
		t.Errorf("out = %q", out)
	}
}

func TestProcInterrupt(t *testing.T) {
	cmd := &Cmd{Name: "sleep", Args: []string{"30"}, Dir: t.TempDir()}
	proc, err := cmd.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		proc.Interrupt()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := proc.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("error = %v, want *ExitError", err)
		}
		if !exitErr.Signaled {
			t.Error("Signaled = false after SIGINT")
		}
	case <-time.After(10 * time.Second):
		proc.Kill()
		t.Fatal("process did not stop after interrupt")
	}

	// Signalling an exited process must be a no-op.
	proc.Interrupt()
	proc.Kill()
}
