package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// ExitError wraps a non-zero exit from a subprocess.
type ExitError struct {
	Code     int
	Signaled bool
	Stderr   string
	Cmd      string
}

func (e *ExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("%s terminated by signal: %s", e.Cmd, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Cmd, e.Code, e.Stderr)
}

// Runner executes shell commands with a shared working directory and environment.
type Runner struct {
	Dir string
	Env []string
}

// Run executes a command and returns its stdout. Stderr is captured and
// included in the error on non-zero exit.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), wrapRunError(err, name, args, stderr.String())
	}
	return stdout.String(), nil
}

// RunWithStdin executes a command, piping the given string to stdin, and
// returns stdout.
func (r *Runner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ()
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), wrapRunError(err, name, args, stderr.String())
	}
	return stdout.String(), nil
}

func (r *Runner) environ() []string {
	if len(r.Env) == 0 {
		return nil // inherit parent
	}
	return append(os.Environ(), r.Env...)
}

func wrapRunError(err error, name string, args []string, stderr string) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &ExitError{
			Code:     exitErr.ExitCode(),
			Signaled: wasSignaled(exitErr),
			Stderr:   strings.TrimSpace(stderr),
			Cmd:      name + " " + strings.Join(args, " "),
		}
	}
	return fmt.Errorf("running %s: %w", name, err)
}

func wasSignaled(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

// Cmd describes a subprocess that the caller wants to start and control
// directly rather than run to completion. Used for long-running children
// that may need to be interrupted mid-flight.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

// Start launches the command in its own process group so that an interrupt
// can be delivered to the whole child tree without touching this process.
func (c *Cmd) Start(ctx context.Context) (*Proc, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Proc{cmd: cmd, label: c.Name + " " + strings.Join(c.Args, " ")}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}
	return p, nil
}

// Proc is a running subprocess started by Cmd.Start.
type Proc struct {
	cmd    *exec.Cmd
	label  string
	stdout bytes.Buffer
	stderr bytes.Buffer

	mu   sync.Mutex
	done bool
}

// Wait blocks until the process exits and returns its stdout. A non-zero
// exit or signal termination is reported as *ExitError.
func (p *Proc) Wait() (string, error) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.done = true
	p.mu.Unlock()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return p.stdout.String(), &ExitError{
				Code:     exitErr.ExitCode(),
				Signaled: wasSignaled(exitErr),
				Stderr:   strings.TrimSpace(p.stderr.String()),
				Cmd:      p.label,
			}
		}
		return p.stdout.String(), fmt.Errorf("waiting for %s: %w", p.label, err)
	}
	return p.stdout.String(), nil
}

// Interrupt sends SIGINT to the child's process group. Safe to call more
// than once and after exit.
func (p *Proc) Interrupt() {
	p.signal(syscall.SIGINT)
}

// Kill sends SIGKILL to the child's process group.
func (p *Proc) Kill() {
	p.signal(syscall.SIGKILL)
}

func (p *Proc) signal(sig syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.cmd.Process == nil {
		return
	}
	// Negative pid targets the process group created by Setpgid.
	_ = syscall.Kill(-p.cmd.Process.Pid, sig)
}
