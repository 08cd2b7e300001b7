// Package claude builds invocations of the external code-editing subprocess.
// The worker treats it as opaque: instruction in, mutated files and an exit
// code out.
package claude

import (
	"strings"

	"github.com/webordinary/edit-worker/internal/shell"
)

// Invoker constructs edit-subprocess commands for a configured CLI binary.
type Invoker struct {
	binary string
}

// New returns an Invoker for the given binary ("claude" by default).
func New(binary string) *Invoker {
	if binary == "" {
		binary = "claude"
	}
	return &Invoker{binary: binary}
}

// Command returns a startable command that runs the edit subprocess in dir
// with the instruction piped to stdin. The caller owns the process handle so
// it can deliver an abort signal mid-run.
func (i *Invoker) Command(dir, instruction string) *shell.Cmd {
	fields := strings.Fields(i.binary)
	name := fields[0]
	args := append(fields[1:],
		"--print",
		"--dangerously-skip-permissions",
		"--output-format", "text",
	)
	return &shell.Cmd{
		Name:  name,
		Args:  args,
		Dir:   dir,
		Stdin: instruction,
	}
}
