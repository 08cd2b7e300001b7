// Package site runs the static-site build subprocess and mirrors its output
// to the per-project bucket.
package site

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/webordinary/edit-worker/internal/shell"
)

// BuildCommand returns a startable command that runs the configured build
// tool in dir. The build tool is opaque: the contract is its exit code plus
// the output directory it produces.
func BuildCommand(dir, command string) *shell.Cmd {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = []string{"npm", "run", "build"}
	}
	return &shell.Cmd{
		Name: fields[0],
		Args: fields[1:],
		Dir:  dir,
		Env:  []string{"CI=true"},
	}
}

// OutputDirExists reports whether the build output directory is present
// under the workspace. Used to decide whether a partial publish is possible.
func OutputDirExists(workspaceDir, outputDir string) bool {
	info, err := os.Stat(filepath.Join(workspaceDir, outputDir))
	return err == nil && info.IsDir()
}
