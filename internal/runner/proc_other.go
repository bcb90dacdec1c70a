//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

// configureProcess keeps the exec default, which kills the process when
// the context is done. Signals other than Kill are unsupported here.
func configureProcess(*exec.Cmd) {}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}
