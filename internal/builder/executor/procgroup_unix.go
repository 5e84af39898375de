//go:build unix

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcessGroup starts the command in its own process group and makes
// context cancellation kill the whole group, so shells and the tools they
// spawn go down together.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
