//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the child in its own process group so a
// timeout kills the whole tree, not only the direct child.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
