//go:build !unix

package controller

import (
	"os"
	"os/exec"
)

// processAlive cannot send signal 0 here; a findable pid counts.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func startDetached(exe string, args []string, out *os.File) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	return pid, cmd.Process.Release()
}
