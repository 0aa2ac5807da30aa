//go:build !windows

package workers

import (
	"os"
	"os/exec"
	"syscall"
)

// processAlive probes a pid with signal 0, the Unix equivalent of checking
// /proc/<pid>. EPERM still means the process exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// detach configures cmd to run in its own session so it survives the
// producer's exit.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
