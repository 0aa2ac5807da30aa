//go:build windows

package workers

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// processAlive scans tasklist output for the pid. Best effort: if tasklist
// cannot run, the process is treated as dead and the lock as stale.
func processAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), fmt.Sprintf(" %d ", pid))
}

const createNewProcessGroup = 0x00000200
const detachedProcess = 0x00000008

// detach configures cmd to run outside the producer's console.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess,
	}
}
