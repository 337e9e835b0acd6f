//go:build linux

package transport

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own process group and asks the
// kernel to SIGTERM it if this process dies first.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
