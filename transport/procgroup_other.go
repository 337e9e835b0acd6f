//go:build !linux

package transport

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own process group. Pdeathsig is
// Linux only.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
