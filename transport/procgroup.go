package transport

import (
	"os"
	"syscall"
)

// signalGroup delivers sig to every process in p's group, so helpers the
// agent spawned go down with it.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}
