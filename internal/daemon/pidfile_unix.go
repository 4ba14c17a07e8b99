//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// Signal sends sig to the process named in the PID file.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(pid, sig)
}
