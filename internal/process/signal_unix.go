//go:build !windows

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// KillGroup sends SIGKILL to the process group led by pid. ErrNoProcess means
// the target had already exited.
func KillGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill %d: %w", pid, ErrNoProcess)
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		// not a group leader any more; try the pid itself
		err = syscall.Kill(pid, syscall.SIGKILL)
	}
	if errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, ErrNoProcess)
	}
	if err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
