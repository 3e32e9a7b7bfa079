//go:build windows

package process

import (
	"fmt"
	"os"
)

// KillGroup terminates pid. Windows has no process groups to signal here.
func KillGroup(pid int) error {
	if pid <= 0 || !Alive(pid) {
		return fmt.Errorf("kill %d: %w", pid, ErrNoProcess)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("kill %d: %w", pid, ErrNoProcess)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
