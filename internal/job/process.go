package job

import (
	"path/filepath"
	"time"
)

// Process is the manager's record of one script execution. It is distinct from the
// OS process it may spawn. PID stays nil while the process is queued and is never
// reset once assigned.
type Process struct {
	PID        *int       `json:"pid"`
	Script     string     `json:"script"`
	Name       string     `json:"name"`
	LogDir     string     `json:"log_dir,omitempty"`
	Status     Status     `json:"status"`
	Devices    []int      `json:"devices,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewProcess returns a queued process for the given script path.
func NewProcess(script string) *Process {
	return &Process{
		Script: script,
		Name:   filepath.Base(script),
		Status: StatusQueued,
	}
}

// Transition moves the process to status to. Transitions out of terminal states,
// and edges the state machine does not contain, return ErrInvalidTransition and
// leave the process unchanged.
func (p *Process) Transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return transitionError(p.Status, to)
	}
	p.Status = to
	return nil
}

// MarkRunning records a successful spawn.
func (p *Process) MarkRunning(pid int, devices []int, at time.Time) error {
	if err := p.Transition(StatusRunning); err != nil {
		return err
	}
	p.PID = &pid
	p.Devices = append([]int(nil), devices...)
	p.StartedAt = &at
	return nil
}

// MarkExited records the observed exit of a running process. The pid is re-affirmed
// so a record restored without one still carries it.
func (p *Process) MarkExited(pid int, code int, at time.Time) error {
	to := StatusCompleted
	if code != 0 {
		to = StatusFailed
	}
	if err := p.Transition(to); err != nil {
		return err
	}
	if pid > 0 {
		p.PID = &pid
	}
	p.ExitCode = &code
	p.FinishedAt = &at
	return nil
}

// MarkLaunchFailed records a spawn that never produced an OS process.
func (p *Process) MarkLaunchFailed(at time.Time) error {
	if p.Status != StatusQueued {
		return transitionError(p.Status, StatusFailed)
	}
	p.Status = StatusFailed
	p.FinishedAt = &at
	return nil
}

// Kill marks the process killed. The caller is responsible for signalling any OS process.
func (p *Process) Kill(at time.Time) error {
	if err := p.Transition(StatusKilled); err != nil {
		return err
	}
	p.FinishedAt = &at
	return nil
}

// PIDValue returns the pid or 0 when unset.
func (p *Process) PIDValue() int {
	if p.PID == nil {
		return 0
	}
	return *p.PID
}

func (p *Process) clone() *Process {
	c := *p
	if p.PID != nil {
		v := *p.PID
		c.PID = &v
	}
	if p.ExitCode != nil {
		v := *p.ExitCode
		c.ExitCode = &v
	}
	if p.StartedAt != nil {
		v := *p.StartedAt
		c.StartedAt = &v
	}
	if p.FinishedAt != nil {
		v := *p.FinishedAt
		c.FinishedAt = &v
	}
	c.Devices = append([]int(nil), p.Devices...)
	return &c
}
