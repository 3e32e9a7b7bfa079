package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a tracked script execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when a batch or process lookup misses.
	ErrNotFound = errors.New("not found")
)

// transitions lists the allowed targets for every non-terminal status.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusKilled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusKilled},
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
