package client

import "time"

// LoadRequest asks the daemon to queue every script matching Pattern. The
// pattern must be absolute or start with "~/" because it is expanded by the daemon.
type LoadRequest struct {
	Pattern string `json:"pattern"`
	Label   string `json:"label,omitempty"`
}

// KillRequest selects exactly one of: a process by (BatchID, Name), a process
// by PID, or a whole Batch.
type KillRequest struct {
	BatchID *int   `json:"batch_id,omitempty"`
	Name    string `json:"name,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Batch   *int   `json:"batch,omitempty"`
}

// DispatcherRequest carries the start parameters. Wait is a Go duration string.
type DispatcherRequest struct {
	Block  []int  `json:"block,omitempty"`
	Spread int    `json:"spread,omitempty"`
	Wait   string `json:"wait,omitempty"`
}

type Process struct {
	Name       string     `json:"name"`
	Script     string     `json:"script"`
	Status     string     `json:"status"`
	PID        *int       `json:"pid"`
	LogDir     string     `json:"log_dir,omitempty"`
	Devices    []int      `json:"devices,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Batch struct {
	ID        int       `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Processes []Process `json:"processes"`
}

type KillResult struct {
	BatchID int    `json:"batch_id"`
	Name    string `json:"name"`
	PID     int    `json:"pid,omitempty"`
	Outcome string `json:"outcome"`
}

type DeleteResult struct {
	Deleted []int `json:"deleted"`
	Skipped []int `json:"skipped,omitempty"`
}

type DispatcherStatus struct {
	Running  bool   `json:"running"`
	PID      int    `json:"pid,omitempty"`
	Block    []int  `json:"block,omitempty"`
	Spread   int    `json:"spread,omitempty"`
	Wait     string `json:"wait,omitempty"`
	InFlight int    `json:"in_flight"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
