package process

import "time"

// Status is a point-in-time view of a worker handle.
type Status struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"` // nil while running or when killed by a signal
	ExitErr   string    `json:"exit_error,omitempty"`
	Strategy  string    `json:"strategy"`
}
