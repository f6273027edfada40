package client

import (
	"fmt"
	"time"
)

// DispatchRequest is a unit of work for the Stata worker.
type DispatchRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    time.Duration  `json:"-"`
}

// DispatchResult is the worker's answer.
type DispatchResult struct {
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

// ProcessStatus is the worker process, when one is owned by the service.
type ProcessStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid,omitempty"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
}

// Endpoint is the worker's host and port.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ServiceStatus mirrors the service's status snapshot.
type ServiceStatus struct {
	State       string         `json:"state"`
	Endpoint    Endpoint       `json:"endpoint"`
	Since       time.Time      `json:"since"`
	Adopted     bool           `json:"adopted,omitempty"`
	Process     *ProcessStatus `json:"process,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	LastHealthy time.Time      `json:"last_healthy,omitempty"`
	Spawns      int            `json:"spawns"`
	Restarts    int            `json:"restarts"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// APIError is a non-200 answer from the control API.
type APIError struct {
	StatusCode int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d [%s]: %s", e.StatusCode, e.Code, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

type okResponse struct {
	OK     bool          `json:"ok"`
	Status ServiceStatus `json:"status"`
}

type dispatchBody struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
}
