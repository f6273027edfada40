package supervisor

import (
	"time"

	"github.com/research41/stata-mcp/internal/endpoint"
	"github.com/research41/stata-mcp/internal/process"
)

// State is the lifecycle state of the worker.
//
//	Stopped -> Starting -> ProbingHealth -> Ready -> Restarting -> Starting
//	Starting, ProbingHealth -> Failed (left only by an explicit Start)
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateProbingHealth
	StateReady
	StateRestarting
	StateFailed
)

var allStates = []State{StateStopped, StateStarting, StateProbingHealth, StateReady, StateRestarting, StateFailed}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateProbingHealth:
		return "probing_health"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transitional reports whether a lifecycle attempt is in flight.
func (s State) Transitional() bool {
	return s == StateStarting || s == StateProbingHealth || s == StateRestarting
}

// Status is an observable snapshot of the supervisor.
type Status struct {
	State       State             `json:"state"`
	Endpoint    endpoint.Endpoint `json:"endpoint"`
	Since       time.Time         `json:"since"`
	Adopted     bool              `json:"adopted,omitempty"`
	Process     *process.Status   `json:"process,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	LastHealthy time.Time         `json:"last_healthy,omitempty"`
	Spawns      int               `json:"spawns"`
	Restarts    int               `json:"restarts"`
}
