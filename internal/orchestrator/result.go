package orchestrator

import (
	"time"

	"github.com/quorum-eval/assessor/internal/gateway"
	"github.com/quorum-eval/assessor/internal/scoring"
	"github.com/quorum-eval/assessor/internal/security"
)

// State is the lifecycle position of one stage.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateSecurityShortCircuited
	StateDegradedError
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateSecurityShortCircuited:
		return "security_short_circuited"
	case StateDegradedError:
		return "degraded_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stage has finished.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Failure describes why a stage degraded.
type Failure struct {
	Kind   gateway.Kind `json:"kind"`
	Detail string       `json:"detail"`
}

// StageResult is the outcome of one stage. Text is what was stored in the
// assessment context under Key: the cleaned payload on success, the
// synthesized security object on a short circuit, the diagnostic text on a
// degraded stage.
type StageResult struct {
	PhaseID  string
	Key      string
	State    State
	Model    string
	Attempts int
	Text     string
	Payload  map[string]any

	Aggregate *scoring.Aggregate
	Security  *security.Report
	Failure   *Failure

	Truncated bool
	Duration  time.Duration
}

// Halted reports whether the batch must stop after this stage.
func (r StageResult) Halted() bool {
	return r.State == StateSecurityShortCircuited
}
