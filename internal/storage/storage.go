// Package storage defines the persistence ports of the assessor: the
// dataset sink that collects raw stage outputs and the run store that parks
// assessment runs between sessions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/quorum-eval/assessor/internal/assessment"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Record is one raw stage output collected for the dataset.
type Record struct {
	RunID     string    `json:"run_id"`
	PhaseID   string    `json:"phase_id"`
	Model     string    `json:"model,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DatasetSink stores raw stage outputs. Callers treat failures as
// non-fatal.
type DatasetSink interface {
	Record(ctx context.Context, rec Record) error
}

// StageRecord is the persisted outcome of one stage.
type StageRecord struct {
	PhaseID string `json:"phase_id"`
	Key     string `json:"key"`
	State   string `json:"state"`
	Kind    string `json:"kind,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Run is a persisted assessment run.
type Run struct {
	ID        string              `json:"id"`
	Status    string              `json:"status"`
	Snapshot  assessment.Snapshot `json:"snapshot"`
	Stages    []StageRecord       `json:"stages"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// RunStore persists runs.
type RunStore interface {
	// SaveRun inserts or replaces run. CreatedAt is kept from the first
	// save.
	SaveRun(ctx context.Context, run *Run) error
	LoadRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns the runs newest first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// Store is a backend providing both ports.
type Store interface {
	DatasetSink
	RunStore
	Records(ctx context.Context, runID string) ([]Record, error)
	Close() error
}
