package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quorum-eval/assessor/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string][]storage.Record
	runs    map[string]*storage.Run
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string][]storage.Record),
		runs:    make(map[string]*storage.Run),
	}
}

func (s *Store) Record(ctx context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.records[rec.RunID] = append(s.records[rec.RunID], rec)
	return nil
}

func (s *Store) Records(ctx context.Context, runID string) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]storage.Record(nil), s.records[runID]...), nil
}

func (s *Store) SaveRun(ctx context.Context, run *storage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := s.runs[run.ID]; ok {
		run.CreatedAt = prev.CreatedAt
	} else if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *Store) LoadRun(ctx context.Context, id string) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	delete(s.runs, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}

func cloneRun(r *storage.Run) *storage.Run {
	c := *r
	c.Stages = append([]storage.StageRecord(nil), r.Stages...)
	c.Snapshot.Artifacts = append(c.Snapshot.Artifacts[:0:0], r.Snapshot.Artifacts...)
	c.Snapshot.Results = append(c.Snapshot.Results[:0:0], r.Snapshot.Results...)
	if r.Snapshot.Instructions != nil {
		c.Snapshot.Instructions = make(map[string]string, len(r.Snapshot.Instructions))
		for k, v := range r.Snapshot.Instructions {
			c.Snapshot.Instructions[k] = v
		}
	}
	return &c
}
