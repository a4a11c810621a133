package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/gateway"
	"github.com/quorum-eval/assessor/internal/orchestrator"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/scoring"
	"github.com/quorum-eval/assessor/internal/security"
	"github.com/quorum-eval/assessor/internal/storage"
)

// Run statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusHalted    = "halted"
	StatusDegraded  = "degraded"
)

// ErrRunBusy is returned when a batch is requested on a run that is
// already executing one.
var ErrRunBusy = errors.New("run is busy")

// StageView is the API representation of a stage outcome.
type StageView struct {
	PhaseID    string                `json:"phase_id"`
	Key        string                `json:"key"`
	State      string                `json:"state"`
	Model      string                `json:"model,omitempty"`
	Attempts   int                   `json:"attempts,omitempty"`
	Truncated  bool                  `json:"truncated,omitempty"`
	DurationMS int64                 `json:"duration_ms,omitempty"`
	Failure    *orchestrator.Failure `json:"failure,omitempty"`
	Aggregate  *scoring.Aggregate    `json:"aggregate,omitempty"`
	Security   *security.Report      `json:"security,omitempty"`
	Text       string                `json:"text,omitempty"`
}

func viewOf(r orchestrator.StageResult) StageView {
	return StageView{
		PhaseID:    r.PhaseID,
		Key:        r.Key,
		State:      r.State.String(),
		Model:      r.Model,
		Attempts:   r.Attempts,
		Truncated:  r.Truncated,
		DurationMS: r.Duration.Milliseconds(),
		Failure:    r.Failure,
		Aggregate:  r.Aggregate,
		Security:   r.Security,
		Text:       r.Text,
	}
}

// session is a live run. mu serializes batches on the same run; the
// assessment context itself is safe for concurrent reads.
type session struct {
	mu   sync.Mutex
	busy bool

	id        string
	actx      *assessment.Context
	stages    map[string]StageView
	createdAt time.Time
}

func (s *session) status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *session) statusLocked() string {
	if s.busy {
		return StatusRunning
	}
	if len(s.stages) == 0 {
		return StatusCreated
	}
	status := StatusCompleted
	for _, st := range s.stages {
		switch st.State {
		case orchestrator.StateSecurityShortCircuited.String():
			return StatusHalted
		case orchestrator.StateDegradedError.String():
			status = StatusDegraded
		}
	}
	return status
}

func (s *session) stageList(order []string) []StageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageView, 0, len(s.stages))
	for _, id := range order {
		if st, ok := s.stages[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Runs keeps live sessions in memory and parks them in a RunStore after
// every batch. A run unknown to this process is restored from the store.
type Runs struct {
	mu       sync.Mutex
	sessions map[string]*session

	registry *phase.Registry
	store    storage.RunStore
	logger *slog.Logger
}

// NewRuns creates a registry. store may be nil.
func NewRuns(registry *phase.Registry, store storage.RunStore, logger *slog.Logger) *Runs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runs{
		sessions: make(map[string]*session),
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Create registers a new run around actx.
func (r *Runs) Create(ctx context.Context, actx *assessment.Context) (*session, error) {
	s := &session{
		id:        uuid.New().String(),
		actx:      actx,
		stages:    make(map[string]StageView),
		createdAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	if err := r.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a live session, restoring it from the store when needed.
func (r *Runs) Get(ctx context.Context, id string) (*session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	run, err := r.store.LoadRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s = &session{
		id:        run.ID,
		actx:      assessment.Restore(r.registry, run.Snapshot),
		stages:    make(map[string]StageView, len(run.Stages)),
		createdAt: run.CreatedAt,
	}
	for _, st := range run.Stages {
		view := StageView{PhaseID: st.PhaseID, Key: st.Key, State: st.State}
		if st.Kind != "" || st.Detail != "" {
			view.Failure = &orchestrator.Failure{Kind: gateway.Kind(st.Kind), Detail: st.Detail}
		}
		s.stages[st.PhaseID] = view
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}
	r.sessions[id] = s
	r.logger.InfoContext(ctx, "run restored", slog.String("run_id", id), slog.Int("stages", len(run.Stages)))
	return s, nil
}

// Delete drops a run from memory and the store.
func (r *Runs) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, live := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if r.store == nil {
		if !live {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil
	}
	err := r.store.DeleteRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) && live {
		return nil
	}
	return err
}

// List returns the stored runs newest first, or the live ones when no
// store is configured.
func (r *Runs) List(ctx context.Context, limit int) ([]*storage.Run, error) {
	if r.store != nil {
		return r.store.ListRuns(ctx, limit)
	}
	r.mu.Lock()
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	out := make([]*storage.Run, 0, len(live))
	for _, s := range live {
		out = append(out, &storage.Run{ID: s.id, Status: s.status(), CreatedAt: s.createdAt})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Execute runs fn on the session with the batch lock held, then records
// the stage outcomes and parks the run.
func (r *Runs) Execute(ctx context.Context, s *session, fn func(*assessment.Context) ([]orchestrator.StageResult, error)) ([]orchestrator.StageResult, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrRunBusy
	}
	s.busy = true
	s.mu.Unlock()

	results, runErr := fn(s.actx)

	s.mu.Lock()
	s.busy = false
	for _, res := range results {
		if res.State == orchestrator.StateNotStarted {
			continue
		}
		s.stages[res.PhaseID] = viewOf(res)
	}
	s.mu.Unlock()

	// Park the run even when the batch was canceled; finished stages stay
	// resumable.
	if err := r.persist(context.WithoutCancel(ctx), s); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist run", slog.String("run_id", s.id), slog.String("error", err.Error()))
	}
	return results, runErr
}

func (r *Runs) persist(ctx context.Context, s *session) error {
	if r.store == nil {
		return nil
	}
	s.mu.Lock()
	run := &storage.Run{
		ID:        s.id,
		Status:    s.statusLocked(),
		Snapshot:  s.actx.Snapshot(),
		CreatedAt: s.createdAt,
	}
	for _, st := range s.stages {
		rec := storage.StageRecord{PhaseID: st.PhaseID, Key: st.Key, State: st.State}
		if st.Failure != nil {
			rec.Kind = string(st.Failure.Kind)
			rec.Detail = st.Failure.Detail
		}
		run.Stages = append(run.Stages, rec)
	}
	s.mu.Unlock()
	slices.SortFunc(run.Stages, func(a, b storage.StageRecord) int {
		return r.registry.Compare(a.PhaseID, b.PhaseID)
	})

	return r.store.SaveRun(ctx, run)
}
