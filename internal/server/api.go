package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quorum-eval/assessor/internal/assessment"
	"github.com/quorum-eval/assessor/internal/gateway"
	"github.com/quorum-eval/assessor/internal/instructions"
	"github.com/quorum-eval/assessor/internal/orchestrator"
	"github.com/quorum-eval/assessor/internal/phase"
	"github.com/quorum-eval/assessor/internal/report"
	"github.com/quorum-eval/assessor/internal/storage"
	"github.com/quorum-eval/assessor/internal/tokens"
)

// ModelLister lists the models a backend can generate with.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// RecordReader reads the dataset records of a run.
type RecordReader interface {
	Records(ctx context.Context, runID string) ([]storage.Record, error)
}

// APIConfig wires the run API.
type APIConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Runs         *Runs
	Instructions *instructions.Bundle
	Tokens       *tokens.Registry

	Models  ModelLister  // Optional
	Records RecordReader // Optional

	// Exhausted is reported next to the model list; nil means the
	// process-wide set.
	Exhausted *gateway.ExhaustedSet
}

// API serves assessment runs.
type API struct {
	router *chi.Mux
	cfg    APIConfig
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Instructions == nil {
		cfg.Instructions = &instructions.Bundle{Phases: map[string]string{}}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = tokens.NewDefaultRegistry()
	}
	a := &API{router: chi.NewRouter(), cfg: cfg}
	a.routes()
	return a
}

func (a *API) routes() {
	a.router.Get("/phases", a.handlePhases)
	a.router.Get("/models", a.handleModels)

	a.router.Post("/runs", a.handleCreateRun)
	a.router.Get("/runs", a.handleListRuns)
	a.router.Get("/runs/{run_id}", a.handleGetRun)
	a.router.Delete("/runs/{run_id}", a.handleDeleteRun)
	a.router.Get("/runs/{run_id}/report", a.handleReport)
	a.router.Get("/runs/{run_id}/results/{key}", a.handleResult)
	a.router.Get("/runs/{run_id}/stats", a.handleStats)
	a.router.Get("/runs/{run_id}/records", a.handleRecords)
	a.router.Post("/runs/{run_id}/phases/{phase_id}", a.handleRunPhase)
	a.router.Post("/runs/{run_id}/modes/{mode}", a.handleRunMode)
	a.router.Post("/runs/{run_id}/all", a.handleRunAll)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

type PhaseView struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Key              string   `json:"key"`
	Ordinal          int      `json:"ordinal"`
	Model            string   `json:"model,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	RequiredKeys     []string `json:"required_keys,omitempty"`
	IncludeArtifacts bool     `json:"include_artifacts,omitempty"`
	Traits           string   `json:"traits,omitempty"`
}

type ModeView struct {
	Name   string   `json:"name"`
	Phases []string `json:"phases"`
}

type PhasesResponse struct {
	Phases []PhaseView `json:"phases"`
	Modes  []ModeView  `json:"modes"`
}

func (a *API) handlePhases(w http.ResponseWriter, r *http.Request) {
	reg := a.cfg.Orchestrator.Registry()
	resp := PhasesResponse{}
	for _, p := range reg.Phases() {
		resp.Phases = append(resp.Phases, phaseView(p))
	}
	for _, m := range reg.Modes() {
		resp.Modes = append(resp.Modes, ModeView{Name: m.Name, Phases: m.PhaseIDs})
	}
	writeJSON(w, http.StatusOK, resp)
}

func phaseView(p *phase.Phase) PhaseView {
	v := PhaseView{
		ID:               p.ID,
		Name:             p.Name,
		Key:              p.Key,
		Ordinal:          p.Ordinal,
		Model:            p.Model,
		DependsOn:        p.DependsOn,
		RequiredKeys:     p.RequiredKeys,
		IncludeArtifacts: p.IncludeArtifacts,
	}
	if p.Traits != 0 {
		v.Traits = p.Traits.String()
	}
	return v
}

func (a *API) handleModels(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Models == nil {
		writeError(w, r, http.StatusNotImplemented, errors.New("model listing is not available"))
		return
	}
	models, err := a.cfg.Models.ListModels(r.Context())
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err)
		return
	}
	exhausted := a.cfg.Exhausted
	if exhausted == nil {
		exhausted = gateway.SharedExhausted()
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: models, Exhausted: exhausted.Models()})
}

// ModelsResponse lists the available models and those that ran out of
// quota during this process's lifetime.
type ModelsResponse struct {
	Models    []string `json:"models"`
	Exhausted []string `json:"exhausted"`
}

// CreateRunRequest starts a run. Instructions missing from the request
// come from the server's bundle.
type CreateRunRequest struct {
	Artifacts    []assessment.Artifact `json:"artifacts"`
	CommonRules  string                `json:"common_rules,omitempty"`
	Instructions map[string]string     `json:"instructions,omitempty"`
}

type RunResponse struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Artifacts []string    `json:"artifacts"`
	Results   []string    `json:"results"`
	Stages    []StageView `json:"stages"`
	CreatedAt int64       `json:"created_at"`
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.Artifacts) == 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("at least one artifact is required"))
		return
	}

	rules := a.cfg.Instructions.CommonRules
	if req.CommonRules != "" {
		rules = req.CommonRules
	}
	instr := make(map[string]string, len(a.cfg.Instructions.Phases)+len(req.Instructions))
	for k, v := range a.cfg.Instructions.Phases {
		instr[k] = v
	}
	for k, v := range req.Instructions {
		instr[k] = v
	}

	actx := assessment.New(a.cfg.Orchestrator.Registry(), rules, instr)
	for _, art := range req.Artifacts {
		actx.AddArtifact(art.Name, art.Text)
	}

	s, err := a.cfg.Runs.Create(r.Context(), actx)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	AddLogField(r.Context(), "run_id", s.id)
	writeJSON(w, http.StatusCreated, a.runView(s))
}

func (a *API) runView(s *session) RunResponse {
	resp := RunResponse{
		ID:        s.id,
		Status:    s.status(),
		Results:   s.actx.ResultKeys(),
		Stages:    s.stageList(a.cfg.Orchestrator.Registry().IDs()),
		CreatedAt: s.createdAt.Unix(),
	}
	for _, art := range s.actx.Artifacts() {
		resp.Artifacts = append(resp.Artifacts, art.Name)
	}
	return resp
}

type RunSummary struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Stages    int    `json:"stages"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := a.cfg.Runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		sum := RunSummary{ID: run.ID, Status: run.Status, Stages: len(run.Stages), CreatedAt: run.CreatedAt.Unix()}
		if !run.UpdatedAt.IsZero() {
			sum.UpdatedAt = run.UpdatedAt.Unix()
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string][]RunSummary{"runs": out})
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id := chi.URLParam(r, "run_id")
	AddLogField(r.Context(), "run_id", id)
	s, err := a.cfg.Runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, statusFor(err), err)
		return nil, false
	}
	return s, true
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.runView(s))
}

func (a *API) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	if err := a.cfg.Runs.Delete(r.Context(), id); err != nil {
		writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReport returns the rendered report. The report stage result is
// served when present, otherwise the report is rendered from the scoring
// result on the fly.
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	reg := a.cfg.Orchestrator.Registry()

	var text string
	if p, ok := reg.FirstWith(phase.TraitReport); ok {
		text, _ = s.actx.Result(p.Key)
	}
	if text == "" {
		if p, ok := reg.FirstWith(phase.TraitScoring); ok {
			if raw, ok := s.actx.Result(p.Key); ok {
				text, _ = report.FromResult(raw)
			}
		}
	}
	if text == "" {
		writeError(w, r, http.StatusConflict, errors.New("no scoring result to report on yet"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (a *API) handleResult(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if p, ok := a.cfg.Orchestrator.Registry().ByID(key); ok {
		key = p.Key
	}
	text, ok := s.actx.Result(key)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no result for %q", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "text": text})
}

type StatsResponse struct {
	Model             string `json:"model"`
	CommonChars       int    `json:"common_chars"`
	CommonTokens      int    `json:"common_tokens"`
	Phases            int    `json:"phases"`
	InstructionChars  int    `json:"instruction_chars"`
	InstructionTokens int    `json:"instruction_tokens"`
	Estimated         bool   `json:"estimated"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	model := r.URL.Query().Get("model")
	if phases := a.cfg.Orchestrator.Registry().Phases(); model == "" && len(phases) > 0 {
		model = phases[0].Model
	}
	st := s.actx.Stats(a.cfg.Tokens, model)
	writeJSON(w, http.StatusOK, StatsResponse{
		Model:             model,
		CommonChars:       st.CommonChars,
		CommonTokens:      st.CommonTokens,
		Phases:            st.Phases,
		InstructionChars:  st.InstructionChars,
		InstructionTokens: st.InstructionTokens,
		Estimated:         st.Estimated,
	})
}

func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Records == nil {
		writeError(w, r, http.StatusNotImplemented, errors.New("dataset collection is disabled"))
		return
	}
	id := chi.URLParam(r, "run_id")
	recs, err := a.cfg.Records.Records(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string][]storage.Record{"records": recs})
}

type BatchResponse struct {
	RunID   string      `json:"run_id"`
	Status  string      `json:"status"`
	Results []StageView `json:"results"`
	Error   string      `json:"error,omitempty"`
}

func (a *API) handleRunPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "phase_id")
	AddLogField(r.Context(), "phase", id)
	a.runBatch(w, r, func(ctx context.Context, actx *assessment.Context) ([]orchestrator.StageResult, error) {
		res, err := a.cfg.Orchestrator.RunPhase(ctx, actx, id)
		if errors.Is(err, orchestrator.ErrUnknownPhase) {
			return nil, err
		}
		return []orchestrator.StageResult{res}, err
	})
}

func (a *API) handleRunMode(w http.ResponseWriter, r *http.Request) {
	mode := strings.ToUpper(chi.URLParam(r, "mode"))
	AddLogField(r.Context(), "mode", mode)
	a.runBatch(w, r, func(ctx context.Context, actx *assessment.Context) ([]orchestrator.StageResult, error) {
		return a.cfg.Orchestrator.RunMode(ctx, actx, mode)
	})
}

func (a *API) handleRunAll(w http.ResponseWriter, r *http.Request) {
	a.runBatch(w, r, a.cfg.Orchestrator.RunAll)
}

func (a *API) runBatch(w http.ResponseWriter, r *http.Request, fn func(context.Context, *assessment.Context) ([]orchestrator.StageResult, error)) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	ctx := orchestrator.ContextWithRunID(r.Context(), s.id)

	start := time.Now()
	results, err := a.cfg.Runs.Execute(ctx, s, func(actx *assessment.Context) ([]orchestrator.StageResult, error) {
		return fn(ctx, actx)
	})
	AddLogField(r.Context(), "batch_duration", time.Since(start).String())

	if err != nil && results == nil {
		writeError(w, r, statusFor(err), err)
		return
	}

	resp := BatchResponse{RunID: s.id, Status: s.status(), Results: make([]StageView, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, viewOf(res))
	}
	status := http.StatusOK
	if err != nil {
		AddError(r.Context(), err)
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownPhase),
		errors.Is(err, orchestrator.ErrUnknownMode):
		return http.StatusNotFound
	case errors.Is(err, ErrRunBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	AddError(r.Context(), err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
