package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"arbiter/internal/domain"
	"arbiter/internal/engine"
	"arbiter/internal/recurring"
)

// ScheduleStore is the slice of the store the API needs for recurring
// schedules. Nil disables the schedule routes.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

type Server struct {
	r         *chi.Mux
	eng       *engine.Engine
	schedules ScheduleStore
}

func NewServer(eng *engine.Engine, schedules ScheduleStore) http.Handler {
	return NewServerWithDebug(eng, schedules, false)
}

func NewServerWithDebug(eng *engine.Engine, schedules ScheduleStore, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, eng: eng, schedules: schedules}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Post("/api/tasks/{id}/start", s.startTask)
	r.Post("/api/tasks/{id}/complete", s.completeTask)
	r.Get("/api/tasks/{id}/candidates", s.taskCandidates)

	r.Post("/api/workers", s.registerWorker)
	r.Get("/api/workers", s.listWorkers)
	r.Delete("/api/workers/{id}", s.deregisterWorker)
	r.Post("/api/workers/{id}/claims", s.attemptClaim)

	r.Get("/api/claims", s.listClaims)
	r.Get("/api/outcomes", s.listOutcomes)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	byState := map[domain.TaskState]int{}
	for _, t := range s.eng.Tasks() {
		byState[t.State]++
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "arbiter_up 1\n")
	fmt.Fprintf(w, "arbiter_claims_live %d\n", len(s.eng.Claims()))
	fmt.Fprintf(w, "arbiter_workers %d\n", len(s.eng.Workers()))
	for state, n := range byState {
		fmt.Fprintf(w, "arbiter_tasks{state=%q} %d\n", state, n)
	}
}

type submitReq struct {
	ID                string             `json:"id"`
	Description       string             `json:"description"`
	RequiredResources []string           `json:"required_resources"`
	Criticality       domain.Criticality `json:"criticality"`
	DependencyCount   int                `json:"dependency_count"`
	Deadline          *time.Time         `json:"deadline"`
	BusinessValue     float64            `json:"business_value"`
	Impact            float64            `json:"impact"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.eng.SubmitTask(domain.Task{
		ID:                req.ID,
		Description:       req.Description,
		RequiredResources: req.RequiredResources,
		Criticality:       req.Criticality,
		DependencyCount:   req.DependencyCount,
		Deadline:          req.Deadline,
		BusinessValue:     req.BusinessValue,
		Impact:            req.Impact,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.eng.Tasks())
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.eng.Task(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Cancel(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Start(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Complete(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskCandidates(w http.ResponseWriter, r *http.Request) {
	workers, err := s.eng.MatchWorkers(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, 200, workers)
}

type registerReq struct {
	ID                 string   `json:"id"`
	CapabilityTags     []string `json:"capability_tags"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.CapabilityTags) == 0 {
		http.Error(w, "capability_tags is required", 400)
		return
	}
	id := s.eng.RegisterWorker(domain.Worker{
		ID:                 req.ID,
		CapabilityTags:     req.CapabilityTags,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.eng.Workers())
}

func (s *Server) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeregisterWorker(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimReq struct {
	TaskID string `json:"task_id"`
}

type claimResp struct {
	engine.ClaimDecision
	Error string `json:"error,omitempty"`
}

func (s *Server) attemptClaim(w http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", 400)
		return
	}
	dec, err := s.eng.AttemptClaim(chi.URLParam(r, "id"), req.TaskID)
	var aborted *domain.AbortedAfterRetryLimitError
	switch {
	case errors.As(err, &aborted):
		writeJSON(w, http.StatusConflict, claimResp{ClaimDecision: dec, Error: aborted.Error()})
	case err != nil:
		writeEngineError(w, err)
	case dec.Granted:
		writeJSON(w, http.StatusOK, claimResp{ClaimDecision: dec})
	default:
		writeJSON(w, http.StatusConflict, claimResp{ClaimDecision: dec})
	}
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.eng.Claims())
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, 200, s.eng.Events(after, limit))
}

type createScheduleReq struct {
	Name        string             `json:"name"`
	CronExpr    string             `json:"cron_expr"`
	Description string             `json:"description"`
	Resources   []string           `json:"resources"`
	Criticality domain.Criticality `json:"criticality"`
	Enabled     bool               `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if len(req.Resources) == 0 {
		http.Error(w, "resources is required", 400)
		return
	}
	if err := recurring.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := recurring.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.schedules.CreateSchedule(r.Context(), domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Description: req.Description,
		Resources:   req.Resources,
		Criticality: req.Criticality,
		Enabled:     req.Enabled,
		NextRun:     nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	schedules, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	sc, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, sc)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps the engine's typed errors onto status codes. Only
// validation and retry-limit aborts are caller-visible failures; the rest
// are lookups and state conflicts.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation  *domain.ValidationError
		notFound    *domain.TaskNotFoundError
		noWorker    *domain.WorkerNotFoundError
		unavailable *domain.WorkerUnavailableError
		saturated   *domain.WorkerSaturatedError
		terminal    *domain.TaskTerminalError
	)
	switch {
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &notFound), errors.As(err, &noWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &unavailable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &saturated):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.As(err, &terminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
