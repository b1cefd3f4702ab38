package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/indicators"
	"github.com/Uri-do/Monitor-sub000/internal/orchestrator"
	"github.com/Uri-do/Monitor-sub000/internal/process"
	"github.com/Uri-do/Monitor-sub000/internal/schedule"
)

// Lifecycle is what the worker endpoints need from the controller.
type Lifecycle interface {
	Start(ctx context.Context, cfg process.Config) (domain.WorkerHandle, error)
	Stop(ctx context.Context, slot string, timeout time.Duration) (domain.StopMode, error)
	Restart(ctx context.Context, slot string, timeout time.Duration) (domain.WorkerHandle, error)
	ForceStopAll(ctx context.Context) ([]domain.TargetResult, error)
	Status(ctx context.Context, slot string) (domain.WorkerHandle, string, bool)
}

type Server struct {
	r           *chi.Mux
	repo        indicators.Repository
	controller  Lifecycle
	orch        *orchestrator.Orchestrator
	workerCfg   process.Config
	stopTimeout time.Duration
	services    []string
}

func NewServer(repo indicators.Repository, controller Lifecycle, orch *orchestrator.Orchestrator, workerCfg process.Config, stopTimeout time.Duration, services []string) http.Handler {
	return NewServerWithDebug(repo, controller, orch, workerCfg, stopTimeout, services, false)
}

func NewServerWithDebug(repo indicators.Repository, controller Lifecycle, orch *orchestrator.Orchestrator, workerCfg process.Config, stopTimeout time.Duration, services []string, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:           r,
		repo:        repo,
		controller:  controller,
		orch:        orch,
		workerCfg:   workerCfg,
		stopTimeout: stopTimeout,
		services:    services,
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/indicators", s.createIndicator)
	r.Get("/api/indicators", s.listIndicators)
	r.Get("/api/indicators/{id}", s.getIndicator)
	r.Put("/api/indicators/{id}", s.updateIndicator)
	r.Delete("/api/indicators/{id}", s.deleteIndicator)

	r.Get("/api/workers/{slot}/status", s.workerStatus)
	r.Post("/api/workers/{slot}/start", s.startWorker)
	r.Post("/api/workers/{slot}/stop", s.stopWorker)
	r.Post("/api/workers/{slot}/restart", s.restartWorker)
	r.Post("/api/workers/force-stop-all", s.forceStopAll)

	r.Post("/api/tests", s.startTest)
	r.Get("/api/tests", s.listTests)
	r.Get("/api/tests/{id}", s.getTest)
	r.Delete("/api/tests/{id}", s.stopTest)
	r.Delete("/api/tests", s.stopAllTests)

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
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("monitor_up 1\n"))
}

// Indicator endpoints

type indicatorReq struct {
	Name             string     `json:"name"`
	OwnerSlot        string     `json:"owner_slot"`
	Kind             string     `json:"kind"`
	Target           string     `json:"target"`
	FrequencyMinutes int        `json:"frequency_minutes"`
	CronExpr         string     `json:"cron_expr"`
	Timezone         string     `json:"timezone"`
	ActiveFrom       *time.Time `json:"active_from"`
	ActiveUntil      *time.Time `json:"active_until"`
}

func (req indicatorReq) toDomain() domain.Indicator {
	return domain.Indicator{
		Name:      req.Name,
		OwnerSlot: req.OwnerSlot,
		Kind:      req.Kind,
		Target:    req.Target,
		Spec: domain.RecurrenceSpec{
			FrequencyMinutes: req.FrequencyMinutes,
			CronExpr:         req.CronExpr,
			Timezone:         req.Timezone,
			ActiveFrom:       req.ActiveFrom,
			ActiveUntil:      req.ActiveUntil,
		},
	}
}

type indicatorResp struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	OwnerSlot        string     `json:"owner_slot"`
	Kind             string     `json:"kind"`
	Target           string     `json:"target,omitempty"`
	FrequencyMinutes int        `json:"frequency_minutes,omitempty"`
	CronExpr         string     `json:"cron_expr,omitempty"`
	Schedule         string     `json:"schedule"`
	LastRun          *time.Time `json:"last_run"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	IsRunning        bool       `json:"is_running"`
	Processed        int64      `json:"processed"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
}

func toIndicatorResp(ind domain.Indicator) indicatorResp {
	resp := indicatorResp{
		ID:               ind.ID,
		Name:             ind.Name,
		OwnerSlot:        ind.OwnerSlot,
		Kind:             ind.Kind,
		Target:           ind.Target,
		FrequencyMinutes: ind.Spec.FrequencyMinutes,
		CronExpr:         ind.Spec.CronExpr,
		Schedule:         schedule.DescribeSchedule(ind.Spec.FrequencyMinutes),
		LastRun:          ind.LastRun,
		IsRunning:        ind.IsRunning,
		Processed:        ind.Processed,
		Succeeded:        ind.Succeeded,
		Failed:           ind.Failed,
	}
	if ind.Spec.CronExpr != "" {
		resp.Schedule = "cron: " + ind.Spec.CronExpr
	}
	// Informational aligned boundary; due-ness itself is elapsed-based.
	anchor := time.Now()
	if ind.LastRun != nil {
		anchor = *ind.LastRun
	}
	if next, err := schedule.NextFromSpec(ind.Spec, anchor); err == nil {
		resp.NextRun = &next
	}
	return resp
}

func (s *Server) createIndicator(w http.ResponseWriter, r *http.Request) {
	var req indicatorReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	ind := req.toDomain()
	if err := schedule.ValidateSpec(ind.Spec); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.repo.Create(r.Context(), ind)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listIndicators(w http.ResponseWriter, r *http.Request) {
	inds, err := s.repo.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]indicatorResp, 0, len(inds))
	for _, ind := range inds {
		out = append(out, toIndicatorResp(ind))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getIndicator(w http.ResponseWriter, r *http.Request) {
	ind, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, toIndicatorResp(ind))
}

func (s *Server) updateIndicator(w http.ResponseWriter, r *http.Request) {
	ind, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	var req indicatorReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		ind.Name = req.Name
	}
	if req.OwnerSlot != "" {
		ind.OwnerSlot = req.OwnerSlot
	}
	if req.Kind != "" {
		ind.Kind = req.Kind
	}
	if req.Target != "" {
		ind.Target = req.Target
	}
	if req.FrequencyMinutes != 0 || req.CronExpr != "" {
		ind.Spec.FrequencyMinutes = req.FrequencyMinutes
		ind.Spec.CronExpr = req.CronExpr
	}
	if req.Timezone != "" {
		ind.Spec.Timezone = req.Timezone
	}
	if req.ActiveFrom != nil {
		ind.Spec.ActiveFrom = req.ActiveFrom
	}
	if req.ActiveUntil != nil {
		ind.Spec.ActiveUntil = req.ActiveUntil
	}
	if err := schedule.ValidateSpec(ind.Spec); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.repo.Update(r.Context(), ind); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toIndicatorResp(ind))
}

func (s *Server) deleteIndicator(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Worker endpoints

type workerStatusResp struct {
	IsRunning     bool       `json:"is_running"`
	Mode          string     `json:"mode"`
	ProcessID     int32      `json:"process_id,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds,omitempty"`
	Services      []string   `json:"services"`
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	h, mode, ok := s.controller.Status(r.Context(), slot)
	resp := workerStatusResp{IsRunning: ok, Mode: mode, Services: s.services}
	if ok {
		resp.ProcessID = h.PID
		resp.WorkerID = h.WorkerID
		if !h.StartTime.IsZero() {
			st := h.StartTime
			resp.StartTime = &st
			resp.UptimeSeconds = int64(time.Since(st).Seconds())
		}
	}
	writeJSON(w, 200, resp)
}

type workerOpReq struct {
	TimeoutMs int `json:"timeout_ms"`
}

type workerOpResp struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ProcessID int32  `json:"process_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

func (s *Server) opTimeout(req workerOpReq) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return s.stopTimeout
}

func (s *Server) startWorker(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	var req workerOpReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	cfg := s.workerCfg
	cfg.Slot = slot
	if req.TimeoutMs > 0 {
		cfg.ReadyGrace = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	h, err := s.controller.Start(r.Context(), cfg)
	if err != nil {
		writeWorkerErr(w, err)
		return
	}
	writeJSON(w, 200, workerOpResp{Success: true, Message: "worker started", ProcessID: h.PID})
}

func (s *Server) stopWorker(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	var req workerOpReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	h, _, _ := s.controller.Status(r.Context(), slot)
	mode, err := s.controller.Stop(r.Context(), slot, s.opTimeout(req))
	if err != nil {
		writeWorkerErr(w, err)
		return
	}
	writeJSON(w, 200, workerOpResp{Success: true, Message: "worker stopped", ProcessID: h.PID, Mode: string(mode)})
}

func (s *Server) restartWorker(w http.ResponseWriter, r *http.Request) {
	slot := chi.URLParam(r, "slot")
	var req workerOpReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	h, err := s.controller.Restart(r.Context(), slot, s.opTimeout(req))
	if err != nil {
		writeWorkerErr(w, err)
		return
	}
	writeJSON(w, 200, workerOpResp{Success: true, Message: "worker restarted", ProcessID: h.PID})
}

type forceStopResp struct {
	StoppedCount int                `json:"stopped_count"`
	FailedCount  int                `json:"failed_count"`
	Results      []targetResultResp `json:"results"`
}

type targetResultResp struct {
	WorkerID  string `json:"worker_id"`
	ProcessID int32  `json:"process_id"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) forceStopAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.controller.ForceStopAll(r.Context())
	var partial *domain.PartialFailureError
	if err != nil && !errors.As(err, &partial) {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := forceStopResp{Results: make([]targetResultResp, 0, len(results))}
	for _, res := range results {
		tr := targetResultResp{WorkerID: res.WorkerID, ProcessID: res.PID}
		if res.Err != nil {
			tr.Error = res.Err.Error()
			resp.FailedCount++
		} else {
			resp.StoppedCount++
		}
		resp.Results = append(resp.Results, tr)
	}
	// Partial failure is still a 200: the caller gets per-target detail
	// either way.
	writeJSON(w, 200, resp)
}

// Test endpoints

type startTestReq struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Targets     []string `json:"targets"`
	Concurrency int      `json:"concurrency"`
}

func (s *Server) startTest(w http.ResponseWriter, r *http.Request) {
	var req startTestReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.orch.StartTest(req.Type, req.Targets, req.Concurrency, req.ID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, err.Error(), 400)
		case errors.Is(err, domain.ErrDuplicateTest):
			http.Error(w, err.Error(), 409)
		default:
			http.Error(w, err.Error(), 500)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"test_id": id})
}

func (s *Server) listTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.orch.ListTests())
}

func (s *Server) getTest(w http.ResponseWriter, r *http.Request) {
	exec, err := s.orch.GetTest(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, exec)
}

func (s *Server) stopTest(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopTest(chi.URLParam(r, "id")); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stopAllTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]int{"stopped_count": s.orch.StopAllTests()})
}

func writeWorkerErr(w http.ResponseWriter, err error) {
	var already *domain.AlreadyRunningError
	switch {
	case errors.As(err, &already):
		writeJSON(w, 409, workerOpResp{Success: false, Message: err.Error(), ProcessID: already.PID})
	case errors.Is(err, domain.ErrNotRunning):
		writeJSON(w, 409, workerOpResp{Success: false, Message: err.Error()})
	case errors.Is(err, domain.ErrImmediateExit):
		writeJSON(w, 502, workerOpResp{Success: false, Message: err.Error()})
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, 400, workerOpResp{Success: false, Message: err.Error()})
	default:
		writeJSON(w, 500, workerOpResp{Success: false, Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
