package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/internal/scheduler"
	"github.com/sells-group/lead-aggregator/internal/store"
)

// runTrigger is the part of the scheduler the API drives.
type runTrigger interface {
	Trigger(ctx context.Context, trigger string) bool
	State() scheduler.State
}

// apiServer serves the operator API. store and breakers may be nil.
type apiServer struct {
	// baseCtx outlives requests; manual runs are started with it.
	baseCtx  context.Context
	sched    runTrigger
	store    store.Store
	history  func() *history.Index
	breakers *resilience.Breakers
}

type statusResponse struct {
	Scheduler scheduler.State            `json:"scheduler"`
	Breakers  []resilience.BreakerStatus `json:"breakers,omitempty"`
}

// routes builds the chi router with CORS for the given origins.
func (a *apiServer) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", a.handleStatus)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", a.handleListRuns)
		r.Post("/", a.handleTriggerRun)
		r.Get("/{id}", a.handleGetRun)
	})
	r.Get("/history/stats", a.handleHistoryStats)
	return r
}

func (a *apiServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Scheduler: a.sched.State()}
	if a.breakers != nil {
		resp.Breakers = a.breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) handleTriggerRun(w http.ResponseWriter, _ *http.Request) {
	if !a.sched.Trigger(a.baseCtx, scheduler.TriggerManual) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}

	q := r.URL.Query()
	filter := store.RunFilter{
		Status:  model.RunStatus(q.Get("status")),
		Trigger: q.Get("trigger"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}

	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("api: get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *apiServer) handleHistoryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.history().Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
