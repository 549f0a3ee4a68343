package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/internal/resilience"
	"github.com/sells-group/lead-aggregator/internal/scheduler"
	"github.com/sells-group/lead-aggregator/internal/store"
)

type fakeTrigger struct {
	busy     bool
	triggers []string
	state    scheduler.State
}

func (f *fakeTrigger) Trigger(_ context.Context, trigger string) bool {
	if f.busy {
		return false
	}
	f.triggers = append(f.triggers, trigger)
	return true
}

func (f *fakeTrigger) State() scheduler.State { return f.state }

type fakeRunStore struct {
	store.Store
	runs    []model.Run
	filter  store.RunFilter
	listErr error
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.filter = filter
	return f.runs, f.listErr
}

func (f *fakeRunStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, eris.Wrapf(store.ErrRunNotFound, "get run %s", id)
}

func newTestAPI(st store.Store) (*apiServer, *fakeTrigger) {
	trig := &fakeTrigger{state: scheduler.State{Interval: "1h0m0s", Started: 3, Skipped: 1, LastRunID: "run-3"}}
	idx := history.FromLeads(7, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC), []model.Lead{
		{ID: "a", Fingerprint: "fp1"},
		{ID: "b", Fingerprint: "fp1", Suppressed: true},
	})
	api := &apiServer{
		baseCtx:  context.Background(),
		sched:    trig,
		store:    st,
		history:  func() *history.Index { return idx },
		breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
	return api, trig
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPI_Health(t *testing.T) {
	api, _ := newTestAPI(nil)
	rr := serve(t, api.routes(nil), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Status(t *testing.T) {
	api, _ := newTestAPI(nil)
	api.breakers.Get("source:zillow")
	rr := serve(t, api.routes(nil), http.MethodGet, "/status")

	require.Equal(t, http.StatusOK, rr.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Scheduler.Started)
	assert.Equal(t, int64(1), body.Scheduler.Skipped)
	assert.Equal(t, "run-3", body.Scheduler.LastRunID)
	require.Len(t, body.Breakers, 1)
	assert.Equal(t, "source:zillow", body.Breakers[0].Name)
}

func TestAPI_TriggerRun(t *testing.T) {
	api, trig := newTestAPI(nil)
	h := api.routes(nil)

	rr := serve(t, h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{scheduler.TriggerManual}, trig.triggers)

	trig.busy = true
	rr = serve(t, h, http.MethodPost, "/runs")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already in progress")
	assert.Len(t, trig.triggers, 1)
}

func TestAPI_ListRuns(t *testing.T) {
	st := &fakeRunStore{runs: []model.Run{
		{ID: "run-2", Status: model.RunStatusCompleted},
		{ID: "run-1", Status: model.RunStatusFailed},
	}}
	api, _ := newTestAPI(st)

	rr := serve(t, api.routes(nil), http.MethodGet, "/runs?status=completed&trigger=manual&limit=5&offset=2")
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, store.RunFilter{Status: model.RunStatusCompleted, Trigger: "manual", Limit: 5, Offset: 2}, st.filter)
}

func TestAPI_ListRuns_Empty(t *testing.T) {
	api, _ := newTestAPI(&fakeRunStore{})
	rr := serve(t, api.routes(nil), http.MethodGet, "/runs")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestAPI_ListRuns_BadLimit(t *testing.T) {
	api, _ := newTestAPI(&fakeRunStore{})
	rr := serve(t, api.routes(nil), http.MethodGet, "/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_ListRuns_StoreError(t *testing.T) {
	api, _ := newTestAPI(&fakeRunStore{listErr: eris.New("db down")})
	rr := serve(t, api.routes(nil), http.MethodGet, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAPI_RunsWithoutStore(t *testing.T) {
	api, _ := newTestAPI(nil)
	h := api.routes(nil)

	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/runs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodGet, "/runs/run-1").Code)
}

func TestAPI_GetRun(t *testing.T) {
	st := &fakeRunStore{runs: []model.Run{{ID: "run-1", Status: model.RunStatusPartiallyFailed}}}
	api, _ := newTestAPI(st)
	h := api.routes(nil)

	rr := serve(t, h, http.MethodGet, "/runs/run-1")
	require.Equal(t, http.StatusOK, rr.Code)
	var run model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Equal(t, model.RunStatusPartiallyFailed, run.Status)

	rr = serve(t, h, http.MethodGet, "/runs/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_HistoryStats(t *testing.T) {
	api, _ := newTestAPI(nil)
	rr := serve(t, api.routes(nil), http.MethodGet, "/history/stats")

	require.Equal(t, http.StatusOK, rr.Code)
	var stats history.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.Version)
	assert.Equal(t, 1, stats.Buckets)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Suppressed)
}

func TestAPI_CORS(t *testing.T) {
	api, _ := newTestAPI(nil)
	h := api.routes([]string{"https://ops.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://ops.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_UnknownRoute(t *testing.T) {
	api, _ := newTestAPI(nil)
	rr := serve(t, api.routes(nil), http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
