package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pipeline-runtime/internal/model"
)

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServe_Health(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServe_ListRunsEmpty(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServe_GetRunNotFound(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodGet, "/runs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServe_ReportWithoutResult(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	run, err := env.Store.CreateRun(context.Background(), "pending", model.ModeParallel, 0)
	require.NoError(t, err)

	rec := doRequest(t, handler, http.MethodGet, "/runs/"+run.ID+"/report", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServe_BreakersEmpty(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodGet, "/breakers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_PostRunValidation(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodPost, "/runs", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/runs", `{"name":"noquery"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_PostRunExecutes(t *testing.T) {
	env := newTestEnv(t)
	handler := newServeRouter(env)

	rec := doRequest(t, handler, http.MethodPost, "/runs",
		`{"name":"http-test","query":"acme pumps","seed":3,"mode":"sequential"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)

	// The run executes in the background; wait for it to settle.
	require.Eventually(t, func() bool {
		run, err := env.Store.GetRun(context.Background(), resp.RunID)
		return err == nil && run.Status == model.RunStatusComplete
	}, 10*time.Second, 20*time.Millisecond)

	rec = doRequest(t, handler, http.MethodGet, "/runs/"+resp.RunID+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rep struct {
		SchemaVersion   string  `json:"schema_version"`
		StagesSucceeded int     `json:"stages_succeeded"`
		TotalCostUSD    float64 `json:"total_cost_usd"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "1", rep.SchemaVersion)
	assert.Equal(t, 4, rep.StagesSucceeded)
	assert.Greater(t, rep.TotalCostUSD, 0.0)
}
