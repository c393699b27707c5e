package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/scraper"
)

type fakeState struct {
	summary   scraper.Summary
	failed    []scraper.FailedKey
	completed []string
	records   map[string]scraper.Record
	resetErr  error
	resets    int
}

func (f *fakeState) Summary() scraper.Summary { return f.summary }

func (f *fakeState) FailedKeys() []scraper.FailedKey { return f.failed }

func (f *fakeState) CompletedKeys() []string { return f.completed }
func (f *fakeState) Record(key string) (scraper.Record, bool) {
	rec, ok := f.records[key]
	return rec, ok
}

func (f *fakeState) Reset() error {
	f.resets++
	return f.resetErr
}

func newTestServer(state *fakeState) *Server {
	return NewServer(state, prometheus.NewRegistry(), zap.NewNop())
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeState{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_GetSummary(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		summary: scraper.Summary{Total: 10, Completed: 7, Failed: 2, Pending: 1, SuccessRate: 70},
	}
	server := newTestServer(state)
	req := httptest.NewRequest(http.MethodGet, "/v1/summary", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":10`)
	require.Contains(t, rec.Body.String(), `"success_rate":70`)
}

func TestServer_GetFailed(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		failed: []scraper.FailedKey{{Key: "2024-01-03", Error: "status 503"}},
	}
	server := newTestServer(state)
	req := httptest.NewRequest(http.MethodGet, "/v1/failed", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)
	require.Contains(t, rec.Body.String(), "2024-01-03")
}

func TestServer_GetFailed_EmptyIsArray(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeState{})
	req := httptest.NewRequest(http.MethodGet, "/v1/failed", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"failed":[]`)
}

func TestServer_GetKey_Found(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		records: map[string]scraper.Record{
			"2024-01-01": {Status: scraper.StatusCompleted, FilePath: "/tmp/2024-01-01.csv"},
		},
	}
	server := newTestServer(state)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/2024-01-01", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "completed")
}

func TestServer_GetKey_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeState{})
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/2024-01-01", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PostReset(t *testing.T) {
	t.Parallel()

	state := &fakeState{}
	server := newTestServer(state)
	req := httptest.NewRequest(http.MethodPost, "/v1/reset", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, state.resets)
}

func TestServer_PostReset_Error(t *testing.T) {
	t.Parallel()

	state := &fakeState{resetErr: errors.New("disk full")}
	server := newTestServer(state)
	req := httptest.NewRequest(http.MethodPost, "/v1/reset", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "disk full")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeState{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
