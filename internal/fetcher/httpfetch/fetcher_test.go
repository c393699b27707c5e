package httpfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/scraper"
	"github.com/histpull/histpull/internal/storage/local"
)

func newTestFetcher(t *testing.T, serverURL string) *Fetcher {
	t.Helper()
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	f, err := New(Config{
		URLTemplate: serverURL + "/export?date={date}",
		UserAgent:   "histpull-test",
		Timeout:     5 * time.Second,
		BlobPrefix:  "pulls",
	}, blobs, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestNewRequiresPlaceholderAndBlobs(t *testing.T) {
	t.Parallel()

	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = New(Config{URLTemplate: "https://example.com/export"}, blobs, nil)
	require.Error(t, err)

	_, err = New(Config{URLTemplate: "https://example.com/export?date={date}"}, nil, nil)
	require.Error(t, err)
}

func TestFetchStoresArtifact(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2024-01-15", r.URL.Query().Get("date"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("date,value\n2024-01-15,100.5\n"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	ref, err := f.Fetch(context.Background(), "2024-01-15")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	require.Contains(t, string(data), "2024-01-15,100.5")
}

func TestFetchMissingDateIsAGap(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	ref, err := f.Fetch(context.Background(), "2024-01-15")
	require.NoError(t, err)
	require.Empty(t, ref)
}

func TestFetchEmptyBodyIsAGap(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	ref, err := f.Fetch(context.Background(), "2024-01-15")
	require.NoError(t, err)
	require.Empty(t, ref)
}

func TestFetchThrottleBecomesOverloadError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	_, err := f.Fetch(context.Background(), "2024-01-15")
	require.Error(t, err)

	var overload *scraper.OverloadError
	require.True(t, errors.As(err, &overload))
	require.Equal(t, 7*time.Second, overload.RetryAfter)
}

func TestFetchServerErrorIsPlainFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	_, err := f.Fetch(context.Background(), "2024-01-15")
	require.Error(t, err)

	var overload *scraper.OverloadError
	require.False(t, errors.As(err, &overload))
}

func TestFetchRejectsMalformedKey(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("server should not be reached")
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	_, err := f.Fetch(context.Background(), "not-a-date")
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	require.Equal(t, 30*time.Second, parseRetryAfter("30"))
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	require.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
}
