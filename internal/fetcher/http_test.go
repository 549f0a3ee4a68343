package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-aggregator/internal/resilience"
)

func newTestFetcher(t *testing.T, srv *httptest.Server) *HTTPFetcher {
	t.Helper()
	f := NewHTTPFetcher(HTTPOptions{
		UserAgent:  "leadbot-test",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Retry:      resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	f.SetMinInterval(srv.URL, time.Millisecond)
	return f
}

func TestHTTPFetcher_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "leadbot-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Listings</h1></body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	page, err := f.Get(context.Background(), srv.URL+"/search", map[string]string{"X-Test": "yes"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, string(page.Body), "Listings")
	assert.Equal(t, "text/html", page.Header.Get("Content-Type"))
}

func TestHTTPFetcher_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	page, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(page.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_NotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resilience.StatusCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_CloudflareBlock(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("cf-ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Attention Required"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockCloudflare, blocked.Type)
	assert.Equal(t, http.StatusForbidden, blocked.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_CaptchaOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><div id="px-captcha">Press & Hold to confirm you are a human</div></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	_, err := f.Get(context.Background(), srv.URL, nil)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockCaptcha, blocked.Type)
}

func TestHTTPFetcher_TooManyRequestsSlowsHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	_, err := f.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	lim := f.limiters[mustHost(t, srv.URL)]
	require.NotNil(t, lim)
	assert.Less(t, float64(lim.Limit()), float64(rate.Every(time.Millisecond)))
}

func TestHTTPFetcher_SetMinIntervalWidestWins(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	f.SetMinInterval("https://example.com/a", 100*time.Millisecond)
	f.SetMinInterval("https://example.com/b", 2*time.Second)
	f.SetMinInterval("https://example.com/c", 500*time.Millisecond)
	f.SetMinInterval("not a url", time.Second)
	f.SetMinInterval("https://other.com", 0)

	lim := f.limiters["example.com"]
	require.NotNil(t, lim)
	assert.Equal(t, rate.Every(2*time.Second), lim.Limit())
	assert.NotContains(t, f.limiters, "other.com")
}

func TestHTTPFetcher_SpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 5 * time.Second})
	f.SetMinInterval(srv.URL, 50*time.Millisecond)

	start := time.Now()
	for range 3 {
		_, err := f.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestAdaptiveLimiter_NeverExceedsConfigured(t *testing.T) {
	lim := NewAdaptiveLimiter(100 * time.Millisecond)
	configured := lim.Limit()

	lim.OnRateLimit()
	assert.Equal(t, configured/2, lim.Limit())
	lim.OnRateLimit()
	lim.OnRateLimit()
	assert.Equal(t, configured/4, lim.Limit())

	for range 50 {
		lim.OnSuccess()
	}
	assert.Equal(t, configured, lim.Limit())
}

func TestHTTPFetcher_DownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("parcel,owner\n1,Smith\n"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv)
	path := filepath.Join(t.TempDir(), "records.csv")
	n, err := f.DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(21), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "parcel,owner\n1,Smith\n", string(data))
}

func TestHTTPFetcher_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newTestFetcher(t, srv)
	_, err := f.Download(ctx, srv.URL)
	require.Error(t, err)
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("routed"))
	}))
	defer srv.Close()

	r := &Router{HTTP: newTestFetcher(t, srv)}
	body, err := r.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "routed", string(data))

	_, err = r.Download(context.Background(), "ftp://records.example.gov/file.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no fetcher for scheme "ftp"`)

	_, err = r.DownloadToFile(context.Background(), "s3://bucket/key", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req.URL.Host
}
