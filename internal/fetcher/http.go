package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-aggregator/internal/resilience"
)

// defaultHostInterval spaces requests to hosts no source has configured.
const defaultHostInterval = 250 * time.Millisecond

// maxBlockProbe caps how much of an error body is read for block detection.
const maxBlockProbe = 64 << 10

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	Retry      resilience.RetryConfig
}

// AdaptiveLimiter spaces requests to one host. A 429 halves the rate (down
// to a quarter of the configured rate); each success recovers 20% but never
// exceeds the configured rate, so the minimum spacing always holds.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	configured  rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter allowing one request per interval.
func NewAdaptiveLimiter(interval time.Duration) *AdaptiveLimiter {
	r := rate.Every(interval)
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, 1),
		configured:  r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Wait blocks until the next request may be sent.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess recovers the rate towards the configured value.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.configured {
		return
	}
	a.currentRate = min(a.currentRate*1.2, a.configured)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("fetcher: reducing host rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Page is a fetched HTML or feed document.
type Page struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPFetcher fetches pages and files with per-host spacing, retry on
// transient failures and bot-block detection.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "leadbot/1.0"
	}
	opts.Retry.MaxAttempts = opts.MaxRetries
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// SetMinInterval registers the minimum spacing between requests to the
// host of rawURL. When several sources share a host the widest interval wins.
func (f *HTTPFetcher) SetMinInterval(rawURL string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.limiters[u.Host]; ok && existing.configured <= rate.Every(interval) {
		return
	}
	f.limiters[u.Host] = NewAdaptiveLimiter(interval)
}

func (f *HTTPFetcher) limiterFor(u *url.URL) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		lim = NewAdaptiveLimiter(defaultHostInterval)
		f.limiters[u.Host] = lim
	}
	return lim
}

// do sends req with spacing and retries, returning a 2xx response. Bot
// blocks and non-retryable statuses are returned without retry.
func (f *HTTPFetcher) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req.URL)
	rawURL := req.URL.String()

	retry := f.opts.Retry
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("fetcher: request failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*http.Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			lim.OnSuccess()
			return resp, nil
		}

		probe, _ := io.ReadAll(io.LimitReader(resp.Body, maxBlockProbe))
		_ = resp.Body.Close()

		if blocked, bt := DetectBlock(resp, probe); blocked {
			return nil, &BlockedError{URL: rawURL, Type: bt, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		return nil, resilience.NewStatusError(rawURL, resp.StatusCode)
	})
}

func (f *HTTPFetcher) newRequest(ctx context.Context, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Get fetches a page into memory. A 200 page carrying a challenge or
// captcha is reported as a BlockedError.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, headers map[string]string) (*Page, error) {
	req, err := f.newRequest(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}

	resp, err := f.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body %s", rawURL)
	}
	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, &BlockedError{URL: rawURL, Type: bt, StatusCode: resp.StatusCode}
	}

	return &Page{URL: rawURL, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := f.newRequest(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.do(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: download")
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL and writes it to the given path.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	return writeFile(path, body)
}

func writeFile(path string, r io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: write file")
	}
	return n, nil
}
