package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
	"github.com/ppiankov/nadag/internal/util"
	"github.com/ppiankov/nadag/internal/worker"
)

// fetchSleepFunc is the sleep function used between retries (injectable for tests)
var fetchSleepFunc = time.Sleep

var errDisallowed = errors.New("disallowed by robots.txt")

// Fetcher performs GET requests against the feature API
type Fetcher struct {
	httpClient *http.Client
	timeout    time.Duration
	robots     *util.RobotsChecker
	userAgent  string
	maxBytes   int64
	maxRetries int
	limiter    *worker.Limiter
	metrics    *observability.Metrics
}

// NewFetcher creates a Fetcher from the API configuration. limiter may be nil.
// With api.respect_robots set, each host's robots.txt is read on first
// contact; a crawl delay there slows limiter for that host.
func NewFetcher(cfg model.APIConfig, limiter *worker.Limiter, metrics *observability.Metrics) *Fetcher {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = util.NewProxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy, cfg.NoProxy)
	transport.MaxIdleConnsPerHost = 32

	var robots *util.RobotsChecker
	if cfg.RespectRobots {
		robots = util.NewRobotsChecker(cfg.UserAgent, cfg.StatusTimeout, transport)
	}

	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		timeout:    cfg.Timeout,
		robots:     robots,
		userAgent:  cfg.UserAgent,
		maxBytes:   maxBytes,
		maxRetries: maxRetries,
		limiter:    limiter,
		metrics:    metrics,
	}
}

// WithTimeout returns a copy of f whose attempts are bounded by d instead
// of api.timeout. Zero leaves ctx as the only deadline.
func (f *Fetcher) WithTimeout(d time.Duration) *Fetcher {
	c := *f
	c.timeout = d
	return &c
}

// Fetch issues one GET. params are merged into rawURL's query; nil leaves
// the URL untouched. An attempt that outlives the fetcher's timeout while
// ctx is still live fails with a *model.TimeoutError; every other failure
// is a *model.TransportError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	target, err := withParams(rawURL, params)
	if err != nil {
		return nil, &model.TransportError{URL: rawURL, Err: fmt.Errorf("build url: %w", err)}
	}

	if f.robots != nil {
		allowed, delay, _ := f.robots.CanFetch(ctx, target)
		if !allowed {
			return nil, &model.TransportError{URL: target, Err: errDisallowed}
		}
		if delay > 0 && f.limiter != nil {
			_ = f.limiter.SetCrawlDelay(target, delay)
		}
	}

	if f.limiter != nil {
		waited, err := f.limiter.Wait(ctx, target)
		if err != nil {
			return nil, &model.TransportError{URL: target, Err: fmt.Errorf("rate limit: %w", err)}
		}
		if f.metrics != nil {
			f.metrics.ThrottleWait.Observe(waited.Seconds())
		}
	}

	reqCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	timedOut := func(err error) error {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &model.TimeoutError{URL: target, Err: err}
		}
		return &model.TransportError{URL: target, Err: err}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &model.TransportError{URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/geo+json, application/json;q=0.9")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if f.metrics != nil {
		f.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, timedOut(fmt.Errorf("fetch: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &model.TransportError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, timedOut(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// FetchWithRetry retries transient failures with exponential backoff
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		body, err := f.Fetch(ctx, rawURL, params)
		if err == nil {
			f.count("success")
			return body, nil
		}
		lastErr = err
		if !isRetryableFetchError(err) || ctx.Err() != nil {
			break
		}
		if attempt < f.maxRetries-1 {
			f.count("retry")
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			fetchSleepFunc(backoff)
		}
	}
	f.count("error")
	return nil, lastErr
}

// FetchDocument fetches and decodes one JSON document.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL string, params url.Values) (*model.Document, []byte, error) {
	body, err := f.FetchWithRetry(ctx, rawURL, params)
	if err != nil {
		return nil, nil, err
	}
	doc, err := decodeDocument(rawURL, body)
	if err != nil {
		return nil, nil, err
	}
	return doc, body, nil
}

func (f *Fetcher) count(outcome string) {
	if f.metrics != nil {
		f.metrics.Requests.WithLabelValues(outcome).Inc()
	}
}

func decodeDocument(rawURL string, body []byte) (*model.Document, error) {
	var doc model.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &model.TransportError{URL: rawURL, Err: fmt.Errorf("decode body: %w", err)}
	}
	return &doc, nil
}

func withParams(rawURL string, params url.Values) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isRetryableFetchError reports whether err is worth another attempt:
// 5xx, 429, an attempt timeout and connection-level failures.
func isRetryableFetchError(err error) bool {
	if err == nil {
		return false
	}
	if model.IsTimeout(err) {
		return true
	}
	var te *model.TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "unexpected status: 5") || strings.Contains(s, "unexpected status: 429") {
		return true
	}
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset")
}
