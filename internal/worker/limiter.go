package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per API host so that a burst of link
// resolutions never exceeds the configured request rate against it.
type Limiter struct {
	limiters     map[string]*rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter creates a limiter allowing requestsPerSecond per host.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 5
	}

	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  rate.Limit(requestsPerSecond),
		defaultBurst: burst,
	}
}

// Wait blocks until a request to rawURL's host may proceed and returns how
// long it was held back. It fails without waiting when ctx would expire
// first.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Duration, error) {
	host, err := extractHost(rawURL)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	if err := l.getLimiter(host).Wait(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w", host, err)
	}
	return time.Since(start), nil
}

// SetCrawlDelay slows rawURL's host to one request per delay when that is
// slower than its current rate. It never speeds a host up.
func (l *Limiter) SetCrawlDelay(rawURL string, delay time.Duration) error {
	host, err := extractHost(rawURL)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return nil
	}
	limiter := l.getLimiter(host)
	if limit := rate.Every(delay); limit < limiter.Limit() {
		limiter.SetLimit(limit)
		limiter.SetBurst(1)
	}
	return nil
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[host]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, exists := l.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[host] = limiter

	return limiter
}

func extractHost(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return parsed.Host, nil
}
