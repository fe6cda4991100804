package rss

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// Per-host politeness settings.
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single host.
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same host.
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// DomainLimiter rate limits requests per host. Feed fetches and episode
// downloads each get their own limiter: a download holds its slot for the
// whole transfer and must not starve feed fetches on the same host.
type DomainLimiter struct {
	mu          sync.Mutex
	perDomain   int
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

// NewDomainLimiter creates a limiter with the default per-host settings.
func NewDomainLimiter() *DomainLimiter {
	return newDomainLimiter(MaxConcurrencyPerDomain, DelayBetweenDomainRequests)
}

func newDomainLimiter(perDomain int, delay time.Duration) *DomainLimiter {
	if perDomain < 1 {
		perDomain = 1
	}
	return &DomainLimiter{
		perDomain:   perDomain,
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// Acquire gets a slot for the host of rawURL, blocking if necessary.
// It also enforces the minimum delay between requests to the same host.
func (dl *DomainLimiter) Acquire(ctx context.Context, rawURL string) error {
	domain := extractDomain(rawURL)

	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, dl.perDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < dl.delay {
			select {
			case <-time.After(dl.delay - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}

	return nil
}

// Release returns the slot for the host of rawURL and records the request time.
func (dl *DomainLimiter) Release(rawURL string) {
	domain := extractDomain(rawURL)

	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
