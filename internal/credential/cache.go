// Package credential holds the bearer token for the messaging API in a single
// time-bounded slot.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
)

// DefaultTTL stays below the provider's 24h token lifetime.
const DefaultTTL = 23*time.Hour + 30*time.Minute

// Token is a bearer token and the moment the cache stops handing it out.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is non-empty and not past its deadline at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Fetcher obtains a fresh token value from the auth endpoint.
type Fetcher interface {
	RequestToken(ctx context.Context) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (string, error)

func (f FetcherFunc) RequestToken(ctx context.Context) (string, error) { return f(ctx) }

// Cache is safe for concurrent use. Concurrent misses may each call the
// fetcher; the last one to finish wins the slot.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	slot Token
}

// NewCache creates an empty cache. A non-positive ttl means DefaultTTL.
func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{fetcher: fetcher, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Token returns the cached token or fetches a new one.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.slot
	c.mu.Unlock()

	if cached.Valid(c.now()) {
		logging.Debugf("using cached messenger token")
		return cached.Value, nil
	}

	logging.Info("requesting new messenger token")
	issued := c.now()
	value, err := c.fetcher.RequestToken(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrAuth) {
			return "", err
		}
		return "", apperr.Auth("requesting token", err)
	}
	if value == "" {
		return "", apperr.Auth("requesting token", errors.New("empty access token"))
	}

	c.mu.Lock()
	c.slot = Token{Value: value, ExpiresAt: issued.Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.slot = Token{}
	c.mu.Unlock()
}
