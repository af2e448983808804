package tokenvalidator

import (
	"sync"
	"time"
)

// StaticKeyProvider is a KeyProvider backed by a fixed set of keys,
// cached in-process with a 1h TTL per spec.md §6.2. It is the fast path
// used in tests and for HS256 deployments where the signing secret is
// supplied directly via configuration; a production deployment would
// wrap this with a fetcher that refreshes from the identity provider's
// JWKS endpoint on expiry.
type StaticKeyProvider struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]keyEntry
	fetch   func(issuer, kid string) (any, error)
}

type keyEntry struct {
	key       any
	fetchedAt time.Time
}

// NewStaticKeyProvider builds a provider over a fixed map whose keys
// are CacheKey(issuer, kid), with no further fetching.
func NewStaticKeyProvider(keys map[string]any) *StaticKeyProvider {
	p := &StaticKeyProvider{
		ttl:     time.Hour,
		entries: make(map[string]keyEntry, len(keys)),
	}
	now := time.Now()
	for k, v := range keys {
		p.entries[k] = keyEntry{key: v, fetchedAt: now}
	}
	return p
}

// NewFetchingKeyProvider builds a provider that calls fetch on cache
// miss or expiry and caches the result for the configured TTL.
func NewFetchingKeyProvider(fetch func(issuer, kid string) (any, error)) *StaticKeyProvider {
	return &StaticKeyProvider{
		ttl:     time.Hour,
		entries: make(map[string]keyEntry),
		fetch:   fetch,
	}
}

// CacheKey builds the composite key both NewStaticKeyProvider's caller
// and Key itself must agree on: issuer+"|"+kid.
func CacheKey(issuer, kid string) string { return issuer + "|" + kid }

func (p *StaticKeyProvider) Key(issuer, kid string) (any, error) {
	ck := CacheKey(issuer, kid)

	p.mu.RLock()
	entry, ok := p.entries[ck]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < p.ttl {
		return entry.key, nil
	}

	if p.fetch == nil {
		if ok {
			return entry.key, nil // static provider with no refresher: serve stale rather than fail
		}
		return nil, errNoSuchKey(issuer, kid)
	}

	key, err := p.fetch(issuer, kid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[ck] = keyEntry{key: key, fetchedAt: time.Now()}
	p.mu.Unlock()

	return key, nil
}

type keyNotFoundError struct{ issuer, kid string }

func (e *keyNotFoundError) Error() string {
	return "tokenvalidator: no signing key for issuer=" + e.issuer + " kid=" + e.kid
}

func errNoSuchKey(issuer, kid string) error {
	return &keyNotFoundError{issuer: issuer, kid: kid}
}
