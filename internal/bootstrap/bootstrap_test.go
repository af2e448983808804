package bootstrap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatten_PairsKeysAndValues(t *testing.T) {
	out := flatten(map[string]any{"a": 1})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0])
	assert.Equal(t, 1, out[1])
}

func TestParseSigningKey_FallsBackToRawBytesForHS256Secret(t *testing.T) {
	key, err := parseSigningKey("plain-shared-secret")
	require.NoError(t, err)
	raw, ok := key.([]byte)
	require.True(t, ok)
	assert.Equal(t, "plain-shared-secret", string(raw))
}

func TestBuildKeyProvider_WrapsEveryKidAsRawSecretWhenNotPEM(t *testing.T) {
	provider, err := buildKeyProvider("https://issuer.example", map[string]string{"k1": "secret1", "k2": "secret2"})
	require.NoError(t, err)
	require.NotNil(t, provider)
}

// TestBuildKeyProvider_KeyIsLookupableByValidator guards against the
// cache-key mismatch between buildKeyProvider's storage key and
// StaticKeyProvider.Key's lookup key: a key stored under the bare kid
// can never be found by Key(issuer, kid), which composes
// issuer+"|"+kid.
func TestBuildKeyProvider_KeyIsLookupableByValidator(t *testing.T) {
	const issuer = "https://issuer.example"
	provider, err := buildKeyProvider(issuer, map[string]string{"k1": "secret1"})
	require.NoError(t, err)

	key, err := provider.Key(issuer, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret1"), key)
}

func TestLookupIdempotent_MissingKeyReturnsFalse(t *testing.T) {
	ic := newIdempotencyCache()

	_, ok := ic.lookup("nope")
	assert.False(t, ok)
}

func TestStoreAndLookupIdempotent_RoundTrips(t *testing.T) {
	ic := newIdempotencyCache()

	want := CreditResult{NewBalance: 50, LedgerEntryID: "ledger-1"}
	ic.store("key1", want, nil)

	got, ok := ic.lookup("key1")
	require.True(t, ok)
	assert.Equal(t, want, got.result)
	assert.NoError(t, got.err)
}

func TestLookupIdempotent_ExpiredEntryIsEvicted(t *testing.T) {
	ic := newIdempotencyCache()
	ic.entries["stale"] = idempotencyEntry{
		result:   CreditResult{NewBalance: 1},
		storedAt: time.Now().Add(-idempotencyTTL - time.Minute),
	}

	_, ok := ic.lookup("stale")
	assert.False(t, ok)

	_, stillPresent := ic.entries["stale"]
	assert.False(t, stillPresent)
}

func TestStoreIdempotent_PreservesError(t *testing.T) {
	ic := newIdempotencyCache()

	wantErr := errors.New("insufficient credits")
	ic.store("key2", CreditResult{}, wantErr)

	got, ok := ic.lookup("key2")
	require.True(t, ok)
	assert.Equal(t, wantErr, got.err)
}

// TestIdempotencyCache_IsNotASharedSingleton guards against
// regressing to a package-level cache: two independently constructed
// caches must not see each other's entries.
func TestIdempotencyCache_IsNotASharedSingleton(t *testing.T) {
	a := newIdempotencyCache()
	b := newIdempotencyCache()

	a.store("shared-key", CreditResult{NewBalance: 1}, nil)

	_, ok := b.lookup("shared-key")
	assert.False(t, ok)
}
