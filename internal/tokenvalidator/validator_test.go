package tokenvalidator

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/coredomain"
)

const testSecret = "test-signing-secret"

func signHS256(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newValidator() *Validator {
	keys := NewStaticKeyProvider(map[string]any{CacheKey("", "k1"): []byte(testSecret)})
	return New(Config{
		Issuer:      "",
		AllowedAlgs: []string{"HS256"},
		Keys:        keys,
	})
}

func TestValidate_AcceptsWellFormedJWT(t *testing.T) {
	v := newValidator()
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"role": "admin",
	}, "k1")

	info, err := v.Validate(token, "")
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.UserID)
	assert.Equal(t, coredomain.Role("admin"), info.Role)
	assert.Equal(t, VariantSignedJWT, info.Variant)
}

func TestValidate_RejectsExpiredJWT(t *testing.T) {
	v := newValidator()
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}, "k1")

	_, err := v.Validate(token, "")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestValidate_RejectsTokenAtExactExpiryBoundary(t *testing.T) {
	v := newValidator()
	token := signHS256(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Unix(),
	}, "k1")

	_, err := v.Validate(token, "")
	assert.Error(t, err, "a token exactly at exp must be rejected per the strict '<' boundary")
}

func TestValidate_RejectsUnknownAlgorithm(t *testing.T) {
	v := New(Config{AllowedAlgs: []string{"HS256"}, Keys: NewStaticKeyProvider(nil)})
	tok := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Validate(signed, "")
	assert.Error(t, err)
}

func TestValidate_ProviderTokenMustMatchClaimedUserID(t *testing.T) {
	v := newValidator()
	token := "supabase_token_abc-123"

	_, err := v.Validate(token, "abc-123")
	assert.NoError(t, err)

	_, err = v.Validate(token, "someone-else")
	assert.Error(t, err)
}

func TestValidate_DevTokenRejectedInProduction(t *testing.T) {
	v := New(Config{Production: true, AllowMockTokens: true})
	_, err := v.Validate("mock_token_user-1", "")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
}

func TestValidate_DevTokenAcceptedOutsideProductionWhenAllowed(t *testing.T) {
	v := New(Config{Production: false, AllowMockTokens: true})
	info, err := v.Validate("mock_token_user-42", "")
	require.NoError(t, err)
	assert.Equal(t, "user-42", info.UserID)
}

func TestValidate_UnrecognizedShapeIsRejected(t *testing.T) {
	v := newValidator()
	_, err := v.Validate("not-a-real-token", "")
	assert.Error(t, err)
}
