// Package tokenvalidator implements C1: parsing and verifying a caller's
// bearer token into a tagged union of variants (spec.md §4.1). The
// validator is pure and synchronous — it performs no I/O beyond a
// bounded in-process signing-key lookup, never touching the database.
package tokenvalidator

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/authcore/internal/apierr"
	"github.com/ocx/authcore/internal/coredomain"
)

// Variant classifies the bearer token's shape, replacing the teacher
// source's duck-typed "string sometimes prefixed" tokens with an
// exhaustively-matched tagged union (Design Notes §9).
type Variant string

const (
	VariantSignedJWT Variant = "signed_jwt"
	VariantProvider  Variant = "provider_opaque"
	VariantDev       Variant = "dev_mode"
	VariantUnknown   Variant = "unknown"
)

const (
	providerPrefix = "supabase_token_"
	mockPrefix     = "mock_token_"
	devPrefix      = "dev_token_"

	clockSkew = 30 * time.Second
)

// Info is the validator's successful output.
type Info struct {
	UserID    string
	Role      coredomain.Role
	ExpiresAt time.Time
	Variant   Variant
	Raw       string
}

// KeyProvider resolves the signing key material for a given issuer/kid,
// backed by a bounded in-process cache (spec.md §4.1, §6.2: "signing-key
// retrieval ... cached in-process with 1h TTL").
type KeyProvider interface {
	// Key returns the verification key for (issuer, kid). For HS256 this
	// is the shared secret bytes; for RS/ES256 it is an *rsa.PublicKey or
	// *ecdsa.PublicKey.
	Key(issuer, kid string) (any, error)
}

// Config controls which token shapes the validator accepts.
type Config struct {
	Issuer          string
	Audience        string
	AllowedAlgs     []string // e.g. {"HS256", "RS256", "ES256"}
	Production      bool
	AllowMockTokens bool
	Keys            KeyProvider
}

// Validator implements C1.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate classifies and verifies token, cross-checking claimedUserID
// where the variant requires it (spec.md §4.1 variant 2).
func (v *Validator) Validate(token, claimedUserID string) (*Info, error) {
	const op = "tokenvalidator.Validate"

	switch classify(token) {
	case VariantProvider:
		return v.validateProvider(op, token, claimedUserID)
	case VariantDev:
		return v.validateDev(op, token, claimedUserID)
	case VariantSignedJWT:
		return v.validateJWT(op, token)
	default:
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("unrecognized token shape"))
	}
}

func classify(token string) Variant {
	switch {
	case strings.HasPrefix(token, providerPrefix):
		return VariantProvider
	case strings.HasPrefix(token, mockPrefix), strings.HasPrefix(token, devPrefix):
		return VariantDev
	case looksLikeJWT(token):
		return VariantSignedJWT
	default:
		return VariantUnknown
	}
}

func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	return len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != ""
}

func (v *Validator) validateProvider(op, token, claimedUserID string) (*Info, error) {
	uuid := strings.TrimPrefix(token, providerPrefix)
	if uuid == "" || claimedUserID == "" || subtle.ConstantTimeCompare([]byte(uuid), []byte(claimedUserID)) != 1 {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_issuer_unknown",
			fmt.Errorf("carried uuid does not match claimed user id"))
	}
	return &Info{
		UserID:    uuid,
		Role:      coredomain.RoleUser,
		ExpiresAt: time.Now().Add(1 * time.Hour), // provider tokens are session-scoped upstream; no embedded exp
		Variant:   VariantProvider,
		Raw:       token,
	}, nil
}

func (v *Validator) validateDev(op, token, claimedUserID string) (*Info, error) {
	if v.cfg.Production || !v.cfg.AllowMockTokens {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_rejected_in_production",
			fmt.Errorf("dev-mode token presented outside development configuration"))
	}
	id := strings.TrimPrefix(strings.TrimPrefix(token, mockPrefix), devPrefix)
	if id == "" {
		id = claimedUserID
	}
	return &Info{
		UserID:    id,
		Role:      coredomain.RoleUser,
		ExpiresAt: time.Now().Add(1 * time.Hour),
		Variant:   VariantDev,
		Raw:       token,
	}, nil
}

func (v *Validator) validateJWT(op, token string) (*Info, error) {
	allowed := make(map[string]bool, len(v.cfg.AllowedAlgs))
	for _, a := range v.cfg.AllowedAlgs {
		allowed[a] = true
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(v.cfg.AllowedAlgs))

	tok, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		alg, _ := t.Header["alg"].(string)
		if !allowed[alg] {
			return nil, fmt.Errorf("algorithm %q not in allow-list", alg)
		}
		kid, _ := t.Header["kid"].(string)
		if v.cfg.Keys == nil {
			return nil, fmt.Errorf("no key provider configured")
		}
		return v.cfg.Keys.Key(v.cfg.Issuer, kid)
	})

	if err != nil || tok == nil || !tok.Valid {
		return nil, classifyJWTError(op, err)
	}

	return v.claimsToInfo(op, claims, token)
}

func classifyJWTError(op string, err error) error {
	switch {
	case err == nil:
		return apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("invalid token"))
	case isExpired(err):
		return apierr.New(op, apierr.KindUnauthenticated, "token_expired", err)
	case isSignatureInvalid(err):
		return apierr.New(op, apierr.KindUnauthenticated, "token_signature_invalid", err)
	default:
		return apierr.New(op, apierr.KindUnauthenticated, "token_malformed", err)
	}
}

func isExpired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "token is expired")
}

func isSignatureInvalid(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "signature is invalid") || strings.Contains(err.Error(), "verification error"))
}

func (v *Validator) claimsToInfo(op string, claims jwt.MapClaims, raw string) (*Info, error) {
	now := time.Now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("missing exp claim"))
	}
	// Strict "<" boundary per spec.md §8: a token exactly at exp is rejected.
	if !now.Before(exp.Time) {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_expired", fmt.Errorf("token expired at %s", exp.Time))
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		if iat.Time.After(now.Add(clockSkew)) {
			return nil, apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("iat in the future"))
		}
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if nbf.Time.After(now.Add(clockSkew)) {
			return nil, apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("nbf in the future"))
		}
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, apierr.New(op, apierr.KindUnauthenticated, "token_issuer_unknown", fmt.Errorf("issuer %q does not match configured issuer", iss))
		}
	}
	if v.cfg.Audience != "" {
		auds, _ := claims.GetAudience()
		if !containsAud(auds, v.cfg.Audience) {
			return nil, apierr.New(op, apierr.KindUnauthenticated, "token_audience_mismatch", fmt.Errorf("audience mismatch"))
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, apierr.New(op, apierr.KindUnauthenticated, "token_malformed", fmt.Errorf("missing sub claim"))
	}

	role := coredomain.RoleUser
	if r, ok := claims["role"].(string); ok && r != "" {
		role = coredomain.Role(r)
	}

	return &Info{
		UserID:    sub,
		Role:      role,
		ExpiresAt: exp.Time,
		Variant:   VariantSignedJWT,
		Raw:       raw,
	}, nil
}

func containsAud(auds []string, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}
