package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIs_MatchesSentinelByKind(t *testing.T) {
	err := New("userresolver.GetUserByID", KindNotFound, "user_missing", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
}

func TestKindOf_DefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestKindOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", New("op", KindForbidden, "no_access", nil))
	assert.Equal(t, KindForbidden, KindOf(wrapped))
}

func TestInsufficient_PopulatesRequiredAndAvailable(t *testing.T) {
	err := Insufficient("creditengine.apply", 100, 40)
	assert.Equal(t, KindInsufficientCredits, err.Kind)
	assert.Equal(t, int64(100), err.Required)
	assert.Equal(t, int64(40), err.Available)
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("dbpool.Acquire", KindUnavailable, "pool_exhausted", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_MessageIncludesReason(t *testing.T) {
	err := New("authzengine.Decide", KindForbidden, "default_deny", nil)
	assert.Contains(t, err.Error(), "default_deny")
	assert.Contains(t, err.Error(), "authzengine.Decide")
}
