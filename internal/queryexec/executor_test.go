package queryexec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/authcore/internal/apierr"
)

func TestClassify_MapsKnownPostgrestErrors(t *testing.T) {
	cases := []struct {
		msg  string
		kind apierr.Kind
	}{
		{"permission denied for table users", apierr.KindForbidden},
		{"new row violates row-level security policy", apierr.KindForbidden},
		{"duplicate key value violates unique constraint", apierr.KindConflict},
		{"insert or update on table violates foreign key constraint", apierr.KindConflict},
		{"context deadline exceeded", apierr.KindDeadlineExceeded},
		{"dial tcp: connection refused", apierr.KindUnavailable},
		{"something totally unexpected", apierr.KindInternal},
	}

	for _, c := range cases {
		err := classify("queryexec.test", errors.New(c.msg))
		assert.Equal(t, c.kind, apierr.KindOf(err), "message: %s", c.msg)
	}
}

func TestClassify_NilErrorPassesThrough(t *testing.T) {
	assert.NoError(t, classify("queryexec.test", nil))
}
