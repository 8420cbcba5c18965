// ABOUTME: Tests for failure classification
// ABOUTME: Verifies codes and classes survive wrapping

package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		class Class
		code  string
	}{
		{"nil", nil, ClassNone, CodeUnknown},
		{"validation", Validation("bad envelope", nil), ClassPermanent, CodeValidation},
		{"transient", Transient("store down", cause), ClassRetryable, CodeTransient},
		{"rejected", Rejected("content policy", cause), ClassPermanent, CodeRejected},
		{"wrapped rejection", fmt.Errorf("dispatch: %w", Rejected("x", nil)), ClassPermanent, CodeRejected},
		{"unclassified", cause, ClassRetryable, CodeUnknown},
		{"deadline", context.DeadlineExceeded, ClassRetryable, CodeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassOf(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.code, Code(tt.err))
			}
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Transient("fetching history", errors.New("database is locked"))
	assert.Equal(t, "fetching history: database is locked", err.Error())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsPermanent(err))

	var te *TransientDependencyError
	assert.True(t, errors.As(err, &te))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "retryable", ClassRetryable.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "none", ClassNone.String())
}
