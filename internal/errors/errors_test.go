package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorIs(t *testing.T) {
	type testCase struct {
		name     string
		err      error
		target   error
		expected bool
	}

	cause := stderrors.New("boom")
	tests := []testCase{
		{
			name:     "same code",
			err:      New(ErrCodeDuplicateDecision, "approver u1 already decided"),
			target:   ErrDuplicateDecision,
			expected: true,
		},
		{
			name:     "different code",
			err:      New(ErrCodeStaleDecision, "instance is approved"),
			target:   ErrDuplicateDecision,
			expected: false,
		},
		{
			name:     "wrapped by fmt",
			err:      fmt.Errorf("decide: %w", NotFound("approval_instance", "i-1")),
			target:   ErrNotFound,
			expected: true,
		},
		{
			name:     "wrap keeps cause",
			err:      Wrap(cause, ErrCodeInternal, "failed to save"),
			target:   cause,
			expected: true,
		},
		{
			name:     "plain error",
			err:      cause,
			target:   ErrConflict,
			expected: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Is(tc.err, tc.target))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeBlockedStage, CodeOf(fmt.Errorf("x: %w", ErrBlockedStage)))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
}

func TestAppErrorMessage(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", ErrNotFound.Error())
	assert.Equal(t, `INVALID_INPUT: reason: cancellation reason is required`,
		InvalidInput("reason", "cancellation reason is required").Error())
	assert.Equal(t, "INTERNAL: failed to save: boom",
		Wrap(stderrors.New("boom"), ErrCodeInternal, "failed to save").Error())
}
