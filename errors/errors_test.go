package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("queue rejected job"), "Job ID: abc")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: abc", details[0])
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	cases := []struct {
		name     string
		sentinel error
	}{
		{"not found", ErrNotFound},
		{"not ready", ErrNotReady},
		{"ingestion aborted", ErrIngestionAborted},
		{"submission failure", ErrSubmissionFailure},
		{"processing", ErrProcessing},
		{"invalid transition", ErrInvalidTransition},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := Wrapf(Wrap(tc.sentinel, "inner"), "outer %d", 1)
			assert.True(t, Is(wrapped, tc.sentinel))

			stdWrapped := fmt.Errorf("std: %w", tc.sentinel)
			assert.True(t, Is(stdWrapped, tc.sentinel))
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	assert.False(t, Is(ErrNotFound, ErrNotReady))
	assert.False(t, Is(ErrSubmissionFailure, ErrIngestionAborted))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job not found: %s", "123")

	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsNotReadyError(err))
	assert.Contains(t, err.Error(), "job not found: 123")
}

func TestNewNotReadyError(t *testing.T) {
	err := NewNotReadyError("job %s is %s", "123", "running")

	assert.True(t, IsNotReadyError(err))
	assert.Equal(t, "job 123 is running", err.Error())
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("unknown handler %q", "nope")

	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsInvalidRequestError(nil))
}
