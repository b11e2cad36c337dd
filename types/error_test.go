package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("formats code and message", func(t *testing.T) {
		err := NewError(ErrStorageUnavailable, "session store unreachable")
		assert.Equal(t, "[STORAGE_UNAVAILABLE] session store unreachable", err.Error())
	})

	t.Run("formats cause", func(t *testing.T) {
		cause := errors.New("dial tcp: refused")
		err := NewError(ErrStorageUnavailable, "session store unreachable").WithCause(cause)
		assert.Contains(t, err.Error(), "dial tcp: refused")
		assert.Equal(t, cause, errors.Unwrap(err))
	})

	t.Run("builder options", func(t *testing.T) {
		err := NewError(ErrRuntimeInvocation, "llm call failed").
			WithHTTPStatus(502).
			WithRetryable(true)
		assert.Equal(t, 502, err.HTTPStatus)
		assert.True(t, err.Retryable)
	})
}

func TestGetErrorCode(t *testing.T) {
	err := NewError(ErrUnauthorized, "not the conversation owner")
	require.Equal(t, ErrUnauthorized, GetErrorCode(err))
	assert.True(t, IsCode(err, ErrUnauthorized))

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsCode(nil, ErrUnauthorized))

	// The code survives fmt.Errorf wrapping.
	wrapped := fmt.Errorf("failed to marshal turn: %w", NewError(ErrStorageUnavailable, "redis write failed"))
	assert.Equal(t, ErrStorageUnavailable, GetErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrStorageUnavailable))
}
