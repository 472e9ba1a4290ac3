package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(errors.New("dial tcp"), ErrServiceUnavailable, "vector service not started").
		WithContext("url", "http://localhost:8085").
		WithContext("attempt", 2)

	assert.Equal(t,
		"[ServiceUnavailable] vector service not started | context: attempt=2, url=http://localhost:8085 | cause: dial tcp",
		err.Error())
}

func TestTypeSurvivesWrapping(t *testing.T) {
	base := New(ErrEmptyExtraction, "no text in scan.pdf")
	wrapped := fmt.Errorf("process doc-1: %w", base)

	assert.True(t, IsType(wrapped, ErrEmptyExtraction))
	assert.Equal(t, ErrEmptyExtraction, TypeOf(wrapped))
	assert.Equal(t, ErrUnknown, TypeOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(ErrServiceUnavailable, "down")))
	assert.True(t, Retryable(New(ErrServiceTimeout, "slow")))
	assert.True(t, Retryable(errors.New("unexpected")))
	assert.False(t, Retryable(New(ErrEmptyExtraction, "empty")))
	assert.False(t, Retryable(New(ErrQueueExhausted, "done")))
	assert.False(t, Retryable(nil))
}

func TestReasonDistinguishesFailureKinds(t *testing.T) {
	assert.Equal(t, "upstream service down", Reason(New(ErrServiceUnavailable, "")))
	assert.Equal(t, "document unreadable", Reason(New(ErrEmptyExtraction, "")))
	assert.Equal(t, "partial success", Reason(New(ErrPartialStageFailure, "")))
	assert.NotEmpty(t, Advice(New(ErrStorage, "")))
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	err := Classify("recognition", refused)
	require.True(t, IsType(err, ErrServiceUnavailable))
	assert.Contains(t, err.Error(), "recognition service not started")

	err = Classify("graph", fmt.Errorf("post: %w", context.DeadlineExceeded))
	assert.True(t, IsType(err, ErrServiceTimeout))

	err = Classify("vector", errors.New("status 500"))
	assert.True(t, IsType(err, ErrRemote))

	typed := New(ErrValidation, "bad")
	assert.Same(t, typed, Classify("vector", typed))
	assert.NoError(t, Classify("vector", nil))
}
