package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsErrorType_WrappedChain(t *testing.T) {
	inner := NewStoreFailed("commit", stderrors.New("connection reset"))
	wrapped := fmt.Errorf("pipeline run: %w", inner)

	assert.True(t, IsErrorType(wrapped, ErrorTypeStore))
	assert.False(t, IsErrorType(wrapped, ErrorTypeExtraction))
	assert.False(t, IsErrorType(nil, ErrorTypeStore))
}

func TestExtractionFailed_UnwrapsCause(t *testing.T) {
	err := NewExtractionFailed("user:1", context.DeadlineExceeded)

	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "[extraction]")
	assert.Equal(t, "user:1", err.ContextID)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable llm", NewAgentLLMFailed("m", 3, true, nil), true},
		{"non-retryable llm", NewAgentLLMFailed("m", 3, false, nil), false},
		{"timeout", NewContextTimeout("extract", time.Second), false},
		{"graph", NewGraphQueryFailed("MATCH", nil), true},
		{"revision", NewRevisionFailed("text", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
