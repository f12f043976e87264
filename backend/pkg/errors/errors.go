package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeExtraction represents failures of the extraction capability
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeResolution represents failures while resolving a single mention
	ErrorTypeResolution ErrorType = "resolution"
	// ErrorTypeRevision represents failures while comparing against existing propositions
	ErrorTypeRevision ErrorType = "revision"
	// ErrorTypeStore represents persistence errors
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeAgent represents LLM transport errors
	ErrorTypeAgent ErrorType = "agent"
	// ErrorTypeGraph represents graph database errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Pipeline Errors

// ErrExtractionFailed is returned when the extraction capability errors or
// produces output that cannot be parsed against the schema.
type ErrExtractionFailed struct {
	*BaseError
	ContextID string
}

func NewExtractionFailed(contextID string, err error) *ErrExtractionFailed {
	return &ErrExtractionFailed{
		BaseError: NewBaseError(ErrorTypeExtraction, fmt.Sprintf("extraction failed for context %s", contextID), err),
		ContextID: contextID,
	}
}

// ErrResolutionFailed is returned when a resolver stage errors for one mention
type ErrResolutionFailed struct {
	*BaseError
	Span  string
	Stage string
}

func NewResolutionFailed(span, stage string, err error) *ErrResolutionFailed {
	return &ErrResolutionFailed{
		BaseError: NewBaseError(ErrorTypeResolution, fmt.Sprintf("resolution of %q failed at %s", span, stage), err),
		Span:      span,
		Stage:     stage,
	}
}

// ErrRevisionFailed is returned when a revision comparison cannot be completed
type ErrRevisionFailed struct {
	*BaseError
	Text string
}

func NewRevisionFailed(text string, err error) *ErrRevisionFailed {
	return &ErrRevisionFailed{
		BaseError: NewBaseError(ErrorTypeRevision, "revision comparison failed", err),
		Text:      text,
	}
}

// ErrStoreFailed is returned when a store operation fails
type ErrStoreFailed struct {
	*BaseError
	Operation string
}

func NewStoreFailed(operation string, err error) *ErrStoreFailed {
	return &ErrStoreFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("store operation failed: %s", operation), err),
		Operation: operation,
	}
}

// Agent Errors

// ErrAgentLLMFailed is returned when LLM request fails
type ErrAgentLLMFailed struct {
	*BaseError
	Model     string
	Attempts  int
	Retryable bool
}

func NewAgentLLMFailed(model string, attempts int, retryable bool, err error) *ErrAgentLLMFailed {
	return &ErrAgentLLMFailed{
		BaseError: NewBaseError(ErrorTypeAgent, fmt.Sprintf("LLM request failed after %d attempts", attempts), err),
		Model:     model,
		Attempts:  attempts,
		Retryable: retryable,
	}
}

// ErrAgentNoResponse is returned when LLM returns no response
var ErrAgentNoResponse = NewBaseError(ErrorTypeAgent, "no response from LLM", nil)

// ErrAgentMalformedResponse is returned when the LLM reply is not the JSON we asked for
type ErrAgentMalformedResponse struct {
	*BaseError
	Content string
}

func NewAgentMalformedResponse(content string, err error) *ErrAgentMalformedResponse {
	return &ErrAgentMalformedResponse{
		BaseError: NewBaseError(ErrorTypeAgent, "malformed LLM response", err),
		Content:   content,
	}
}

// Graph Errors

// ErrGraphConnectionFailed is returned when Neo4j connection fails
type ErrGraphConnectionFailed struct {
	*BaseError
	URI string
}

func NewGraphConnectionFailed(uri string, err error) *ErrGraphConnectionFailed {
	return &ErrGraphConnectionFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("failed to connect to Neo4j: %s", uri), err),
		URI:       uri,
	}
}

// ErrGraphQueryFailed is returned when a graph query fails
type ErrGraphQueryFailed struct {
	*BaseError
	Query string
}

func NewGraphQueryFailed(query string, err error) *ErrGraphQueryFailed {
	return &ErrGraphQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("query failed: %s", query), err),
		Query:     query,
	}
}

// Context Errors

// ErrContextTimeout is returned when a bounded pipeline stage runs out of time
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), nil),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// typed is satisfied by every error in this package through the embedded BaseError.
type typed interface {
	error
	errorType() ErrorType
}

func (e *BaseError) errorType() ErrorType { return e.Type }

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if t, ok := err.(typed); ok && t.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	var llmErr *ErrAgentLLMFailed
	if stderrors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	// Graph connection errors are retryable
	return IsErrorType(err, ErrorTypeGraph)
}
