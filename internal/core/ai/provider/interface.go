package provider

import (
	"context"
	"fmt"
)

// Request is one multimodal call: instruction text plus a single image.
type Request struct {
	Prompt string
	// ImageURL is a data URI (data:image/jpeg;base64,...) or a plain URL.
	ImageURL  string
	MaxTokens int
	// JSONMode asks the provider for native JSON output.
	JSONMode bool
}

// Usage token accounting reported by the provider
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the untrusted model text plus call metadata.
type Response struct {
	Content  string
	Model    string
	Usage    Usage
	Attempts int
}

// Provider delivers one request to a model, retrying per its own policy.
type Provider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	GetModel() string
}

// Classification of a failed attempt, used for logs and metrics.
const (
	ClassSuccess          = "success"
	ClassTimeout          = "timeout"
	ClassTransport        = "transport_error"
	ClassRetryableStatus  = "retryable_status"
	ClassTerminalStatus   = "terminal_status"
	ClassInvalidEnvelope  = "invalid_envelope"
	ClassEmbeddedError    = "embedded_error"
	ClassContextCancelled = "cancelled"
)

// Error is the final outcome of a Generate call that produced no content.
type Error struct {
	// Timeout is set when the last failure was a timeout or the caller's deadline.
	Timeout bool
	// Terminal is set when the provider rejected the request (4xx other than 408/429).
	Terminal bool
	// Status is the last HTTP status seen, 0 when none.
	Status   int
	Detail   string
	Attempts int
	Class    string
	Err      error
}

func (e *Error) Error() string {
	kind := "upstream error"
	if e.Timeout {
		kind = "upstream timeout"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s after %d attempt(s): status %d: %s", kind, e.Attempts, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s after %d attempt(s): %s", kind, e.Attempts, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may repeat the request later.
func (e *Error) Retryable() bool {
	return !e.Terminal
}
