package common

import (
	"net/http"
)

// ErrorResponse body for errors outside the recognition taxonomy (auth, routing)
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CustomError carries a code, a client-safe message and the HTTP status.
type CustomError struct {
	Code    string
	Message string
	Err     error
	Status  int
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

// Kind reads Code as a recognition error kind.
func (e *CustomError) Kind() ErrorKind {
	return ErrorKind(e.Code)
}

// NewError creates a CustomError.
func NewError(code string, message string, status int, err error) *CustomError {
	return &CustomError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// NewKindError creates a CustomError for one of the recognition error kinds.
func NewKindError(kind ErrorKind, message string, err error) *CustomError {
	return NewError(string(kind), message, kind.HTTPStatus(), err)
}

// ErrorKind is the caller-facing failure taxonomy. Each kind maps to one remedy.
type ErrorKind string

const (
	KindUnsupportedContent     ErrorKind = "UNSUPPORTED_CONTENT"
	KindEmptyResult            ErrorKind = "EMPTY_RESULT"
	KindInvalidImage           ErrorKind = "INVALID_IMAGE"
	KindUnsupportedImageFormat ErrorKind = "UNSUPPORTED_IMAGE_FORMAT"
	KindImageTooLarge          ErrorKind = "IMAGE_TOO_LARGE"
	KindUpstreamError          ErrorKind = "UPSTREAM_ERROR"
	KindUpstreamTimeout        ErrorKind = "UPSTREAM_TIMEOUT"
	KindMalformedResponse      ErrorKind = "MALFORMED_RESPONSE"
	KindRateLimited            ErrorKind = "RATE_LIMITED"
)

// Action is a remedy the client can offer the user.
type Action string

const (
	ActionRetake      Action = "retake"
	ActionRetry       Action = "retry"
	ActionManualEntry Action = "manual_entry"
)

type kindSpec struct {
	status    int
	retryable bool
	actions   []Action
}

var kindSpecs = map[ErrorKind]kindSpec{
	KindUnsupportedContent:     {http.StatusUnprocessableEntity, false, []Action{ActionRetake, ActionManualEntry}},
	KindEmptyResult:            {http.StatusUnprocessableEntity, true, []Action{ActionRetake, ActionManualEntry}},
	KindInvalidImage:           {http.StatusBadRequest, false, []Action{ActionRetake}},
	KindUnsupportedImageFormat: {http.StatusUnsupportedMediaType, false, []Action{ActionRetake}},
	KindImageTooLarge:          {http.StatusRequestEntityTooLarge, false, []Action{ActionRetake}},
	KindUpstreamError:          {http.StatusBadGateway, true, []Action{ActionRetry, ActionManualEntry}},
	KindUpstreamTimeout:        {http.StatusGatewayTimeout, true, []Action{ActionRetry, ActionManualEntry}},
	KindMalformedResponse:      {http.StatusBadGateway, true, []Action{ActionRetry, ActionManualEntry}},
	KindRateLimited:            {http.StatusTooManyRequests, true, []Action{ActionRetry}},
}

// Kinds lists every error kind in a stable order.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindUnsupportedContent,
		KindEmptyResult,
		KindInvalidImage,
		KindUnsupportedImageFormat,
		KindImageTooLarge,
		KindUpstreamError,
		KindUpstreamTimeout,
		KindMalformedResponse,
		KindRateLimited,
	}
}

// Valid reports whether k is a known kind.
func (k ErrorKind) Valid() bool {
	_, ok := kindSpecs[k]
	return ok
}

// HTTPStatus native status code; unknown kinds map to 500.
func (k ErrorKind) HTTPStatus() int {
	if spec, ok := kindSpecs[k]; ok {
		return spec.status
	}
	return http.StatusInternalServerError
}

// Retryable whether the same request may succeed later.
func (k ErrorKind) Retryable() bool {
	return kindSpecs[k].retryable
}

// Actions suggested remedies; the slice is a copy.
func (k ErrorKind) Actions() []Action {
	spec := kindSpecs[k]
	out := make([]Action, len(spec.actions))
	copy(out, spec.actions)
	return out
}

// Upstream reports whether the kind blames the model provider.
func (k ErrorKind) Upstream() bool {
	return k == KindUpstreamError || k == KindUpstreamTimeout
}

// Error codes outside the taxonomy
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

var (
	ErrInvalidRequest = NewError(ErrCodeInvalidRequest, "invalid request", http.StatusBadRequest, nil)
	ErrUnauthorized   = NewError(ErrCodeUnauthorized, "missing or invalid API key", http.StatusUnauthorized, nil)
	ErrNotFound       = NewError(ErrCodeNotFound, "resource not found", http.StatusNotFound, nil)
	ErrInternalError  = NewError(ErrCodeInternalError, "internal server error", http.StatusInternalServerError, nil)
)

// Response converts the error to its JSON body.
func (e *CustomError) Response() ErrorResponse {
	return ErrorResponse{Code: e.Code, Message: e.Message}
}
