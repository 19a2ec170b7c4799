package openrouter

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"nutrition-proxy/internal/core/ai/provider"
	"nutrition-proxy/internal/infrastructure/config"
)

// newBackOff returns the deterministic doubling schedule of a stage:
// base, 2*base, 4*base... capped at BackoffMax (0 means uncapped).
func newBackOff(sc config.StageConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sc.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = sc.BackoffMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()
	return b
}

// deadlineBackOff stops the retry loop when the caller's deadline would expire
// during the next pause. A retry that cannot finish is not worth starting.
type deadlineBackOff struct {
	backoff.BackOff
	ctx     context.Context
	stopped bool
}

func (d *deadlineBackOff) NextBackOff() time.Duration {
	next := d.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if deadline, ok := d.ctx.Deadline(); ok && time.Until(deadline) <= next {
		d.stopped = true
		return backoff.Stop
	}
	return next
}

// attemptError is the classified failure of one attempt.
type attemptError struct {
	class     string
	status    int
	detail    string
	timeout   bool
	retryable bool
	err       error
}

func (e *attemptError) Error() string {
	return e.class + ": " + e.detail
}

func (e *attemptError) Unwrap() error {
	return e.err
}

// retryableStatus: request timeout, rate limiting and every 5xx.
func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

func timeoutStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout
}

// classifyTransport handles attempts that produced no HTTP response.
func classifyTransport(callerCtx context.Context, err error) *attemptError {
	if callerCtx.Err() != nil {
		return &attemptError{
			class:   provider.ClassContextCancelled,
			detail:  "request cancelled: " + context.Cause(callerCtx).Error(),
			timeout: true,
			err:     err,
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &attemptError{
			class:     provider.ClassTimeout,
			detail:    "attempt timed out",
			timeout:   true,
			retryable: true,
			err:       err,
		}
	}

	return &attemptError{
		class:     provider.ClassTransport,
		detail:    err.Error(),
		retryable: true,
		err:       err,
	}
}

// classifyResponse turns an HTTP response into content or a classified failure.
func classifyResponse(resp *resty.Response) (string, *attemptError) {
	body := resp.Body()
	status := resp.StatusCode()

	if status < 200 || status > 299 {
		detail := gjson.GetBytes(body, "error.message").String()
		if detail == "" {
			detail = sanitizeBody(body)
		}
		class := provider.ClassTerminalStatus
		if retryableStatus(status) {
			class = provider.ClassRetryableStatus
		}
		return "", &attemptError{
			class:     class,
			status:    status,
			detail:    detail,
			timeout:   timeoutStatus(status),
			retryable: retryableStatus(status),
		}
	}

	if !gjson.ValidBytes(body) {
		return "", &attemptError{
			class:     provider.ClassInvalidEnvelope,
			status:    status,
			detail:    "response is not JSON: " + sanitizeBody(body),
			retryable: true,
		}
	}

	envelope := gjson.ParseBytes(body)

	// OpenRouter reports some upstream failures inside a 200 body.
	for _, path := range []string{"error", "choices.0.error"} {
		if embedded := envelope.Get(path); embedded.Exists() && embedded.Type != gjson.Null {
			code := int(embedded.Get("code").Int())
			retryable := code == 0 || retryableStatus(code)
			return "", &attemptError{
				class:     provider.ClassEmbeddedError,
				status:    code,
				detail:    embedded.Get("message").String(),
				timeout:   timeoutStatus(code),
				retryable: retryable,
			}
		}
	}

	choice := envelope.Get("choices.0")
	if !choice.Exists() {
		return "", &attemptError{
			class:     provider.ClassInvalidEnvelope,
			status:    status,
			detail:    "response has no choices",
			retryable: true,
		}
	}

	return messageText(choice.Get("message.content")), nil
}

// messageText accepts both a plain string and an array of content parts.
func messageText(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var text string
	for _, part := range content.Array() {
		if t := part.Get("text"); t.Exists() {
			text += t.String()
		}
	}
	return text
}
