package middleware

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/pkg/common"
)

var errUpstreamFailure = errors.New("upstream failure")

// NewCircuitBreaker builds the breaker guarding the recognition route.
func NewCircuitBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			common.LogWarn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// CircuitBreaker counts UPSTREAM_ERROR and UPSTREAM_TIMEOUT answers against
// cb. While open it answers UPSTREAM_ERROR without calling the model.
func CircuitBreaker(cb *gobreaker.CircuitBreaker, r *render.Renderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := cb.Execute(func() (any, error) {
			c.Next()
			if kind, ok := render.FailureKind(c); ok && kind.Upstream() {
				return nil, fmt.Errorf("%w: %s", errUpstreamFailure, kind)
			}
			return nil, nil
		})

		switch {
		case err == nil, errors.Is(err, errUpstreamFailure):
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			common.LogWarn("Circuit breaker rejected request",
				zap.String("name", cb.Name()),
				zap.String("state", cb.State().String()),
				zap.String("trace_id", render.TraceID(c)),
			)
			r.Kind(c, common.KindUpstreamError)
		default:
			common.LogError("Circuit breaker error", zap.Error(err), zap.String("trace_id", render.TraceID(c)))
		}
	}
}
