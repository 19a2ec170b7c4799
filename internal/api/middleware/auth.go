package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/pkg/common"
)

// APIKeyHeader carries the shared secret.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth requires X-API-Key to equal key. An empty key disables the check.
func APIKeyAuth(key string, r *render.Renderer) gin.HandlerFunc {
	expected := []byte(key)
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(APIKeyHeader)), expected) != 1 {
			common.LogWarn("Rejected request with invalid API key",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
				zap.String("trace_id", render.TraceID(c)),
			)
			r.Error(c, common.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
