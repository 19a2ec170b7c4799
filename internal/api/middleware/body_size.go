package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/pkg/common"
)

// BodySizeLimit rejects declared oversize bodies up front and caps the rest
// with http.MaxBytesReader.
func BodySizeLimit(maxSize int64, r *render.Renderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			common.LogWarn("Request body too large",
				zap.Int64("content_length", c.Request.ContentLength),
				zap.Int64("max_size", maxSize),
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
				zap.String("trace_id", render.TraceID(c)),
			)
			r.Kind(c, common.KindImageTooLarge)
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
