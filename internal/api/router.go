package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nutrition-proxy/internal/api/handlers/health"
	"nutrition-proxy/internal/api/handlers/recognition"
	"nutrition-proxy/internal/api/middleware"
	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/core/image"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/infrastructure/metrics"
	"nutrition-proxy/internal/pkg/common"
)

// RecognizePath is the recognition endpoint.
const RecognizePath = "/api/v1/ai/recognize-food"

// multipartSlack covers form boundaries and text fields around the image.
const multipartSlack = 64 << 10

// Dependencies are the services the router exposes.
type Dependencies struct {
	Recognizer recognition.Recognizer
	Images     *image.Service
	Renderer   *render.Renderer
	Limiter    middleware.Limiter
	Metrics    *metrics.Collector
	Checks     map[string]health.Checker
}

// SetupRouter builds the gin engine.
func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(requestid.New(requestid.WithGenerator(common.GenerateUUID)))
	router.Use(middleware.TraceContext())
	router.Use(middleware.Logger())
	if cfg.Metrics.Enabled {
		router.Use(middleware.Metrics(deps.Metrics))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Accept-Language", "X-Request-ID", middleware.APIKeyHeader},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	gateModel := ""
	if cfg.Gate.Enabled {
		gateModel = cfg.GateModel()
	}
	healthHandler := health.NewHandler(cfg.App.Version, cfg.OpenRouter.Model, gateModel, deps.Checks)
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/ready", healthHandler.ReadinessCheck)
	router.GET("/live", healthHandler.LivenessCheck)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(deps.Metrics.Handler()))
	}

	// base64 inflates the image by 4/3
	maxBody := cfg.Image.MaxSizeBytes*4/3 + multipartSlack

	chain := []gin.HandlerFunc{middleware.APIKeyAuth(cfg.Auth.APIKey, deps.Renderer)}
	if cfg.RateLimit.Enabled && deps.Limiter != nil {
		chain = append(chain, middleware.RateLimit(deps.Limiter, cfg.RateLimit.Window, deps.Renderer))
	}
	chain = append(chain, middleware.BodySizeLimit(maxBody, deps.Renderer))
	if cfg.DedupWindow > 0 {
		chain = append(chain, middleware.Deduplication(middleware.NewDeduplicator(cfg.DedupWindow), deps.Renderer))
	}
	if cfg.Breaker.Enabled {
		cb := middleware.NewCircuitBreaker("recognition", cfg.Breaker)
		chain = append(chain, middleware.CircuitBreaker(cb, deps.Renderer))
	}
	chain = append(chain, middleware.Timeout(cfg.Pipeline.Deadline))

	recognize := recognition.NewHandler(deps.Recognizer, deps.Images, deps.Renderer)
	router.POST(RecognizePath, append(chain, recognize.Recognize)...)

	common.LogInfo("Router setup completed",
		zap.Bool("debug_mode", cfg.App.Debug),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Env),
		zap.String("model", cfg.OpenRouter.Model),
		zap.String("gate_model", gateModel),
		zap.Bool("auth_enabled", cfg.Auth.APIKey != ""),
		zap.Bool("rate_limit_enabled", cfg.RateLimit.Enabled),
		zap.Bool("breaker_enabled", cfg.Breaker.Enabled),
		zap.Int64("max_body_size", maxBody),
		zap.Duration("deadline", cfg.Pipeline.Deadline),
	)

	return router
}
