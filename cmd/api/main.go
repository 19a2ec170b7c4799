package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"nutrition-proxy/internal/api"
	"nutrition-proxy/internal/api/handlers/health"
	"nutrition-proxy/internal/api/middleware"
	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/core/ai/extract"
	"nutrition-proxy/internal/core/ai/openrouter"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/image"
	"nutrition-proxy/internal/core/nutrition"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/infrastructure/metrics"
	"nutrition-proxy/internal/pkg/common"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.InitLogger(cfg.LogLevel, cfg.LogFormat, cfg.App.Name)
	defer common.Sync()

	common.LogInfo("Configuration loaded",
		zap.String("openrouter_api_key", config.MaskAPIKey(cfg.OpenRouter.APIKey)),
		zap.String("model", cfg.OpenRouter.Model),
		zap.String("gate_model", cfg.GateModel()),
		zap.Bool("gate_enabled", cfg.Gate.Enabled),
		zap.Bool("gate_speculative", cfg.Gate.Speculative),
		zap.Duration("worst_case_latency", cfg.WorstCaseLatency()),
		zap.Duration("deadline", cfg.Pipeline.Deadline),
	)

	defaultLocale := prompt.Locale(cfg.Pipeline.DefaultLocale)
	builder, err := prompt.NewBuilder(defaultLocale)
	if err != nil {
		common.LogFatal("Failed to load prompt catalogue", zap.Error(err))
	}
	catalog, err := nutrition.NewCatalog(defaultLocale)
	if err != nil {
		common.LogFatal("Failed to load message catalogue", zap.Error(err))
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	recognizer := openrouter.NewClient(cfg, openrouter.StageRecognition, logger, collector)
	var gate *nutrition.Gate
	if cfg.Gate.Enabled {
		gateClient := openrouter.NewClient(cfg, openrouter.StageGate, logger, collector)
		gate = nutrition.NewGate(gateClient, builder, extract.New(""), cfg.Gate.MaxTokens)
	}

	svc := nutrition.NewService(
		recognizer,
		gate,
		builder,
		extract.New(prompt.FinalAnswerMarker),
		catalog,
		nutrition.OptionsFromConfig(cfg),
		logger,
		collector,
	)

	checks := map[string]health.Checker{}
	var limiter middleware.Limiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewLimiter(cfg.RateLimit)
		if rl, ok := limiter.(*middleware.RedisLimiter); ok {
			checks["redis"] = rl
			defer rl.Close()
		}
	}

	router := api.SetupRouter(cfg, api.Dependencies{
		Recognizer: svc,
		Images:     image.NewService(cfg.Image.MaxSizeBytes, cfg.Image.MaxPixels),
		Renderer:   render.NewRenderer(catalog, cfg.Compat, defaultLocale),
		Limiter:    limiter,
		Metrics:    collector,
		Checks:     checks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		common.LogInfo("Starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", cfg.App.Version),
			zap.String("env", cfg.App.Env),
			zap.Bool("debug", cfg.App.Debug),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.LogFatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	common.LogInfo("Shutting down server...")

	// in-flight recognitions may run up to the pipeline deadline
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.Deadline+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		common.LogError("Server forced to shutdown", zap.Error(err))
		os.Exit(1)
	}

	common.LogInfo("Server exited")
}
