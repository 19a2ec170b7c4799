package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is built once at startup and handed to constructors. Treat it as read-only.
type Config struct {
	App         AppConfig        `mapstructure:"app"`
	Server      ServerConfig     `mapstructure:"server"`
	OpenRouter  OpenRouterConfig `mapstructure:"openrouter"`
	Recognition StageConfig      `mapstructure:"recognition"`
	Gate        GateConfig       `mapstructure:"gate"`
	Pipeline    PipelineConfig   `mapstructure:"pipeline"`
	Auth        AuthConfig       `mapstructure:"auth"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker     BreakerConfig    `mapstructure:"breaker"`
	Image       ImageConfig      `mapstructure:"image"`
	Compat      CompatConfig     `mapstructure:"compat"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	DedupWindow time.Duration    `mapstructure:"dedup_window" validate:"gte=0"`
	LogLevel    string           `mapstructure:"log_level" validate:"oneof=debug info warn error fatal"`
	LogFormat   string           `mapstructure:"log_format" validate:"oneof=json console"`
}

// AppConfig application metadata
type AppConfig struct {
	Env     string `mapstructure:"env"`
	Debug   bool   `mapstructure:"debug"`
	Version string `mapstructure:"version"`
	Name    string `mapstructure:"name" validate:"required"`
}

// ServerConfig HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
}

// OpenRouterConfig upstream provider settings
type OpenRouterConfig struct {
	APIKey      string `mapstructure:"api_key" validate:"required"`
	BaseURL     string `mapstructure:"base_url" validate:"required,url"`
	Model       string `mapstructure:"model" validate:"required"`
	GateModel   string `mapstructure:"gate_model"`
	Referer     string `mapstructure:"referer"`
	Title       string `mapstructure:"title"`
	ImageDetail string `mapstructure:"image_detail" validate:"oneof=low high auto"`
}

// StageConfig bounds one kind of upstream call.
type StageConfig struct {
	MaxTokens      int           `mapstructure:"max_tokens" validate:"gt=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	Temperature    float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// GateConfig food/non-food pre-check
type GateConfig struct {
	StageConfig `mapstructure:",squash"`
	Enabled     bool    `mapstructure:"enabled"`
	Threshold   float64 `mapstructure:"threshold" validate:"gte=0,lte=1"`
	Speculative bool    `mapstructure:"speculative"`
}

// PipelineConfig end-to-end recognition settings
type PipelineConfig struct {
	// Deadline is the response time promised to callers.
	Deadline       time.Duration `mapstructure:"deadline" validate:"gt=0"`
	DeadlineMargin time.Duration `mapstructure:"deadline_margin" validate:"gte=0"`
	Reasoning      bool          `mapstructure:"reasoning"`
	DefaultLocale  string        `mapstructure:"default_locale" validate:"oneof=ru en"`
}

// AuthConfig shared-secret auth; empty APIKey disables the check
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// RateLimitConfig per-client request limits
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Requests      int           `mapstructure:"requests" validate:"gt=0"`
	Window        time.Duration `mapstructure:"window" validate:"gt=0"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
}

// BreakerConfig circuit breaker on the recognition route
type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests" validate:"gt=0"`
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gt=0,lte=1"`
	MinRequests  uint32        `mapstructure:"min_requests" validate:"gt=0"`
}

// ImageConfig upload limits
type ImageConfig struct {
	MaxSizeBytes int64 `mapstructure:"max_size_bytes" validate:"gt=0"`
	// MaxPixels caps width x height before pixel data is decoded.
	MaxPixels int64 `mapstructure:"max_pixels" validate:"gt=0"`
}

// CompatConfig response shape switches for older clients
type CompatConfig struct {
	FailuresAsOK       bool `mapstructure:"failures_as_ok"`
	LegacyFieldAliases bool `mapstructure:"legacy_field_aliases"`
}

// MetricsConfig Prometheus exposition
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required"`
	Path      string `mapstructure:"path" validate:"required,startswith=/"`
}

// LoadConfig reads defaults, the optional .env file and APP_* environment variables.
func LoadConfig() (*Config, error) {
	// .env is optional; real deployments pass plain environment variables
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"openrouter.api_key":    "OPENROUTER_API_KEY",
		"openrouter.base_url":   "OPENROUTER_BASE_URL",
		"openrouter.model":      "OPENROUTER_MODEL",
		"openrouter.gate_model": "OPENROUTER_GATE_MODEL",
		"auth.api_key":          "API_PROXY_SECRET",
		"rate_limit.redis_addr": "REDIS_ADDR",
		"dedup_window":          "DEDUP_WINDOW",
		"log_level":             "LOG_LEVEL",
		"log_format":            "LOG_FORMAT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, "APP_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MaskAPIKey keeps four characters on each side.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.name", "nutrition-proxy")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini")
	v.SetDefault("openrouter.gate_model", "")
	v.SetDefault("openrouter.referer", "https://nutrition-proxy.local")
	v.SetDefault("openrouter.title", "Nutrition Proxy")
	v.SetDefault("openrouter.image_detail", "low")

	v.SetDefault("recognition.max_tokens", 2000)
	v.SetDefault("recognition.timeout", "12s")
	v.SetDefault("recognition.connect_timeout", "3s")
	v.SetDefault("recognition.max_attempts", 3)
	v.SetDefault("recognition.backoff_base", "1s")
	v.SetDefault("recognition.backoff_max", "10s")
	v.SetDefault("recognition.temperature", 0.0)

	v.SetDefault("gate.enabled", true)
	v.SetDefault("gate.threshold", 0.55)
	v.SetDefault("gate.speculative", false)
	v.SetDefault("gate.max_tokens", 200)
	v.SetDefault("gate.timeout", "6s")
	v.SetDefault("gate.connect_timeout", "3s")
	v.SetDefault("gate.max_attempts", 1)
	v.SetDefault("gate.backoff_base", "0s")
	v.SetDefault("gate.backoff_max", "0s")
	v.SetDefault("gate.temperature", 0.0)

	v.SetDefault("pipeline.deadline", "55s")
	v.SetDefault("pipeline.deadline_margin", "5s")
	v.SetDefault("pipeline.reasoning", false)
	v.SetDefault("pipeline.default_locale", "ru")

	v.SetDefault("auth.api_key", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis_addr", "")
	v.SetDefault("rate_limit.redis_password", "")
	v.SetDefault("rate_limit.redis_db", 0)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.failure_ratio", 0.8)
	v.SetDefault("breaker.min_requests", 10)

	v.SetDefault("image.max_size_bytes", 5*1024*1024)
	v.SetDefault("image.max_pixels", 25_000_000)

	v.SetDefault("compat.failures_as_ok", false)
	v.SetDefault("compat.legacy_field_aliases", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "nutrition_proxy")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("dedup_window", "1s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Validate checks field constraints and the latency budget.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	worst := c.WorstCaseLatency()
	allowed := c.Pipeline.Deadline - c.Pipeline.DeadlineMargin
	if worst > allowed {
		return fmt.Errorf("worst-case latency %s (gate %s, recognition %s) exceeds deadline %s minus margin %s",
			worst, c.gateBudget(), c.Recognition.Budget(), c.Pipeline.Deadline, c.Pipeline.DeadlineMargin)
	}

	if c.Server.WriteTimeout <= c.Pipeline.Deadline {
		return fmt.Errorf("server write timeout %s must exceed pipeline deadline %s",
			c.Server.WriteTimeout, c.Pipeline.Deadline)
	}

	return nil
}

// GateModel falls back to the recognition model.
func (c *Config) GateModel() string {
	if c.OpenRouter.GateModel != "" {
		return c.OpenRouter.GateModel
	}
	return c.OpenRouter.Model
}

// WorstCaseLatency is the longest a single request can spend upstream.
func (c *Config) WorstCaseLatency() time.Duration {
	rec := c.Recognition.Budget()
	gate := c.gateBudget()
	if c.Gate.Enabled && c.Gate.Speculative {
		return max(gate, rec)
	}
	return gate + rec
}

func (c *Config) gateBudget() time.Duration {
	if !c.Gate.Enabled {
		return 0
	}
	return c.Gate.Budget()
}

// Budget is attempts times the per-attempt timeout plus every backoff pause.
func (s StageConfig) Budget() time.Duration {
	total := time.Duration(s.MaxAttempts) * s.Timeout
	for _, d := range s.BackoffSchedule() {
		total += d
	}
	return total
}

// BackoffSchedule lists the pauses between attempts: base, 2*base, 4*base... capped at BackoffMax.
func (s StageConfig) BackoffSchedule() []time.Duration {
	if s.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, s.MaxAttempts-1)
	d := s.BackoffBase
	for i := 1; i < s.MaxAttempts; i++ {
		if s.BackoffMax > 0 && d > s.BackoffMax {
			d = s.BackoffMax
		}
		delays = append(delays, d)
		d *= 2
	}
	return delays
}
