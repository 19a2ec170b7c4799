package openrouter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"nutrition-proxy/internal/core/ai/provider"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/infrastructure/metrics"
	"nutrition-proxy/internal/pkg/common"
)

const (
	completionsPath = "/chat/completions"
	bodyPreviewSize = 200
)

// Stage names the two kinds of upstream call.
type Stage string

const (
	StageRecognition Stage = "recognition"
	StageGate        Stage = "gate"
)

// Client OpenRouter chat/completions client for one stage
type Client struct {
	http        *resty.Client
	stage       Stage
	model       string
	stageCfg    config.StageConfig
	imageDetail string
	logger      *zap.Logger
	metrics     *metrics.Collector
}

var _ provider.Provider = (*Client)(nil)

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Provider       *routing        `json:"provider,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// routing restricts OpenRouter to providers that honor every request parameter.
type routing struct {
	RequireParameters bool `json:"require_parameters"`
}

// NewClient creates the client for one stage. Gate calls use the gate model and
// the gate timeouts; recognition calls use the main model.
func NewClient(cfg *config.Config, stage Stage, logger *zap.Logger, collector *metrics.Collector) *Client {
	model := cfg.OpenRouter.Model
	stageCfg := cfg.Recognition
	if stage == StageGate {
		model = cfg.GateModel()
		stageCfg = cfg.Gate.StageConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   stageCfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   stageCfg.ConnectTimeout,
		ResponseHeaderTimeout: stageCfg.Timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetBaseURL(cfg.OpenRouter.BaseURL).
		SetLogger(logger.Sugar()).
		SetHeader("Authorization", fmt.Sprintf("Bearer %s", cfg.OpenRouter.APIKey))
	if cfg.OpenRouter.Referer != "" {
		client.SetHeader("HTTP-Referer", cfg.OpenRouter.Referer)
	}
	if cfg.OpenRouter.Title != "" {
		client.SetHeader("X-Title", cfg.OpenRouter.Title)
	}

	return &Client{
		http:        client,
		stage:       stage,
		model:       model,
		stageCfg:    stageCfg,
		imageDetail: cfg.OpenRouter.ImageDetail,
		logger:      logger.With(zap.String("stage", string(stage)), zap.String("model", model)),
		metrics:     collector,
	}
}

// GetModel returns the model this client sends requests to.
func (c *Client) GetModel() string {
	return c.model
}

// Generate sends the request, retrying retryable failures with exponential
// backoff. It returns *provider.Error when no attempt produced content.
func (c *Client) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body := c.buildRequest(req)
	traceID := common.TraceIDFrom(ctx)
	started := time.Now()

	var (
		attempts int
		last     *attemptError
	)
	operation := func() (*provider.Response, error) {
		attempts++
		resp, aerr := c.attempt(ctx, body, attempts, traceID)
		if aerr == nil {
			return resp, nil
		}
		last = aerr
		if !aerr.retryable {
			return nil, backoff.Permanent(aerr)
		}
		return nil, aerr
	}

	policy := &deadlineBackOff{BackOff: newBackOff(c.stageCfg), ctx: ctx}
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.stageCfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Retrying upstream call",
				zap.String("trace_id", traceID),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		resp.Attempts = attempts
		return resp, nil
	}

	perr := &provider.Error{Attempts: attempts, Err: err}
	if last != nil {
		perr.Timeout = last.timeout
		perr.Terminal = !last.retryable && last.class != provider.ClassContextCancelled
		perr.Status = last.status
		perr.Detail = last.detail
		perr.Class = last.class
	} else {
		perr.Detail = err.Error()
		perr.Class = provider.ClassTransport
	}
	if ctx.Err() != nil || policy.stopped {
		perr.Timeout = true
		perr.Terminal = false
		if policy.stopped {
			perr.Detail = "deadline leaves no room for another attempt; last: " + perr.Detail
		}
	}

	c.logger.Warn("Upstream call failed",
		zap.String("trace_id", traceID),
		zap.Int("attempts", attempts),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("outcome", perr.Class),
		zap.Int("status", perr.Status),
		zap.Bool("timeout", perr.Timeout),
		zap.Bool("terminal", perr.Terminal),
	)
	return nil, perr
}

// attempt performs one HTTP exchange under its own timeout.
func (c *Client) attempt(ctx context.Context, body *chatRequest, n int, traceID string) (*provider.Response, *attemptError) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.stageCfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.http.R().
		SetContext(attemptCtx).
		SetBody(body).
		Post(completionsPath)
	elapsed := time.Since(started)

	var (
		content string
		aerr    *attemptError
	)
	if err != nil {
		aerr = classifyTransport(ctx, err)
	} else {
		content, aerr = classifyResponse(resp)
	}

	fields := []zap.Field{
		zap.String("trace_id", traceID),
		zap.Int("attempt", n),
		zap.Int("max_attempts", c.stageCfg.MaxAttempts),
		zap.Duration("elapsed", elapsed),
	}
	if resp != nil && resp.RawResponse != nil {
		fields = append(fields, zap.Int("status", resp.StatusCode()))
	}

	if aerr != nil {
		c.metrics.ObserveAttempt(string(c.stage), aerr.class, elapsed)
		c.logger.Warn("Upstream attempt failed", append(fields,
			zap.String("outcome", aerr.class),
			zap.Bool("retryable", aerr.retryable),
			zap.String("detail", common.Preview(aerr.detail, bodyPreviewSize)),
		)...)
		return nil, aerr
	}

	c.metrics.ObserveAttempt(string(c.stage), provider.ClassSuccess, elapsed)

	envelope := gjson.ParseBytes(resp.Body())
	out := &provider.Response{
		Content: content,
		Model:   envelope.Get("model").String(),
		Usage: provider.Usage{
			PromptTokens:     int(envelope.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(envelope.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(envelope.Get("usage.total_tokens").Int()),
		},
	}
	if out.Model == "" {
		out.Model = c.model
	}

	c.logger.Info("Upstream attempt succeeded", append(fields,
		zap.String("outcome", provider.ClassSuccess),
		zap.Int("content_length", len(content)),
		zap.String("finish_reason", envelope.Get("choices.0.finish_reason").String()),
		zap.Int("total_tokens", out.Usage.TotalTokens),
	)...)
	return out, nil
}

func (c *Client) buildRequest(req *provider.Request) *chatRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.stageCfg.MaxTokens
	}

	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	if req.ImageURL != "" {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: req.ImageURL, Detail: c.imageDetail},
		})
	}

	body := &chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		MaxTokens:   maxTokens,
		Temperature: c.stageCfg.Temperature,
		TopP:        1,
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
		body.Provider = &routing{RequireParameters: true}
	}
	return body
}

var imageDataPattern = regexp.MustCompile(`data:image/[^"\s]*`)

// sanitizeBody strips inline image data and bounds the size of a body for logs.
func sanitizeBody(body []byte) string {
	return common.Preview(imageDataPattern.ReplaceAllString(string(body), "[IMAGE_DATA_REMOVED]"), bodyPreviewSize)
}
