package nutrition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nutrition-proxy/internal/core/ai/extract"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/ai/provider"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/infrastructure/metrics"
	"nutrition-proxy/internal/pkg/common"
)

// Gate outcomes as logged and counted.
const (
	GatePass     = "pass"
	GateReject   = "reject"
	GateError    = "gate_error"
	GateDisabled = "disabled"
)

var errGateRejected = errors.New("gate rejected image")

// Options tune the pipeline. Zero Threshold means DefaultGateThreshold.
type Options struct {
	// Deadline bounds the whole pipeline, 0 for none.
	Deadline    time.Duration
	Reasoning   bool
	GateEnabled bool
	Speculative bool
	Threshold   float64
	MaxTokens   int
}

// OptionsFromConfig derives pipeline options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Deadline:    cfg.Pipeline.Deadline - cfg.Pipeline.DeadlineMargin,
		Reasoning:   cfg.Pipeline.Reasoning,
		GateEnabled: cfg.Gate.Enabled,
		Speculative: cfg.Gate.Speculative,
		Threshold:   cfg.Gate.Threshold,
		MaxTokens:   cfg.Recognition.MaxTokens,
	}
}

// Service runs one photo through gate, recognition, parsing, normalization
// and validation. It keeps no per-request state and is safe for concurrent use.
type Service struct {
	recognizer provider.Provider
	gate       *Gate
	builder    *prompt.Builder
	extractor  *extract.Extractor
	normalizer *Normalizer
	catalog    *Catalog
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Collector
	tracer     trace.Tracer
}

// NewService wires the orchestrator. gate may be nil; collector may be nil.
func NewService(
	recognizer provider.Provider,
	gate *Gate,
	builder *prompt.Builder,
	extractor *extract.Extractor,
	catalog *Catalog,
	opts Options,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Service {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultGateThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		recognizer: recognizer,
		gate:       gate,
		builder:    builder,
		extractor:  extractor,
		normalizer: NewNormalizer(catalog),
		catalog:    catalog,
		opts:       opts,
		logger:     logger,
		metrics:    collector,
		tracer:     otel.Tracer("nutrition-proxy.nutrition"),
	}
}

// run is the state of one recognition.
type run struct {
	traceID string
	locale  prompt.Locale
	state   State
	gate    *GateDecision
	logger  *zap.Logger
}

// Recognize never returns an unclassified error: every path ends in an
// Outcome holding either a Success or a Failure.
func (s *Service) Recognize(ctx context.Context, req Request) (out *Outcome) {
	start := time.Now()

	traceID := req.TraceID
	if traceID == "" {
		traceID = common.TraceIDFrom(ctx)
	}
	if traceID == "" {
		traceID = common.GenerateUUID()
	}
	ctx = common.WithTraceID(ctx, traceID)

	r := &run{
		traceID: traceID,
		locale:  s.builder.Resolve(req.Locale),
		logger:  s.logger.With(zap.String("trace_id", traceID)),
	}

	ctx, span := s.tracer.Start(ctx, "nutrition.Recognize",
		trace.WithAttributes(
			attribute.String("trace_id", traceID),
			attribute.String("locale", string(r.locale)),
		),
	)
	defer span.End()

	if s.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Deadline)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			span.RecordError(fmt.Errorf("panic: %v", rec))
			out = s.fail(r, common.KindMalformedResponse, fmt.Sprintf("panic in %s: %v", r.state, rec))
		}
		out.Elapsed = time.Since(start)
		out.Gate = r.gate
		s.finish(span, r, out)
	}()

	return s.pipeline(ctx, r, req)
}

func (s *Service) pipeline(ctx context.Context, r *run, req Request) *Outcome {
	p := s.builder.Build(prompt.Input{
		Annotation: req.Annotation,
		Locale:     r.locale,
		Reasoning:  s.opts.Reasoning,
	})

	var (
		resp *provider.Response
		err  error
	)
	switch {
	case !s.gateOn():
		s.observeGate(r, GateDisabled, nil)
		r.state = StateRecognizing
		resp, err = s.callRecognizer(ctx, p, req.ImageURL)
	case s.opts.Speculative:
		var rejected bool
		resp, rejected, err = s.speculate(ctx, r, p, req.ImageURL)
		if rejected {
			return s.fail(r, common.KindUnsupportedContent, "gate rejected image")
		}
	default:
		r.state = StateGating
		if !s.admit(ctx, r, req.ImageURL) {
			return s.fail(r, common.KindUnsupportedContent, "gate rejected image")
		}
		r.state = StateRecognizing
		resp, err = s.callRecognizer(ctx, p, req.ImageURL)
	}

	if err != nil {
		return s.upstreamFailure(r, err)
	}
	r.logger.Debug("recognition answered",
		zap.String("model", resp.Model),
		zap.Int("attempts", resp.Attempts),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	r.state = StateParsing
	payload, err := s.extractor.Extract(resp.Content)
	if err != nil {
		return s.fail(r, common.KindMalformedResponse, err.Error())
	}

	r.state = StateNormalizing
	normalized := s.normalizer.Normalize(payload, r.locale)
	if normalized.Dropped > 0 {
		s.metrics.AddDroppedItems(normalized.Dropped)
		r.logger.Warn("dropped items without nutrition data", zap.Int("dropped", normalized.Dropped))
	}

	r.state = StateValidating
	if len(normalized.Items) == 0 {
		return s.fail(r, common.KindEmptyResult, "no usable items in model response")
	}

	r.state = StateDone
	return &Outcome{
		Success: &Success{
			Items: normalized.Items,
			Total: normalized.Total,
			Notes: normalized.CombinedNotes(),
		},
		TraceID: r.traceID,
		State:   StateDone,
	}
}

func (s *Service) gateOn() bool {
	return s.opts.GateEnabled && s.gate != nil
}

// admit runs the gate and reports whether recognition should go ahead.
// Gate failures admit.
func (s *Service) admit(ctx context.Context, r *run, imageURL string) bool {
	ctx, span := s.tracer.Start(ctx, "nutrition.Gate")
	defer span.End()

	decision, err := s.gate.Classify(ctx, imageURL, r.locale)
	if err != nil {
		span.RecordError(err)
		s.observeGate(r, GateError, err)
		return true
	}

	r.gate = decision
	span.SetAttributes(
		attribute.Bool("is_food", decision.IsFood),
		attribute.Float64("confidence", decision.Confidence),
		attribute.Bool("low_confidence", decision.LowConfidence(s.opts.Threshold)),
	)
	if !decision.Admits() {
		s.observeGate(r, GateReject, nil)
		return false
	}
	s.observeGate(r, GatePass, nil)
	return true
}

// speculate runs gate and recognition together. A rejection cancels the
// recognition call and its result is discarded.
func (s *Service) speculate(ctx context.Context, r *run, p prompt.Prompt, imageURL string) (resp *provider.Response, rejected bool, err error) {
	r.state = StateGating
	g, gctx := errgroup.WithContext(ctx)

	g.Go(guard(func() error {
		if !s.admit(gctx, r, imageURL) {
			return errGateRejected
		}
		return nil
	}))
	g.Go(guard(func() error {
		resp, err = s.callRecognizer(gctx, p, imageURL)
		return nil
	}))

	if waitErr := g.Wait(); waitErr != nil {
		if errors.Is(waitErr, errGateRejected) {
			return nil, true, nil
		}
		panic(waitErr)
	}
	r.state = StateRecognizing
	return resp, false, err
}

// guard turns a panic in an errgroup goroutine into an error so the caller
// can re-raise it on its own stack.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn()
	}
}

func (s *Service) callRecognizer(ctx context.Context, p prompt.Prompt, imageURL string) (*provider.Response, error) {
	ctx, span := s.tracer.Start(ctx, "nutrition.Recognition",
		trace.WithAttributes(
			attribute.String("model", s.recognizer.GetModel()),
			attribute.Bool("declared_weights", p.DeclaredWeights),
			attribute.Bool("json_mode", p.JSONMode),
		),
	)
	defer span.End()

	resp, err := s.recognizer.Generate(ctx, &provider.Request{
		Prompt:    p.Text,
		ImageURL:  imageURL,
		MaxTokens: s.opts.MaxTokens,
		JSONMode:  p.JSONMode,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("attempts", resp.Attempts))
	return resp, nil
}

func (s *Service) upstreamFailure(r *run, err error) *Outcome {
	kind := common.KindUpstreamError
	terminal := false

	var perr *provider.Error
	switch {
	case errors.As(err, &perr):
		if perr.Timeout {
			kind = common.KindUpstreamTimeout
		}
		terminal = perr.Terminal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = common.KindUpstreamTimeout
	}

	out := s.fail(r, kind, err.Error())
	if terminal {
		out.Failure.Retryable = false
	}
	return out
}

func (s *Service) fail(r *run, kind common.ErrorKind, detail string) *Outcome {
	failure := s.catalog.NewFailure(kind, r.locale, r.traceID)
	failure.Detail = detail
	return &Outcome{
		Failure:  failure,
		TraceID:  r.traceID,
		State:    StateFailed,
		FailedAt: r.state,
	}
}

func (s *Service) observeGate(r *run, decision string, err error) {
	s.metrics.ObserveGate(decision)

	fields := []zap.Field{zap.String("decision", decision)}
	if d := r.gate; d != nil {
		fields = append(fields,
			zap.Bool("is_food", d.IsFood),
			zap.Float64("confidence", d.Confidence),
			zap.Bool("low_confidence", d.LowConfidence(s.opts.Threshold)),
			zap.String("reason", d.Reason),
		)
	}
	if err != nil {
		r.logger.Warn("gate_error", append(fields, zap.Error(err))...)
		return
	}
	r.logger.Debug("gate decision", fields...)
}

func (s *Service) finish(span trace.Span, r *run, out *Outcome) {
	fields := []zap.Field{
		zap.String("state", string(out.State)),
		zap.Duration("elapsed", out.Elapsed),
	}

	if out.Failure != nil {
		kind := string(out.Failure.Kind)
		s.metrics.ObserveOutcome(kind)
		span.SetAttributes(attribute.String("error_kind", kind))
		span.SetStatus(codes.Error, kind)
		r.logger.Warn("recognition failed", append(fields,
			zap.String("failed_at", string(out.FailedAt)),
			zap.String("kind", kind),
			zap.Bool("retryable", out.Failure.Retryable),
			zap.String("detail", out.Failure.Detail),
		)...)
		return
	}

	s.metrics.ObserveOutcome("success")
	span.SetAttributes(attribute.Int("items", len(out.Success.Items)))
	r.logger.Info("recognition finished", append(fields,
		zap.String("kind", "success"),
		zap.Int("items", len(out.Success.Items)),
		zap.Float64("energy_kcal", out.Success.Total.EnergyKcal),
	)...)
}
