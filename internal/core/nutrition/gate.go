package nutrition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"nutrition-proxy/internal/core/ai/extract"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/ai/provider"
)

// ErrInvalidGateResponse is returned when the gate model answered but not with
// a usable is_food verdict. Callers treat it like any other gate failure.
var ErrInvalidGateResponse = errors.New("invalid gate response")

// DefaultGateThreshold is the confidence below which a food pass is logged as low confidence.
const DefaultGateThreshold = 0.55

// Gate asks a cheap model whether the photo shows food at all.
type Gate struct {
	provider  provider.Provider
	builder   *prompt.Builder
	extractor *extract.Extractor
	maxTokens int
}

// NewGate wires the gate stage. maxTokens of 0 leaves the limit to the provider.
func NewGate(p provider.Provider, builder *prompt.Builder, extractor *extract.Extractor, maxTokens int) *Gate {
	return &Gate{
		provider:  p,
		builder:   builder,
		extractor: extractor,
		maxTokens: maxTokens,
	}
}

// Classify runs one gate call. Transport errors come back as *provider.Error,
// unusable answers wrap ErrInvalidGateResponse.
func (g *Gate) Classify(ctx context.Context, imageURL string, l prompt.Locale) (*GateDecision, error) {
	p := g.builder.BuildGate(l)
	resp, err := g.provider.Generate(ctx, &provider.Request{
		Prompt:    p.Text,
		ImageURL:  imageURL,
		MaxTokens: g.maxTokens,
		JSONMode:  p.JSONMode,
	})
	if err != nil {
		return nil, err
	}

	payload, err := g.extractor.Extract(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGateResponse, err)
	}
	return ParseGateDecision(payload)
}

// ParseGateDecision reads {"is_food", "confidence", "reason"}. is_food may be
// a boolean, a yes/no string or 0/1. Confidence is the model's certainty in
// its verdict, clamped to [0,1], and defaults to 1.
func ParseGateDecision(payload any) (*GateDecision, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidGateResponse, payload)
	}
	fields := foldKeys(obj)

	isFood, ok := parseBoolish(fields["is_food"])
	if !ok {
		return nil, fmt.Errorf("%w: is_food is %v", ErrInvalidGateResponse, fields["is_food"])
	}

	decision := &GateDecision{IsFood: isFood, Confidence: 1}
	if c, ok := parseConfidence(fields["confidence"]); ok {
		decision.Confidence = c
	}
	if reason, ok := fields["reason"].(string); ok {
		decision.Reason = strings.TrimSpace(reason)
	}
	return decision, nil
}

// Admits reports whether the pipeline should go on to recognition. Any
// "not food" verdict rejects; "food" passes whatever its confidence.
func (d *GateDecision) Admits() bool {
	return d.IsFood
}

// LowConfidence marks a pass the model was unsure about.
func (d *GateDecision) LowConfidence(threshold float64) bool {
	return d.IsFood && d.Confidence < threshold
}

func parseBoolish(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		switch x {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "1", "да":
			return true, true
		case "false", "no", "0", "нет":
			return false, true
		}
	}
	return false, false
}

func parseConfidence(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(x), ",", ".", 1), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return min(max(f, 0), 1), true
}
