package nutrition

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrition-proxy/internal/core/ai/extract"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/ai/provider"
)

// fakeProvider answers with respond and records every request.
type fakeProvider struct {
	model   string
	respond func(ctx context.Context, req *provider.Request) (*provider.Response, error)

	mu       sync.Mutex
	requests []*provider.Request
}

func replyWith(content string) *fakeProvider {
	return &fakeProvider{respond: func(context.Context, *provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: content, Model: "fake", Attempts: 1}, nil
	}}
}

func failWith(err error) *fakeProvider {
	return &fakeProvider{respond: func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, err
	}}
}

func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(ctx, req)
}

func (f *fakeProvider) GetModel() string {
	if f.model == "" {
		return "fake-model"
	}
	return f.model
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestBuilder(t *testing.T) *prompt.Builder {
	t.Helper()
	b, err := prompt.NewBuilder(prompt.LocaleRU)
	require.NoError(t, err)
	return b
}

func TestParseGateDecision(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    GateDecision
		wantErr bool
	}{
		{"food", `{"is_food": true, "confidence": 0.9, "reason": " plate of rice "}`, GateDecision{true, 0.9, "plate of rice"}, false},
		{"not food", `{"is_food": false, "confidence": 0.1}`, GateDecision{false, 0.1, ""}, false},
		{"string verdict", `{"is_food": "false", "confidence": "0,2"}`, GateDecision{false, 0.2, ""}, false},
		{"numeric verdict", `{"is_food": 1}`, GateDecision{true, 1, ""}, false},
		{"missing confidence for food", `{"is_food": true}`, GateDecision{true, 1, ""}, false},
		{"missing confidence for non-food", `{"is_food": false}`, GateDecision{false, 1, ""}, false},
		{"confidence clamped high", `{"is_food": true, "confidence": 1.7}`, GateDecision{true, 1, ""}, false},
		{"confidence clamped low", `{"is_food": false, "confidence": -0.3}`, GateDecision{false, 0, ""}, false},
		{"key case folded", `{"IS_FOOD": true, "Confidence": 0.4}`, GateDecision{true, 0.4, ""}, false},
		{"unknown verdict", `{"is_food": "maybe"}`, GateDecision{}, true},
		{"missing verdict", `{"confidence": 0.9}`, GateDecision{}, true},
		{"array", `[{"is_food": true}]`, GateDecision{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGateDecision(decodePayload(t, tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidGateResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestGateDecisionAdmits(t *testing.T) {
	tests := []struct {
		decision GateDecision
		want     bool
		lowConf  bool
	}{
		{GateDecision{IsFood: true, Confidence: 0.9}, true, false},
		{GateDecision{IsFood: true, Confidence: 0.55}, true, false},
		{GateDecision{IsFood: true, Confidence: 0.1}, true, true},
		{GateDecision{IsFood: false, Confidence: 0.2}, false, false},
		{GateDecision{IsFood: false, Confidence: 0.55}, false, false},
		{GateDecision{IsFood: false, Confidence: 0.8}, false, false},
		{GateDecision{IsFood: false, Confidence: 0}, false, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.decision.Admits(), "%+v", tt.decision)
		assert.Equal(t, tt.lowConf, tt.decision.LowConfidence(DefaultGateThreshold), "%+v", tt.decision)
	}
}

func TestGateClassify(t *testing.T) {
	b := newTestBuilder(t)
	fake := replyWith("```json\n{\"is_food\": false, \"confidence\": 0.1, \"reason\": \"screenshot\"}\n```")
	gate := NewGate(fake, b, extract.New(""), 200)

	got, err := gate.Classify(context.Background(), "data:image/png;base64,AAAA", prompt.LocaleEN)
	require.NoError(t, err)
	assert.Equal(t, &GateDecision{IsFood: false, Confidence: 0.1, Reason: "screenshot"}, got)

	require.Equal(t, 1, fake.calls())
	req := fake.requests[0]
	assert.Equal(t, b.BuildGate(prompt.LocaleEN).Text, req.Prompt)
	assert.Equal(t, "data:image/png;base64,AAAA", req.ImageURL)
	assert.Equal(t, 200, req.MaxTokens)
	assert.True(t, req.JSONMode)
}

func TestGateClassifyErrors(t *testing.T) {
	b := newTestBuilder(t)

	_, err := NewGate(replyWith("I think this is a cat."), b, extract.New(""), 200).
		Classify(context.Background(), "img", prompt.LocaleRU)
	assert.ErrorIs(t, err, ErrInvalidGateResponse)

	_, err = NewGate(replyWith(`{"food": "yes"}`), b, extract.New(""), 200).
		Classify(context.Background(), "img", prompt.LocaleRU)
	assert.ErrorIs(t, err, ErrInvalidGateResponse)

	upstream := &provider.Error{Status: 503, Attempts: 1}
	_, err = NewGate(failWith(upstream), b, extract.New(""), 200).
		Classify(context.Background(), "img", prompt.LocaleRU)
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 503, perr.Status)
	assert.NotErrorIs(t, err, ErrInvalidGateResponse)
}
