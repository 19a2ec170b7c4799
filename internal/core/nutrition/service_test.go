package nutrition

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nutrition-proxy/internal/core/ai/extract"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/ai/provider"
	"nutrition-proxy/internal/infrastructure/metrics"
	"nutrition-proxy/internal/pkg/common"
)

const testImage = "data:image/jpeg;base64,/9j/4AAQ"

const mealJSON = `{"items": [
	{"name": "Индейка", "mass_grams": 150, "energy_kcal": 285, "protein_g": 43, "fat_g": 11, "carbohydrate_g": 0},
	{"name": "Картофель", "mass_grams": 200, "energy_kcal": 154, "protein_g": 4, "fat_g": 0.2, "carbohydrate_g": 34}
], "model_notes": "Массы взяты из комментария."}`

type serviceFixture struct {
	svc        *Service
	recognizer *fakeProvider
	gate       *fakeProvider
	metrics    *metrics.Collector
}

func newFixture(t *testing.T, recognizer, gate *fakeProvider, opts Options) *serviceFixture {
	t.Helper()
	b := newTestBuilder(t)
	collector := metrics.NewCollector("test")

	var g *Gate
	if gate != nil {
		g = NewGate(gate, b, extract.New(""), 200)
		opts.GateEnabled = true
	}
	svc := NewService(recognizer, g, b, extract.New(prompt.FinalAnswerMarker), newTestCatalog(t), opts, zap.NewNop(), collector)

	return &serviceFixture{svc: svc, recognizer: recognizer, gate: gate, metrics: collector}
}

func (f *serviceFixture) gateCount(decision string) float64 {
	return testutil.ToFloat64(f.metrics.GateDecisions.WithLabelValues(decision))
}

func TestRecognizeDeclaredWeights(t *testing.T) {
	f := newFixture(t, replyWith(mealJSON), replyWith(`{"is_food": true, "confidence": 0.97}`), Options{})

	out := f.svc.Recognize(context.Background(), Request{
		ImageURL:   testImage,
		Annotation: "Индейка 150 г, картофель 200 г",
		Locale:     prompt.LocaleRU,
		TraceID:    "trace-a",
	})

	require.True(t, out.OK(), "failure: %+v", out.Failure)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "trace-a", out.TraceID)
	require.Len(t, out.Success.Items, 2)
	assert.Contains(t, out.Success.Items[0].Name, "Индейка")
	assert.Equal(t, 150.0, out.Success.Items[0].MassGrams)
	assert.Equal(t, 200.0, out.Success.Items[1].MassGrams)
	assert.Equal(t, SumItems(out.Success.Items), out.Success.Total)
	assert.Equal(t, "Массы взяты из комментария.", out.Success.Notes)
	require.NotNil(t, out.Gate)
	assert.True(t, out.Gate.IsFood)

	require.Equal(t, 1, f.gate.calls())
	require.Equal(t, 1, f.recognizer.calls())
	req := f.recognizer.requests[0]
	assert.Equal(t, testImage, req.ImageURL)
	assert.True(t, req.JSONMode)
	assert.Contains(t, req.Prompt, "ВЕСА, УКАЗАННЫЕ ПОЛЬЗОВАТЕЛЕМ")
	assert.Contains(t, req.Prompt, "Индейка 150 г, картофель 200 г")

	assert.Equal(t, 1.0, f.gateCount(GatePass))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("success")))
}

func TestRecognizeGateRejectsNonFood(t *testing.T) {
	f := newFixture(t, replyWith(mealJSON), replyWith(`{"is_food": false, "confidence": 0.05, "reason": "blank wall"}`), Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage, Locale: prompt.LocaleEN})

	require.False(t, out.OK())
	assert.Equal(t, common.KindUnsupportedContent, out.Failure.Kind)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateGating, out.FailedAt)
	assert.False(t, out.Failure.Retryable)
	assert.Equal(t, []common.Action{common.ActionRetake, common.ActionManualEntry}, out.Failure.SuggestedActions)
	assert.Equal(t, "No food found", out.Failure.Title)
	assert.NotEmpty(t, out.TraceID)
	assert.Equal(t, out.TraceID, out.Failure.TraceID)
	assert.Zero(t, f.recognizer.calls())
	assert.Equal(t, 1.0, f.gateCount(GateReject))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues(string(common.KindUnsupportedContent))))
}

func TestRecognizeConfidentNonFoodRejects(t *testing.T) {
	f := newFixture(t, replyWith(mealJSON),
		replyWith(`{"is_food": false, "confidence": 0.95, "reason": "blank wall, definitely not food"}`), Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

	require.False(t, out.OK())
	assert.Equal(t, common.KindUnsupportedContent, out.Failure.Kind)
	assert.Equal(t, StateGating, out.FailedAt)
	assert.Zero(t, f.recognizer.calls())
	assert.Equal(t, 1.0, f.gateCount(GateReject))
}

func TestRecognizeLowConfidencePassWithoutItems(t *testing.T) {
	f := newFixture(t, replyWith(`{"items": [], "model_notes": "nothing recognizable"}`),
		replyWith(`{"is_food": true, "confidence": 0.4}`), Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

	require.False(t, out.OK())
	assert.Equal(t, common.KindEmptyResult, out.Failure.Kind)
	assert.Equal(t, StateValidating, out.FailedAt)
	assert.True(t, out.Failure.Retryable)
	assert.Equal(t, 1, f.recognizer.calls())
	assert.Equal(t, 1.0, f.gateCount(GatePass))
}

func TestRecognizeGateFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		gate *fakeProvider
	}{
		{"transport failure", failWith(&provider.Error{Status: 503, Attempts: 1, Detail: "unavailable"})},
		{"timeout", failWith(&provider.Error{Timeout: true, Attempts: 1})},
		{"invalid answer", replyWith("It looks like a sandwich to me.")},
		{"answer without verdict", replyWith(`{"confidence": 0.1}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, replyWith(mealJSON), tt.gate, Options{})

			out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

			require.True(t, out.OK(), "failure: %+v", out.Failure)
			assert.Equal(t, 1, f.recognizer.calls())
			assert.Nil(t, out.Gate)
			assert.Equal(t, 1.0, f.gateCount(GateError))
		})
	}
}

func TestRecognizeWithoutGate(t *testing.T) {
	f := newFixture(t, replyWith(mealJSON), nil, Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

	require.True(t, out.OK())
	assert.Nil(t, out.Gate)
	assert.Equal(t, 1.0, f.gateCount(GateDisabled))
}

func TestRecognizeFailures(t *testing.T) {
	tests := []struct {
		name          string
		recognizer    *fakeProvider
		wantKind      common.ErrorKind
		wantAt        State
		wantRetryable bool
	}{
		{
			name:          "prose instead of json",
			recognizer:    replyWith("Sorry, I can't analyze this image."),
			wantKind:      common.KindMalformedResponse,
			wantAt:        StateParsing,
			wantRetryable: true,
		},
		{
			name:          "items without numbers",
			recognizer:    replyWith(`{"items": [{"name": "Something"}]}`),
			wantKind:      common.KindEmptyResult,
			wantAt:        StateValidating,
			wantRetryable: true,
		},
		{
			name:          "upstream timeout",
			recognizer:    failWith(&provider.Error{Timeout: true, Attempts: 3, Class: provider.ClassTimeout}),
			wantKind:      common.KindUpstreamTimeout,
			wantAt:        StateRecognizing,
			wantRetryable: true,
		},
		{
			name:          "upstream retryable status",
			recognizer:    failWith(&provider.Error{Status: 503, Attempts: 3, Class: provider.ClassRetryableStatus}),
			wantKind:      common.KindUpstreamError,
			wantAt:        StateRecognizing,
			wantRetryable: true,
		},
		{
			name:          "upstream terminal status",
			recognizer:    failWith(&provider.Error{Status: 401, Terminal: true, Attempts: 1, Class: provider.ClassTerminalStatus}),
			wantKind:      common.KindUpstreamError,
			wantAt:        StateRecognizing,
			wantRetryable: false,
		},
		{
			name:          "bare deadline error",
			recognizer:    failWith(context.DeadlineExceeded),
			wantKind:      common.KindUpstreamTimeout,
			wantAt:        StateRecognizing,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.recognizer, nil, Options{})

			out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage, TraceID: "t"})

			require.False(t, out.OK())
			assert.Equal(t, tt.wantKind, out.Failure.Kind)
			assert.Equal(t, tt.wantAt, out.FailedAt)
			assert.Equal(t, tt.wantRetryable, out.Failure.Retryable)
			assert.Equal(t, "t", out.Failure.TraceID)
			assert.NotEmpty(t, out.Failure.Detail)
			assert.NotEmpty(t, out.Failure.Title)
		})
	}
}

func TestRecognizeDeadline(t *testing.T) {
	slow := &fakeProvider{respond: func(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, slow, nil, Options{Deadline: 50 * time.Millisecond})

	start := time.Now()
	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

	require.False(t, out.OK())
	assert.Equal(t, common.KindUpstreamTimeout, out.Failure.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, out.Elapsed, 50*time.Millisecond)
}

func TestRecognizeRecoversPanics(t *testing.T) {
	boom := &fakeProvider{respond: func(context.Context, *provider.Request) (*provider.Response, error) {
		panic("nil map write")
	}}
	f := newFixture(t, boom, nil, Options{})

	var out *Outcome
	require.NotPanics(t, func() {
		out = f.svc.Recognize(context.Background(), Request{ImageURL: testImage})
	})
	require.NotNil(t, out)
	require.False(t, out.OK())
	assert.Equal(t, common.KindMalformedResponse, out.Failure.Kind)
	assert.Equal(t, StateRecognizing, out.FailedAt)
	assert.Contains(t, out.Failure.Detail, "nil map write")
}

func TestRecognizeSpeculative(t *testing.T) {
	t.Run("rejection cancels recognition", func(t *testing.T) {
		cancelled := make(chan struct{})
		slow := &fakeProvider{respond: func(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}}
		f := newFixture(t, slow, replyWith(`{"is_food": false, "confidence": 0.02}`), Options{Speculative: true})

		out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

		require.False(t, out.OK())
		assert.Equal(t, common.KindUnsupportedContent, out.Failure.Kind)
		assert.Equal(t, StateGating, out.FailedAt)
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("recognition was not cancelled")
		}
	})

	t.Run("pass keeps recognition result", func(t *testing.T) {
		f := newFixture(t, replyWith(mealJSON), replyWith(`{"is_food": true, "confidence": 0.9}`), Options{Speculative: true})

		out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

		require.True(t, out.OK(), "failure: %+v", out.Failure)
		assert.Len(t, out.Success.Items, 2)
		require.NotNil(t, out.Gate)
		assert.Equal(t, 0.9, out.Gate.Confidence)
	})

	t.Run("gate failure still fails open", func(t *testing.T) {
		f := newFixture(t, replyWith(mealJSON), failWith(&provider.Error{Status: 500}), Options{Speculative: true})

		out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

		require.True(t, out.OK())
		assert.Equal(t, 1.0, f.gateCount(GateError))
	})
}

func TestRecognizeReasoningMode(t *testing.T) {
	answer := prompt.AnalysisMarker + "\nНа тарелке омлет.\n" + prompt.FinalAnswerMarker +
		"\n```json\n{\"items\": [{\"name\": \"Омлет\", \"mass_grams\": 180, \"energy_kcal\": 250, \"protein_g\": 17, \"fat_g\": 19, \"carbohydrate_g\": 2}]}\n```"
	f := newFixture(t, replyWith(answer), nil, Options{Reasoning: true})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage})

	require.True(t, out.OK(), "failure: %+v", out.Failure)
	assert.Equal(t, "Омлет", out.Success.Items[0].Name)
	assert.False(t, f.recognizer.requests[0].JSONMode)
}

func TestRecognizeNotesAndDrops(t *testing.T) {
	f := newFixture(t, replyWith(`{"items": [
		{"name": "Tea"},
		{"name": "Cookie", "mass_grams": 20, "energy_kcal": 95}
	], "notes": "Approximate."}`), nil, Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage, Locale: prompt.LocaleEN})

	require.True(t, out.OK())
	require.Len(t, out.Success.Items, 1)
	lines := strings.Split(out.Success.Notes, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Approximate.", lines[0])
	assert.Equal(t, `"Tea" skipped: no nutrition data.`, lines[1])
	assert.Contains(t, lines[2], `"Cookie"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedItems))
}

func TestRecognizeTraceID(t *testing.T) {
	f := newFixture(t, replyWith(mealJSON), nil, Options{})

	ctx := common.WithTraceID(context.Background(), "from-ctx")
	assert.Equal(t, "from-ctx", f.svc.Recognize(ctx, Request{ImageURL: testImage}).TraceID)
	assert.Equal(t, "explicit", f.svc.Recognize(ctx, Request{ImageURL: testImage, TraceID: "explicit"}).TraceID)
	assert.NotEmpty(t, f.svc.Recognize(context.Background(), Request{ImageURL: testImage}).TraceID)
}

func TestRecognizeUnknownLocaleFallsBack(t *testing.T) {
	f := newFixture(t, replyWith(`{"items": []}`), nil, Options{})

	out := f.svc.Recognize(context.Background(), Request{ImageURL: testImage, Locale: prompt.Locale("de")})

	require.False(t, out.OK())
	ru := newTestCatalog(t).NewFailure(common.KindEmptyResult, prompt.LocaleRU, "")
	assert.Equal(t, ru.Title, out.Failure.Title)
	assert.Contains(t, f.recognizer.requests[0].Prompt, "на русском языке")
}
