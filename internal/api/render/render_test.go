package render

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/nutrition"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/pkg/common"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRenderer(t *testing.T, compat config.CompatConfig) *Renderer {
	t.Helper()
	catalog, err := nutrition.NewCatalog(prompt.LocaleRU)
	require.NoError(t, err)
	return NewRenderer(catalog, compat, prompt.LocaleRU)
}

func newContext(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if req == nil {
		req = httptest.NewRequest(http.MethodPost, "/", nil)
	}
	c.Request = req
	return c, w
}

var meal = &nutrition.Success{
	Items: []nutrition.Item{
		{Name: "Рис", MassGrams: 150, EnergyKcal: 195, ProteinG: 4, FatG: 0.5, CarbohydrateG: 42},
	},
	Total: nutrition.Total{MassGrams: 150, EnergyKcal: 195, ProteinG: 4, FatG: 0.5, CarbohydrateG: 42},
	Notes: "ok",
}

func TestSuccessCanonicalOnly(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{})
	c, w := newContext(nil)

	r.Success(c, meal, "trace-1")

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.Equal(t, "ok", body["notes"])

	item := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "Рис", item["name"])
	assert.Equal(t, 150.0, item["mass_grams"])
	assert.NotContains(t, item, "grams")
	assert.NotContains(t, item, "kcal")
	assert.NotContains(t, body["total"].(map[string]any), "calories")
}

func TestSuccessLegacyAliases(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{LegacyFieldAliases: true})
	c, w := newContext(nil)

	r.Success(c, meal, "trace-1")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	for _, obj := range []map[string]any{
		body["items"].([]any)[0].(map[string]any),
		body["total"].(map[string]any),
	} {
		assert.Equal(t, 150.0, obj["mass_grams"])
		assert.Equal(t, 150.0, obj["grams"])
		assert.Equal(t, 150.0, obj["amount_grams"])
		assert.Equal(t, 195.0, obj["kcal"])
		assert.Equal(t, 195.0, obj["calories"])
		assert.Equal(t, 4.0, obj["protein"])
		assert.Equal(t, 0.5, obj["fat"])
		assert.Equal(t, 42.0, obj["carbohydrates"])
		assert.Equal(t, 42.0, obj["carbs"])
	}
}

func TestSuccessLegacyKeepsZeros(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{LegacyFieldAliases: true})
	body := r.SuccessBody(&nutrition.Success{Items: []nutrition.Item{{Name: "Вода"}}}, "t")

	raw, err := json.Marshal(body.Items[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fat":0`)
	assert.Contains(t, string(raw), `"carbs":0`)
}

func TestFailureStatus(t *testing.T) {
	tests := []struct {
		kind   common.ErrorKind
		status int
	}{
		{common.KindUnsupportedContent, http.StatusUnprocessableEntity},
		{common.KindEmptyResult, http.StatusUnprocessableEntity},
		{common.KindInvalidImage, http.StatusBadRequest},
		{common.KindUnsupportedImageFormat, http.StatusUnsupportedMediaType},
		{common.KindImageTooLarge, http.StatusRequestEntityTooLarge},
		{common.KindUpstreamError, http.StatusBadGateway},
		{common.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{common.KindMalformedResponse, http.StatusBadGateway},
		{common.KindRateLimited, http.StatusTooManyRequests},
	}

	native := newRenderer(t, config.CompatConfig{})
	compat := newRenderer(t, config.CompatConfig{FailuresAsOK: true})

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c, w := newContext(nil)
			native.Kind(c, tt.kind)
			assert.Equal(t, tt.status, w.Code)
			assert.True(t, c.IsAborted())

			kind, ok := FailureKind(c)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			var body FailureBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.kind, body.ErrorKind)
			assert.NotEmpty(t, body.UserFacingTitle)
			assert.NotEmpty(t, body.UserFacingMessage)
			assert.Equal(t, tt.kind.Actions(), body.SuggestedActions)

			c, w = newContext(nil)
			compat.Kind(c, tt.kind)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestFailureBodyFields(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{})
	c, w := newContext(nil)

	r.Failure(c, &nutrition.Failure{
		Kind:             common.KindUpstreamError,
		Title:            "t",
		UserMessage:      "m",
		SuggestedActions: []common.Action{common.ActionRetry},
		TraceID:          "trace-9",
		Retryable:        false,
		Detail:           "status 401: secret detail",
	})

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"error_kind":          "UPSTREAM_ERROR",
		"user_facing_title":   "t",
		"user_facing_message": "m",
		"suggested_actions":   []any{"retry"},
		"retryable":           false,
		"trace_id":            "trace-9",
	}, body)
	assert.NotContains(t, w.Body.String(), "secret detail")
}

func TestErrorOutsideTaxonomy(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{FailuresAsOK: true})
	c, w := newContext(nil)

	r.Error(c, common.ErrUnauthorized)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"code": "UNAUTHORIZED", "message": "missing or invalid API key"}`, w.Body.String())
	_, ok := FailureKind(c)
	assert.False(t, ok)
}

func TestErrorWithKind(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{})
	c, w := newContext(nil)

	r.Error(c, common.NewKindError(common.KindImageTooLarge, "too big", nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), `"error_kind":"IMAGE_TOO_LARGE"`)
}

func TestLocale(t *testing.T) {
	r := newRenderer(t, config.CompatConfig{})

	c, _ := newContext(httptest.NewRequest(http.MethodPost, "/?locale=en", nil))
	assert.Equal(t, prompt.LocaleEN, r.Locale(c))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Accept-Language", "de-DE;q=0.9, en-US;q=0.8")
	c, _ = newContext(req)
	assert.Equal(t, prompt.LocaleEN, r.Locale(c))

	c, _ = newContext(httptest.NewRequest(http.MethodPost, "/?locale=en", nil))
	SetLocale(c, prompt.LocaleRU)
	assert.Equal(t, prompt.LocaleRU, r.Locale(c))

	c, _ = newContext(nil)
	assert.Equal(t, prompt.LocaleRU, r.Locale(c))
}
