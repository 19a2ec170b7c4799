package nutrition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/pkg/common"
)

func TestCatalogCoversEveryKind(t *testing.T) {
	c := newTestCatalog(t)

	for _, l := range prompt.Locales {
		for _, kind := range common.Kinds() {
			f := c.NewFailure(kind, l, "trace-1")
			assert.Equal(t, kind, f.Kind)
			assert.NotEmpty(t, f.Title, "%s/%s", l, kind)
			assert.NotEmpty(t, f.UserMessage, "%s/%s", l, kind)
			assert.Equal(t, kind.Actions(), f.SuggestedActions)
			assert.Equal(t, kind.Retryable(), f.Retryable)
			assert.Equal(t, "trace-1", f.TraceID)
		}
	}
}

func TestCatalogLocales(t *testing.T) {
	c := newTestCatalog(t)

	ru := c.NewFailure(common.KindUnsupportedContent, prompt.LocaleRU, "")
	en := c.NewFailure(common.KindUnsupportedContent, prompt.LocaleEN, "")
	assert.NotEqual(t, ru.Title, en.Title)
	assert.Equal(t, "No food found", en.Title)

	// unknown locales get the default
	other := c.NewFailure(common.KindUnsupportedContent, prompt.Locale("de"), "")
	assert.Equal(t, ru.Title, other.Title)

	assert.Equal(t, "Unknown food", c.UnknownItem(prompt.LocaleEN))
	assert.Equal(t, `"Soup" skipped: no nutrition data.`, c.droppedItem(prompt.LocaleEN, "Soup"))
	assert.Equal(t, "«Суп»: не удалось определить жиры, принято 0.", c.missingField(prompt.LocaleRU, "Суп", FieldFatG))
}

func TestNewCatalogRejectsUnknownDefault(t *testing.T) {
	_, err := NewCatalog(prompt.Locale("fr"))
	require.Error(t, err)
}
