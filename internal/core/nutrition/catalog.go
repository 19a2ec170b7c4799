package nutrition

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/pkg/common"
)

//go:embed messages.yaml
var messagesYAML []byte

type failureText struct {
	Title   string `yaml:"title"`
	Message string `yaml:"message"`
}

type localeMessages struct {
	UnknownItem string                           `yaml:"unknown_item"`
	Fields      map[string]string                `yaml:"fields"`
	Notes       map[string]string                `yaml:"notes"`
	Failures    map[common.ErrorKind]failureText `yaml:"failures"`
}

// Catalog holds the user-facing texts for every locale.
type Catalog struct {
	defaultLocale prompt.Locale
	locales       map[prompt.Locale]localeMessages
}

// NewCatalog loads the embedded messages and checks that every error kind
// has a title and a message in every locale.
func NewCatalog(defaultLocale prompt.Locale) (*Catalog, error) {
	var raw map[prompt.Locale]localeMessages
	if err := yaml.Unmarshal(messagesYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse message catalogue: %w", err)
	}

	for _, l := range prompt.Locales {
		m, ok := raw[l]
		if !ok {
			return nil, fmt.Errorf("message catalogue has no %q locale", l)
		}
		for _, kind := range common.Kinds() {
			if t := m.Failures[kind]; t.Title == "" || t.Message == "" {
				return nil, fmt.Errorf("message catalogue locale %q has no text for %s", l, kind)
			}
		}
		for _, key := range []string{noteMissingField, noteMissingName, noteDroppedItem} {
			if m.Notes[key] == "" {
				return nil, fmt.Errorf("message catalogue locale %q has no %s note", l, key)
			}
		}
	}
	if _, ok := raw[defaultLocale]; !ok {
		return nil, fmt.Errorf("unsupported default locale %q", defaultLocale)
	}

	return &Catalog{defaultLocale: defaultLocale, locales: raw}, nil
}

const (
	noteMissingField = "missing_field"
	noteMissingName  = "missing_name"
	noteDroppedItem  = "dropped_item"
)

func (c *Catalog) messages(l prompt.Locale) localeMessages {
	if m, ok := c.locales[l]; ok {
		return m
	}
	return c.locales[c.defaultLocale]
}

// NewFailure builds the user-facing failure for kind in locale l.
func (c *Catalog) NewFailure(kind common.ErrorKind, l prompt.Locale, traceID string) *Failure {
	text := c.messages(l).Failures[kind]
	return &Failure{
		Kind:             kind,
		Title:            text.Title,
		UserMessage:      text.Message,
		SuggestedActions: kind.Actions(),
		TraceID:          traceID,
		Retryable:        kind.Retryable(),
	}
}

// UnknownItem is the placeholder name for items the model left unnamed.
func (c *Catalog) UnknownItem(l prompt.Locale) string {
	return c.messages(l).UnknownItem
}

func (c *Catalog) missingField(l prompt.Locale, item, field string) string {
	m := c.messages(l)
	label := m.Fields[field]
	if label == "" {
		label = field
	}
	return fmt.Sprintf(m.Notes[noteMissingField], item, label)
}

func (c *Catalog) missingName(l prompt.Locale) string {
	return c.messages(l).Notes[noteMissingName]
}

func (c *Catalog) droppedItem(l prompt.Locale, item string) string {
	return fmt.Sprintf(c.messages(l).Notes[noteDroppedItem], item)
}
