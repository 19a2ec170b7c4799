// Package prompt builds the instruction text sent to the vision model.
package prompt

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Sentinels separating the free-form analysis from the final JSON payload.
const (
	AnalysisMarker    = "<<<ANALYSIS>>>"
	FinalAnswerMarker = "<<<FINAL_JSON>>>"
)

// Locale is an output language tag.
type Locale string

const (
	LocaleRU Locale = "ru"
	LocaleEN Locale = "en"
)

// Locales lists the supported output languages.
var Locales = []Locale{LocaleRU, LocaleEN}

// ParseLocale accepts tags such as "en", "EN" or "en-US".
func ParseLocale(s string) (Locale, bool) {
	tag := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	for _, l := range Locales {
		if string(l) == tag {
			return l, true
		}
	}
	return "", false
}

// declaredMass matches a number followed by a Russian or English mass unit.
// The unit must not run into further letters: "2 glasses" is not a mass.
var declaredMass = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*(?:грамм\p{L}*|гр|г|кг|grams?|gr|g|kg)(?:[^\p{L}]|$)`)

// HasDeclaredWeights reports whether the annotation states an explicit mass.
func HasDeclaredWeights(annotation string) bool {
	return declaredMass.MatchString(annotation)
}

// NormalizeAnnotation applies NFC and collapses whitespace runs.
func NormalizeAnnotation(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

//go:embed locales.yaml
var localesYAML []byte

type phrases struct {
	Role            string `yaml:"role"`
	CommentHeader   string `yaml:"comment_header"`
	CommentFooter   string `yaml:"comment_footer"`
	RulesHeader     string `yaml:"rules_header"`
	Rules           string `yaml:"rules"`
	EstimateMasses  string `yaml:"estimate_masses"`
	ImageOnly       string `yaml:"image_only"`
	WeightContract  string `yaml:"weight_contract"`
	OutputJSON      string `yaml:"output_json"`
	OutputReasoning string `yaml:"output_reasoning"`
	Format          string `yaml:"format"`
	LanguageRule    string `yaml:"language_rule"`
	NoComment       string `yaml:"no_comment"`
	Gate            string `yaml:"gate"`
}

func (p phrases) missing() []string {
	fields := map[string]string{
		"role":             p.Role,
		"rules":            p.Rules,
		"estimate_masses":  p.EstimateMasses,
		"image_only":       p.ImageOnly,
		"weight_contract":  p.WeightContract,
		"output_json":      p.OutputJSON,
		"output_reasoning": p.OutputReasoning,
		"format":           p.Format,
		"language_rule":    p.LanguageRule,
		"gate":             p.Gate,
	}
	var out []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Input is everything a recognition prompt depends on. The image is not part of it.
type Input struct {
	Annotation string
	Locale     Locale
	Reasoning  bool
}

// Prompt is the instruction text plus the response-shape flags the transport needs.
type Prompt struct {
	Text            string
	JSONMode        bool
	Reasoning       bool
	DeclaredWeights bool
	Locale          Locale
}

// Builder renders prompts from the embedded phrase catalogue. It is read-only
// after construction and safe for concurrent use.
type Builder struct {
	defaultLocale Locale
	catalogue     map[Locale]phrases
}

// NewBuilder loads the catalogue and checks that every locale is complete.
func NewBuilder(defaultLocale Locale) (*Builder, error) {
	var raw map[Locale]phrases
	if err := yaml.Unmarshal(localesYAML, &raw); err != nil {
		return nil, fmt.Errorf("parse prompt catalogue: %w", err)
	}

	markers := strings.NewReplacer(
		"{analysis_marker}", AnalysisMarker,
		"{final_marker}", FinalAnswerMarker,
	)
	for _, l := range Locales {
		p, ok := raw[l]
		if !ok {
			return nil, fmt.Errorf("prompt catalogue has no %q locale", l)
		}
		if missing := p.missing(); len(missing) > 0 {
			return nil, fmt.Errorf("prompt catalogue locale %q is missing %v", l, missing)
		}
		p.OutputReasoning = markers.Replace(p.OutputReasoning)
		raw[l] = p
	}

	if _, ok := raw[defaultLocale]; !ok {
		return nil, fmt.Errorf("unsupported default locale %q", defaultLocale)
	}

	return &Builder{defaultLocale: defaultLocale, catalogue: raw}, nil
}

// Resolve maps an empty or unknown locale to the default one.
func (b *Builder) Resolve(l Locale) Locale {
	if _, ok := b.catalogue[l]; ok {
		return l
	}
	return b.defaultLocale
}

// Build renders the recognition prompt. The weight-priority contract is included
// only when the annotation declares explicit masses.
func (b *Builder) Build(in Input) Prompt {
	locale := b.Resolve(in.Locale)
	p := b.catalogue[locale]
	annotation := NormalizeAnnotation(in.Annotation)
	weights := HasDeclaredWeights(annotation)

	var sb strings.Builder
	sb.WriteString(p.Role)
	sb.WriteString("\n\n")

	sb.WriteString(p.CommentHeader)
	sb.WriteByte('\n')
	if annotation == "" {
		sb.WriteString(p.NoComment)
	} else {
		sb.WriteString(annotation)
	}
	sb.WriteByte('\n')
	sb.WriteString(p.CommentFooter)
	sb.WriteString("\n\n")

	if weights {
		sb.WriteString(p.WeightContract)
		sb.WriteByte('\n')
	}

	sb.WriteString(p.RulesHeader)
	sb.WriteByte('\n')
	sb.WriteString(p.Rules)
	switch {
	case annotation == "":
		sb.WriteString(p.ImageOnly)
	case !weights:
		sb.WriteString(p.EstimateMasses)
	}
	sb.WriteByte('\n')

	if in.Reasoning {
		sb.WriteString(p.OutputReasoning)
	} else {
		sb.WriteString(p.OutputJSON)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(p.Format)
	sb.WriteByte('\n')
	sb.WriteString(p.LanguageRule)
	sb.WriteByte('\n')

	return Prompt{
		Text:            sb.String(),
		JSONMode:        !in.Reasoning,
		Reasoning:       in.Reasoning,
		DeclaredWeights: weights,
		Locale:          locale,
	}
}

// BuildGate renders the food/non-food classification prompt.
func (b *Builder) BuildGate(l Locale) Prompt {
	locale := b.Resolve(l)
	return Prompt{
		Text:     b.catalogue[locale].Gate,
		JSONMode: true,
		Locale:   locale,
	}
}
