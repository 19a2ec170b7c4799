package nutrition

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"nutrition-proxy/internal/core/ai/prompt"
)

var numberPattern = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)

// Normalized is the Normalizer's output for one model payload.
type Normalized struct {
	Items      []Item
	Total      Total
	ModelNotes string
	// Notes describe defaults applied and items dropped, in the request locale.
	Notes   []string
	Dropped int
}

// CombinedNotes joins the model's notes with the normalizer's own.
func (n Normalized) CombinedNotes() string {
	parts := make([]string, 0, len(n.Notes)+1)
	if n.ModelNotes != "" {
		parts = append(parts, n.ModelNotes)
	}
	parts = append(parts, n.Notes...)
	return strings.Join(parts, "\n")
}

// Normalizer maps whatever keys the model used onto Item. Stateless.
type Normalizer struct {
	catalog *Catalog
}

// NewNormalizer creates a Normalizer writing notes from catalog.
func NewNormalizer(catalog *Catalog) *Normalizer {
	return &Normalizer{catalog: catalog}
}

// Normalize accepts {"items": [...]} (or an alias of "items"), a bare array of
// items, or a single item object. Model-reported totals are ignored and the
// total is recomputed from the kept items.
func (n *Normalizer) Normalize(payload any, l prompt.Locale) Normalized {
	var (
		out     Normalized
		entries []any
	)

	switch v := payload.(type) {
	case []any:
		entries = v
	case map[string]any:
		fields := foldKeys(v)
		out.ModelNotes = pickNotes(fields)
		if list, ok := pickList(fields); ok {
			entries = list
		} else if looksLikeItem(fields) {
			entries = []any{v}
		}
	}

	for _, entry := range entries {
		raw, ok := entry.(map[string]any)
		if !ok {
			out.Dropped++
			out.Notes = append(out.Notes, n.catalog.droppedItem(l, n.catalog.UnknownItem(l)))
			continue
		}
		item, notes, kept := n.NormalizeItem(raw, l)
		out.Notes = append(out.Notes, notes...)
		if !kept {
			out.Dropped++
			continue
		}
		out.Items = append(out.Items, item)
	}

	out.Total = SumItems(out.Items)
	return out
}

// NormalizeItem builds one Item. Unparseable numeric fields become zero with a
// note; the item is dropped (kept=false) when none of them parse.
func (n *Normalizer) NormalizeItem(raw map[string]any, l prompt.Locale) (item Item, notes []string, kept bool) {
	fields := foldKeys(raw)

	name, named := pickName(fields)
	if !named {
		name = n.catalog.UnknownItem(l)
	}

	var (
		values  [5]float64
		missing []string
	)
	for i, spec := range numericAliases {
		v, _ := spec.resolve(fields)
		f, ok := parseNumber(v)
		if !ok {
			missing = append(missing, spec.canonical)
			continue
		}
		values[i] = f
	}

	if len(missing) == len(numericAliases) {
		return Item{}, []string{n.catalog.droppedItem(l, name)}, false
	}

	if !named {
		notes = append(notes, n.catalog.missingName(l))
	}
	for _, field := range missing {
		notes = append(notes, n.catalog.missingField(l, name, field))
	}

	return Item{
		Name:          name,
		MassGrams:     values[0],
		EnergyKcal:    values[1],
		ProteinG:      values[2],
		FatG:          values[3],
		CarbohydrateG: values[4],
	}, notes, true
}

// foldKeys lowercases keys. When two keys fold together the one already in
// lowercase wins, then the first in sorted order.
func foldKeys(raw map[string]any) map[string]any {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(raw))
	exact := make(map[string]bool, len(raw))
	for _, k := range keys {
		folded := strings.ToLower(strings.TrimSpace(k))
		switch {
		case k == folded:
			out[folded] = raw[k]
			exact[folded] = true
		case exact[folded]:
		default:
			if _, seen := out[folded]; !seen {
				out[folded] = raw[k]
			}
		}
	}
	return out
}

func pickName(fields map[string]any) (string, bool) {
	v, ok := nameAliases.resolve(fields)
	if !ok {
		return "", false
	}
	var name string
	switch x := v.(type) {
	case string:
		name = x
	case float64:
		name = strconv.FormatFloat(x, 'f', -1, 64)
	}
	name = strings.Join(strings.Fields(name), " ")
	return name, name != ""
}

func pickList(fields map[string]any) ([]any, bool) {
	for _, key := range listKeys {
		if list, ok := fields[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func pickNotes(fields map[string]any) string {
	for _, key := range notesKeys {
		switch v := fields[key].(type) {
		case nil:
			continue
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return ""
}

func looksLikeItem(fields map[string]any) bool {
	if nameAliases.matches(fields) {
		return true
	}
	for _, spec := range numericAliases {
		if spec.matches(fields) {
			return true
		}
	}
	return false
}

// parseNumber accepts decoded JSON numbers (float64) and numeric strings such as "150 g",
// "~120" or "1,5". Negative and non-finite values are rejected.
func parseNumber(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		m := numberPattern.FindString(x)
		if m == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}
