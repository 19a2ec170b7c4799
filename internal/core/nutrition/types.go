package nutrition

import (
	"time"

	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/pkg/common"
)

// State is a step of the recognition pipeline.
type State string

const (
	StateGating      State = "GATING"
	StateRecognizing State = "RECOGNIZING"
	StateParsing     State = "PARSING"
	StateNormalizing State = "NORMALIZING"
	StateValidating  State = "VALIDATING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Item is one recognized food component. Built only by the Normalizer.
type Item struct {
	Name          string  `json:"name"`
	MassGrams     float64 `json:"mass_grams"`
	EnergyKcal    float64 `json:"energy_kcal"`
	ProteinG      float64 `json:"protein_g"`
	FatG          float64 `json:"fat_g"`
	CarbohydrateG float64 `json:"carbohydrate_g"`
}

// Total is the field-wise sum of a meal's items.
type Total struct {
	MassGrams     float64 `json:"mass_grams"`
	EnergyKcal    float64 `json:"energy_kcal"`
	ProteinG      float64 `json:"protein_g"`
	FatG          float64 `json:"fat_g"`
	CarbohydrateG float64 `json:"carbohydrate_g"`
}

// SumItems adds the items up in order.
func SumItems(items []Item) Total {
	var t Total
	for _, it := range items {
		t.MassGrams += it.MassGrams
		t.EnergyKcal += it.EnergyKcal
		t.ProteinG += it.ProteinG
		t.FatG += it.FatG
		t.CarbohydrateG += it.CarbohydrateG
	}
	return t
}

// Success is a recognized meal.
type Success struct {
	Items []Item
	Total Total
	Notes string
}

// Failure is a classified, user-presentable error.
type Failure struct {
	Kind             common.ErrorKind
	Title            string
	UserMessage      string
	SuggestedActions []common.Action
	TraceID          string
	Retryable        bool
	// Detail is for logs only and never reaches the client.
	Detail string
}

// Outcome of one recognition; exactly one of Success and Failure is set.
type Outcome struct {
	Success *Success
	Failure *Failure
	TraceID string
	// State is DONE or FAILED; FailedAt names the step that failed.
	State    State
	FailedAt State
	Elapsed  time.Duration
	Gate     *GateDecision
}

// OK reports whether the outcome is a success.
func (o *Outcome) OK() bool {
	return o.Success != nil
}

// GateDecision is the food/non-food pre-check result.
type GateDecision struct {
	IsFood     bool
	Confidence float64
	Reason     string
}

// Request is one recognition job.
type Request struct {
	// ImageURL is the data URI handed to the model; the core never inspects it.
	ImageURL   string
	Annotation string
	Locale     prompt.Locale
	TraceID    string
}
