package render

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/nutrition"
	"nutrition-proxy/internal/infrastructure/config"
	"nutrition-proxy/internal/pkg/common"
)

// Context keys shared with the middleware.
const (
	failureKindKey = "failure_kind"
	localeKey      = "locale"
)

// Legacy holds the pre-canonical field names some clients still read.
type Legacy struct {
	Grams         *float64 `json:"grams,omitempty"`
	AmountGrams   *float64 `json:"amount_grams,omitempty"`
	Kcal          *float64 `json:"kcal,omitempty"`
	Calories      *float64 `json:"calories,omitempty"`
	Protein       *float64 `json:"protein,omitempty"`
	Fat           *float64 `json:"fat,omitempty"`
	Carbohydrates *float64 `json:"carbohydrates,omitempty"`
	Carbs         *float64 `json:"carbs,omitempty"`
}

func newLegacy(mass, kcal, protein, fat, carbs float64) Legacy {
	return Legacy{
		Grams:         &mass,
		AmountGrams:   &mass,
		Kcal:          &kcal,
		Calories:      &kcal,
		Protein:       &protein,
		Fat:           &fat,
		Carbohydrates: &carbs,
		Carbs:         &carbs,
	}
}

// ItemBody is one item on the wire.
type ItemBody struct {
	Name          string  `json:"name"`
	MassGrams     float64 `json:"mass_grams"`
	EnergyKcal    float64 `json:"energy_kcal"`
	ProteinG      float64 `json:"protein_g"`
	FatG          float64 `json:"fat_g"`
	CarbohydrateG float64 `json:"carbohydrate_g"`
	Legacy
}

// TotalBody is the meal total on the wire.
type TotalBody struct {
	MassGrams     float64 `json:"mass_grams"`
	EnergyKcal    float64 `json:"energy_kcal"`
	ProteinG      float64 `json:"protein_g"`
	FatG          float64 `json:"fat_g"`
	CarbohydrateG float64 `json:"carbohydrate_g"`
	Legacy
}

// SuccessBody is the 200 response of a recognition.
type SuccessBody struct {
	Items   []ItemBody `json:"items"`
	Total   TotalBody  `json:"total"`
	Notes   string     `json:"notes,omitempty"`
	TraceID string     `json:"trace_id"`
}

// FailureBody is the response for every classified failure.
type FailureBody struct {
	ErrorKind         common.ErrorKind `json:"error_kind"`
	UserFacingTitle   string           `json:"user_facing_title"`
	UserFacingMessage string           `json:"user_facing_message"`
	SuggestedActions  []common.Action  `json:"suggested_actions"`
	Retryable         bool             `json:"retryable"`
	TraceID           string           `json:"trace_id"`
}

// Renderer writes recognition outcomes in the configured wire shape.
type Renderer struct {
	catalog       *nutrition.Catalog
	compat        config.CompatConfig
	defaultLocale prompt.Locale
}

// NewRenderer creates a Renderer.
func NewRenderer(catalog *nutrition.Catalog, compat config.CompatConfig, defaultLocale prompt.Locale) *Renderer {
	return &Renderer{catalog: catalog, compat: compat, defaultLocale: defaultLocale}
}

// Outcome writes a pipeline result.
func (r *Renderer) Outcome(c *gin.Context, out *nutrition.Outcome) {
	if out.Failure != nil {
		r.Failure(c, out.Failure)
		return
	}
	r.Success(c, out.Success, out.TraceID)
}

// Success writes a recognized meal.
func (r *Renderer) Success(c *gin.Context, s *nutrition.Success, traceID string) {
	c.JSON(http.StatusOK, r.SuccessBody(s, traceID))
}

// SuccessBody maps a Success to its wire form.
func (r *Renderer) SuccessBody(s *nutrition.Success, traceID string) SuccessBody {
	body := SuccessBody{
		Items:   make([]ItemBody, 0, len(s.Items)),
		Notes:   s.Notes,
		TraceID: traceID,
	}
	for _, it := range s.Items {
		item := ItemBody{
			Name:          it.Name,
			MassGrams:     it.MassGrams,
			EnergyKcal:    it.EnergyKcal,
			ProteinG:      it.ProteinG,
			FatG:          it.FatG,
			CarbohydrateG: it.CarbohydrateG,
		}
		if r.compat.LegacyFieldAliases {
			item.Legacy = newLegacy(it.MassGrams, it.EnergyKcal, it.ProteinG, it.FatG, it.CarbohydrateG)
		}
		body.Items = append(body.Items, item)
	}

	t := s.Total
	body.Total = TotalBody{
		MassGrams:     t.MassGrams,
		EnergyKcal:    t.EnergyKcal,
		ProteinG:      t.ProteinG,
		FatG:          t.FatG,
		CarbohydrateG: t.CarbohydrateG,
	}
	if r.compat.LegacyFieldAliases {
		body.Total.Legacy = newLegacy(t.MassGrams, t.EnergyKcal, t.ProteinG, t.FatG, t.CarbohydrateG)
	}
	return body
}

// Failure writes a classified failure and records its kind for the middleware.
func (r *Renderer) Failure(c *gin.Context, f *nutrition.Failure) {
	c.Set(failureKindKey, f.Kind)

	status := f.Kind.HTTPStatus()
	if r.compat.FailuresAsOK {
		status = http.StatusOK
	}
	c.AbortWithStatusJSON(status, FailureBody{
		ErrorKind:         f.Kind,
		UserFacingTitle:   f.Title,
		UserFacingMessage: f.UserMessage,
		SuggestedActions:  f.SuggestedActions,
		Retryable:         f.Retryable,
		TraceID:           f.TraceID,
	})
}

// Kind writes a failure of kind in the request's locale.
func (r *Renderer) Kind(c *gin.Context, kind common.ErrorKind) {
	r.Failure(c, r.catalog.NewFailure(kind, r.Locale(c), TraceID(c)))
}

// Error writes err. Recognition kinds get a localized FailureBody, anything
// else the plain ErrorResponse.
func (r *Renderer) Error(c *gin.Context, err error) {
	var cerr *common.CustomError
	if !errors.As(err, &cerr) {
		cerr = common.ErrInternalError
	}
	if kind := cerr.Kind(); kind.Valid() {
		r.Kind(c, kind)
		return
	}
	c.AbortWithStatusJSON(cerr.Status, cerr.Response())
}

// SetLocale records the locale the handler resolved for this request.
func SetLocale(c *gin.Context, l prompt.Locale) {
	c.Set(localeKey, l)
}

// Locale is the locale set by the handler, else the "locale" query parameter,
// else Accept-Language, else the default.
func (r *Renderer) Locale(c *gin.Context) prompt.Locale {
	if v, ok := c.Get(localeKey); ok {
		if l, ok := v.(prompt.Locale); ok {
			return l
		}
	}
	if l, ok := prompt.ParseLocale(c.Query("locale")); ok {
		return l
	}
	for _, tag := range strings.Split(c.GetHeader("Accept-Language"), ",") {
		tag, _, _ = strings.Cut(tag, ";")
		if l, ok := prompt.ParseLocale(tag); ok {
			return l
		}
	}
	return r.defaultLocale
}

// FailureKind returns the kind written by Failure, if any.
func FailureKind(c *gin.Context) (common.ErrorKind, bool) {
	v, ok := c.Get(failureKindKey)
	if !ok {
		return "", false
	}
	kind, ok := v.(common.ErrorKind)
	return kind, ok
}

// TraceID is the request id assigned by the requestid middleware.
func TraceID(c *gin.Context) string {
	if id := requestid.Get(c); id != "" {
		return id
	}
	return common.TraceIDFrom(c.Request.Context())
}
