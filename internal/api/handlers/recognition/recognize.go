package recognition

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nutrition-proxy/internal/api/render"
	"nutrition-proxy/internal/core/ai/prompt"
	"nutrition-proxy/internal/core/image"
	"nutrition-proxy/internal/core/nutrition"
	"nutrition-proxy/internal/pkg/common"
)

// Recognizer runs the recognition pipeline.
type Recognizer interface {
	Recognize(ctx context.Context, req nutrition.Request) *nutrition.Outcome
}

// RecognizeRequest is the JSON form of an upload.
type RecognizeRequest struct {
	// Image is a data URI or bare base64.
	Image       string `json:"image"`
	UserComment string `json:"user_comment"`
	Locale      string `json:"locale"`
}

// Handler serves POST /api/v1/ai/recognize-food.
type Handler struct {
	recognizer Recognizer
	images     *image.Service
	renderer   *render.Renderer
}

// NewHandler creates a Handler.
func NewHandler(recognizer Recognizer, images *image.Service, renderer *render.Renderer) *Handler {
	return &Handler{
		recognizer: recognizer,
		images:     images,
		renderer:   renderer,
	}
}

type upload struct {
	data    []byte
	comment string
	locale  string
}

// Recognize accepts a multipart form (image, user_comment, locale) or a JSON
// RecognizeRequest.
func (h *Handler) Recognize(c *gin.Context) {
	traceID := render.TraceID(c)

	up, err := h.readUpload(c)
	if l, ok := prompt.ParseLocale(up.locale); ok {
		render.SetLocale(c, l)
	}
	locale := h.renderer.Locale(c)

	if err != nil {
		common.LogWarn("Rejected upload",
			zap.Error(err),
			zap.String("trace_id", traceID),
			zap.String("content_type", c.ContentType()),
		)
		h.renderer.Error(c, err)
		return
	}

	img, err := h.images.Validate(up.data)
	if err != nil {
		common.LogWarn("Rejected image",
			zap.Error(err),
			zap.String("trace_id", traceID),
			zap.Int("image_bytes", len(up.data)),
		)
		h.renderer.Error(c, err)
		return
	}

	common.LogInfo("Recognition request",
		zap.String("trace_id", traceID),
		zap.String("client_ip", c.ClientIP()),
		zap.String("format", img.Format),
		zap.Int("image_bytes", len(img.Data)),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("comment_length", len([]rune(up.comment))),
		zap.String("locale", string(locale)),
	)

	out := h.recognizer.Recognize(c.Request.Context(), nutrition.Request{
		ImageURL:   img.DataURL(),
		Annotation: up.comment,
		Locale:     locale,
		TraceID:    traceID,
	})
	h.renderer.Outcome(c, out)
}

func (h *Handler) readUpload(c *gin.Context) (upload, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return h.readMultipart(c)
	}
	return h.readJSON(c)
}

func (h *Handler) readMultipart(c *gin.Context) (upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return upload{}, bodyError(err)
	}

	up := upload{
		comment: firstValue(form.Value["user_comment"]),
		locale:  firstValue(form.Value["locale"]),
	}
	files := form.File["image"]
	if len(files) == 0 {
		return up, common.NewKindError(common.KindInvalidImage, "no image in form", nil)
	}

	up.data, err = h.readFile(files[0])
	return up, err
}

func (h *Handler) readFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.images.MaxSizeBytes() {
		return nil, common.NewKindError(common.KindImageTooLarge, "image exceeds size limit", nil)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, common.NewKindError(common.KindInvalidImage, "failed to open uploaded image", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.images.MaxSizeBytes()+1))
	if err != nil {
		return nil, common.NewKindError(common.KindInvalidImage, "failed to read uploaded image", err)
	}
	return data, nil
}

func (h *Handler) readJSON(c *gin.Context) (upload, error) {
	var req RecognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return upload{}, bodyError(err)
	}

	up := upload{comment: req.UserComment, locale: req.Locale}
	data, err := h.images.DecodeDataURI(req.Image)
	if err != nil {
		return up, err
	}
	up.data = data
	return up, nil
}

// bodyError classifies a failure to parse the request body.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return common.NewKindError(common.KindImageTooLarge, "request body exceeds size limit", err)
	}
	return common.NewKindError(common.KindInvalidImage, "malformed request body", err)
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
