package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"nutrition-proxy/internal/pkg/common"
)

// Image is a decoded, validated upload. Data holds the original bytes.
type Image struct {
	Data   []byte
	Format string
	MIME   string
	Width  int
	Height int
}

// DataURL encodes the image for the provider's image_url field.
func (i *Image) DataURL() string {
	return "data:" + i.MIME + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// accepted formats and their MIME types; everything else that decodes is
// recognized only to be rejected as unsupported
var accepted = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// HEIF family brands; there is no Go decoder for them, so they are sniffed.
var heifBrands = []string{"heic", "heix", "hevc", "heim", "heis", "mif1", "msf1", "avif"}

// DefaultMaxPixels bounds decoded dimensions when no limit is configured.
const DefaultMaxPixels = 25_000_000

// Service validates uploaded images.
type Service struct {
	maxSizeBytes int64
	maxPixels    int64
}

// NewService creates an image service with the given byte and pixel limits.
// maxPixels <= 0 means DefaultMaxPixels.
func NewService(maxSizeBytes, maxPixels int64) *Service {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Service{maxSizeBytes: maxSizeBytes, maxPixels: maxPixels}
}

// MaxSizeBytes is the largest accepted image.
func (s *Service) MaxSizeBytes() int64 {
	return s.maxSizeBytes
}

// Validate checks size, format, dimensions and decodability. Errors are
// *common.CustomError carrying INVALID_IMAGE, UNSUPPORTED_IMAGE_FORMAT or
// IMAGE_TOO_LARGE. Pixels are decoded only once the header dimensions are
// within the pixel limit.
func (s *Service) Validate(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, common.NewKindError(common.KindInvalidImage, "image is empty", nil)
	}
	if int64(len(data)) > s.maxSizeBytes {
		return nil, s.tooLarge(int64(len(data)))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if isHEIF(data) {
			return nil, common.NewKindError(common.KindUnsupportedImageFormat, "HEIC/HEIF images are not supported", nil)
		}
		if err == image.ErrFormat {
			return nil, common.NewKindError(common.KindInvalidImage, "data is not an image", err)
		}
		return nil, common.NewKindError(common.KindInvalidImage, "failed to read image header", err)
	}

	mime, ok := accepted[format]
	if !ok {
		return nil, common.NewKindError(common.KindUnsupportedImageFormat,
			fmt.Sprintf("unsupported image format: %s", format), nil)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, common.NewKindError(common.KindInvalidImage, "image has no pixels", nil)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > s.maxPixels {
		return nil, common.NewKindError(common.KindImageTooLarge,
			fmt.Sprintf("image is %dx%d, over the limit of %d pixels", cfg.Width, cfg.Height, s.maxPixels), nil)
	}

	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return nil, common.NewKindError(common.KindInvalidImage, "failed to decode image", err)
	}

	return &Image{
		Data:   data,
		Format: format,
		MIME:   mime,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// DecodeDataURI accepts "data:image/...;base64,<payload>" or bare base64.
func (s *Service) DecodeDataURI(value string) ([]byte, error) {
	payload := strings.TrimSpace(value)
	if strings.HasPrefix(payload, "data:") {
		header, body, found := strings.Cut(payload, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, common.NewKindError(common.KindInvalidImage, "invalid data URI", nil)
		}
		payload = body
	}
	if payload == "" {
		return nil, common.NewKindError(common.KindInvalidImage, "image is empty", nil)
	}

	// reject before allocating the decoded buffer
	if limit := s.maxSizeBytes; int64(base64.StdEncoding.DecodedLen(len(payload))) > limit+3 {
		return nil, s.tooLarge(int64(base64.StdEncoding.DecodedLen(len(payload))))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, common.NewKindError(common.KindInvalidImage, "failed to decode base64 data", err)
		}
	}
	if int64(len(data)) > s.maxSizeBytes {
		return nil, s.tooLarge(int64(len(data)))
	}
	return data, nil
}

func (s *Service) tooLarge(size int64) error {
	return common.NewKindError(common.KindImageTooLarge,
		fmt.Sprintf("image size %d exceeds maximum limit of %d bytes", size, s.maxSizeBytes), nil)
}

// isHEIF looks for an ISO BMFF "ftyp" box with a HEIF brand.
func isHEIF(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	for _, b := range heifBrands {
		if brand == b {
			return true
		}
	}
	return false
}
