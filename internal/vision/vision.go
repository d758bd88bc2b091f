// Package vision talks to the text-spotting services that locate text lines
// on a page image.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"page-translator/internal/config"
	"page-translator/internal/detection"
	"page-translator/internal/geometry"
	"page-translator/internal/retry"
	"page-translator/internal/types"
)

// DetectRequest carries one page to a detector. Bounds are the pixel bounds
// Frame was computed with; they travel with the image so the model resizes
// into the same frame.
type DetectRequest struct {
	ImagePath    string
	Image        image.Image
	Frame        geometry.Frame
	Bounds       geometry.Bounds
	Prompt       string
	SystemPrompt string
}

// Detector locates text lines on a page. Coordinates in the response are in
// the request's Frame input space.
type Detector interface {
	Detect(ctx context.Context, req DetectRequest) (detection.Response, error)
}

// New builds the detector selected by cfg.Provider.
func New(ctx context.Context, cfg *config.Config) (Detector, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return NewOpenAIDetector(ctx, cfg)
	case config.ProviderGemini:
		return NewGeminiDetector(ctx, cfg)
	case config.ProviderTesseract:
		return NewTesseractDetector()
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "unknown detection provider", cfg.Provider, nil)
	}
}

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// IsSupported reports whether path has an image extension the detectors accept.
func IsSupported(path string) bool {
	_, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MimeType returns the MIME type for an accepted image path.
func MimeType(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := mimeTypes[ext]
	if !ok {
		return "", types.NewAppErrorWithDetails(types.ErrInvalidInput, "unsupported image format", ext, nil)
	}
	return mime, nil
}

// LoadImage decodes a png, jpeg or webp file.
func LoadImage(path string) (image.Image, error) {
	if !IsSupported(path) {
		return nil, types.NewAppErrorWithDetails(types.ErrInvalidInput, "unsupported image format", filepath.Ext(path), nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrIO, "failed to open image", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, types.NewAppError(types.ErrInvalidInput, "failed to decode image", err)
	}
	return img, nil
}

// Payload returns the bytes and MIME type to upload for req. With resize set
// and a frame that differs from the native size, the page is resampled to the
// frame and sent as PNG so the model sees exactly the frame its coordinates
// refer to. Otherwise the original file is sent as is.
func Payload(req DetectRequest, resize bool) ([]byte, string, error) {
	if resize && req.Frame.Rescaled() && req.Image != nil {
		dst := image.NewRGBA(image.Rect(0, 0, req.Frame.InputWidth, req.Frame.InputHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), req.Image, req.Image.Bounds(), draw.Over, nil)

		var buf bytes.Buffer
		if err := png.Encode(&buf, dst); err != nil {
			return nil, "", types.NewAppError(types.ErrDetection, "failed to encode resized page", err)
		}
		return buf.Bytes(), "image/png", nil
	}

	mime, err := MimeType(req.ImagePath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrIO, "failed to read page image", err)
	}
	return data, mime, nil
}

// DataURL renders bytes as a base64 data URL.
func DataURL(data []byte, mime string) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// wrapDetectErr tags a failed call as a detection error, keeping
// cancellation distinguishable.
func wrapDetectErr(err error) error {
	if types.IsCode(err, types.ErrCancelled) {
		return err
	}
	return types.NewAppError(types.ErrDetection, "text detection failed", err)
}

func policyFor(cfg *config.Config) retry.Policy {
	return retry.PolicyFor(cfg)
}
