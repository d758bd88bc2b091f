//go:build !tesseract

package vision

import "page-translator/internal/types"

// NewTesseractDetector reports that this build has no Tesseract support.
// Build with -tags tesseract to enable it.
func NewTesseractDetector() (Detector, error) {
	return nil, types.NewAppErrorWithDetails(types.ErrConfig, "tesseract provider unavailable",
		"rebuild with -tags tesseract", nil)
}
