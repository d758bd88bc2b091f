//go:build tesseract

package vision

import (
	"context"

	"github.com/otiai10/gosseract/v2"

	"page-translator/internal/detection"
	"page-translator/internal/types"
)

// TesseractLanguages are the traineddata sets loaded for offline detection.
var TesseractLanguages = []string{"chi_sim", "eng"}

// TesseractDetector finds text lines locally with Tesseract. It needs no
// credentials and is useful when the remote model is unreachable.
type TesseractDetector struct{}

// NewTesseractDetector returns the offline detector.
func NewTesseractDetector() (Detector, error) {
	return &TesseractDetector{}, nil
}

// Detect implements Detector. Tesseract reads the page at native size, so
// boxes are mapped back into the request frame before they are returned.
func (d *TesseractDetector) Detect(ctx context.Context, req DetectRequest) (detection.Response, error) {
	if err := ctx.Err(); err != nil {
		return detection.Response{}, types.NewAppError(types.ErrCancelled, "detection cancelled", err)
	}
	data, _, err := Payload(req, false)
	if err != nil {
		return detection.Response{}, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(TesseractLanguages...); err != nil {
		return detection.Response{}, wrapDetectErr(err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return detection.Response{}, wrapDetectErr(err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return detection.Response{}, wrapDetectErr(err)
	}

	sx, sy := 1.0, 1.0
	f := req.Frame
	if f.NativeWidth > 0 && f.NativeHeight > 0 {
		sx = float64(f.InputWidth) / float64(f.NativeWidth)
		sy = float64(f.InputHeight) / float64(f.NativeHeight)
	}

	records := make([]detection.Record, 0, len(boxes))
	for _, b := range boxes {
		records = append(records, detection.Record{
			BBox: [4]float64{
				float64(b.Box.Min.X) * sx,
				float64(b.Box.Min.Y) * sy,
				float64(b.Box.Max.X) * sx,
				float64(b.Box.Max.Y) * sy,
			},
			Text: b.Word,
		})
	}
	return detection.FromRecords(records), nil
}
