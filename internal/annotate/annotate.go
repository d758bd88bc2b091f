// Package annotate draws the translation of every detected text line onto a
// page image. A page that cannot be annotated is passed through unchanged.
package annotate

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/lucasb-eyer/go-colorful"

	"page-translator/internal/config"
	"page-translator/internal/detection"
	"page-translator/internal/geometry"
	"page-translator/internal/logger"
	"page-translator/internal/translate"
	"page-translator/internal/types"
	"page-translator/internal/vision"
)

// Failure stages.
const (
	StageLoad     = "load"
	StageGeometry = "geometry"
	StageDetect   = "detect"
	StageRender   = "render"
)

// Stats counts what happened to the records of one page.
type Stats struct {
	Records  int `json:"records"`
	Degraded int `json:"degraded"` // drawn with the original text
	Skipped  int `json:"skipped"`  // malformed records dropped by the parser
}

// Line is one drawn record in native page coordinates.
type Line struct {
	Rect        geometry.Rect
	Text        string
	Translation string
	Translated  bool
}

// Outcome is either Ok (an annotated image) or Failed (a reason and the
// stage that produced it).
type Outcome struct {
	Image image.Image
	Stats Stats
	Lines []Line

	Stage  string
	Reason error
}

// Ok builds a successful outcome.
func Ok(img image.Image, stats Stats, lines []Line) Outcome {
	return Outcome{Image: img, Stats: stats, Lines: lines}
}

// Failed builds a failed outcome.
func Failed(stage string, reason error) Outcome {
	if reason == nil {
		reason = fmt.Errorf("%s failed", stage)
	}
	return Outcome{Stage: stage, Reason: reason}
}

// IsOk reports whether the outcome carries an image.
func (o Outcome) IsOk() bool { return o.Reason == nil }

// Options configures an Annotator.
type Options struct {
	Bounds       geometry.Bounds
	Prompt       string
	SystemPrompt string
	Font         *Font
	Color        color.Color
	LineWidth    float64
	Parser       *detection.Parser
}

// Annotator detects, translates and draws one page at a time. It holds no
// per-page state and is safe for concurrent use.
type Annotator struct {
	detector   vision.Detector
	translator translate.Translator
	opts       Options
}

// New creates an Annotator. Zero options take the defaults.
func New(detector vision.Detector, translator translate.Translator, opts Options) (*Annotator, error) {
	if opts.Bounds == (geometry.Bounds{}) {
		opts.Bounds = geometry.DefaultBounds()
	}
	if err := opts.Bounds.Validate(); err != nil {
		return nil, types.NewAppError(types.ErrConfig, "invalid pixel bounds", err)
	}
	if opts.Prompt == "" {
		opts.Prompt = config.DefaultDetectionPrompt
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = config.DefaultSystemPrompt
	}
	if opts.Font == nil {
		f, err := LoadFont("", config.DefaultFontSize)
		if err != nil {
			return nil, err
		}
		opts.Font = f
	}
	if opts.Color == nil {
		opts.Color = color.RGBA{R: 255, A: 255}
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = 1
	}
	if opts.Parser == nil {
		opts.Parser = detection.NewParser()
	}
	return &Annotator{detector: detector, translator: translator, opts: opts}, nil
}

// NewFromConfig builds the Annotator a run configuration describes.
func NewFromConfig(cfg *config.Config, detector vision.Detector, translator translate.Translator) (*Annotator, error) {
	c, err := ParseColor(cfg.BoxColor)
	if err != nil {
		return nil, err
	}
	f, err := LoadFont(cfg.FontPath, cfg.FontSize)
	if err != nil {
		return nil, err
	}
	return New(detector, translator, Options{
		Bounds:       geometry.Bounds{MinPixels: cfg.MinPixels, MaxPixels: cfg.MaxPixels},
		Prompt:       cfg.DetectionPrompt,
		SystemPrompt: cfg.SystemPrompt,
		Font:         f,
		Color:        c,
	})
}

// ParseColor parses a #rrggbb colour.
func ParseColor(hex string) (color.Color, error) {
	if hex == "" {
		hex = config.DefaultBoxColor
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "invalid box colour", hex, err)
	}
	return c, nil
}

// Annotate runs detection and translation for page and draws the result.
func (a *Annotator) Annotate(ctx context.Context, page image.Image, pagePath string) Outcome {
	size := page.Bounds().Size()
	frame, err := geometry.NewFrame(size.X, size.Y, a.opts.Bounds)
	if err != nil {
		return Failed(StageGeometry, err)
	}

	resp, err := a.detector.Detect(ctx, vision.DetectRequest{
		ImagePath:    pagePath,
		Image:        page,
		Frame:        frame,
		Bounds:       a.opts.Bounds,
		Prompt:       a.opts.Prompt,
		SystemPrompt: a.opts.SystemPrompt,
	})
	if err != nil {
		return Failed(StageDetect, err)
	}

	parsed := a.opts.Parser.Parse(resp)
	stats := Stats{Records: len(parsed.Records), Skipped: parsed.Skipped}

	dc := gg.NewContextForImage(page)
	dc.SetFontFace(truetype.NewFace(a.opts.Font.TTF, &truetype.Options{Size: a.opts.Font.Size}))
	dc.SetColor(a.opts.Color)
	dc.SetLineWidth(a.opts.LineWidth)

	lines := make([]Line, 0, len(parsed.Records))
	for _, rec := range parsed.Records {
		if err := ctx.Err(); err != nil {
			return Failed(StageRender, types.NewAppError(types.ErrCancelled, "annotation cancelled", err))
		}

		rect := frame.Rescale(rec.Box())
		line := Line{Rect: rect, Text: rec.Text, Translation: rec.Text}

		out, err := a.translator.Translate(ctx, rec.Text)
		if err != nil {
			stats.Degraded++
			logger.Warn("translation failed, drawing original text",
				logger.String("page", filepath.Base(pagePath)),
				logger.String("text", rec.Text),
				logger.Err(err))
		} else {
			line.Translation = out
			line.Translated = true
		}

		dc.DrawRectangle(float64(rect.X1), float64(rect.Y1), float64(rect.Width()), float64(rect.Height()))
		dc.Stroke()
		dc.DrawString(line.Translation, float64(rect.X1), float64(rect.Y2))
		lines = append(lines, line)
	}

	logger.Debug("page annotated",
		logger.String("page", filepath.Base(pagePath)),
		logger.Int("records", stats.Records),
		logger.Int("degraded", stats.Degraded),
		logger.Int("skipped", stats.Skipped),
		logger.Bool("rescaled", frame.Rescaled()))

	return Ok(dc.Image(), stats, lines)
}

// PageResult is the per-page summary handed back to the pipeline.
type PageResult struct {
	Source string `json:"source"`
	Output string `json:"output"`
	Ok     bool   `json:"ok"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Stats  Stats  `json:"stats"`
	Lines  []Line `json:"-"`
}

// AnnotateFile annotates srcPath into dstPath. Whatever goes wrong with the
// page, dstPath ends up holding either the annotated image or a byte copy of
// the source; only a failure to write dstPath is returned.
func (a *Annotator) AnnotateFile(ctx context.Context, srcPath, dstPath string) (PageResult, error) {
	var outcome Outcome
	page, err := vision.LoadImage(srcPath)
	if err != nil {
		outcome = Failed(StageLoad, err)
	} else {
		outcome = a.Annotate(ctx, page, srcPath)
	}

	res := PageResult{Source: srcPath, Output: dstPath, Ok: outcome.IsOk(), Stats: outcome.Stats, Lines: outcome.Lines}
	if !outcome.IsOk() {
		res.Stage = outcome.Stage
		res.Reason = outcome.Reason.Error()
		logger.Warn("page annotation failed, keeping original",
			logger.String("page", filepath.Base(srcPath)),
			logger.String("stage", outcome.Stage),
			logger.Err(outcome.Reason))
	}

	if err := UseOriginalOnFailed(outcome, srcPath, dstPath); err != nil {
		return res, err
	}
	return res, nil
}

// UseOriginalOnFailed writes an Ok outcome's image to dst, or copies src to
// dst byte for byte when the outcome failed.
func UseOriginalOnFailed(o Outcome, src, dst string) error {
	if o.IsOk() {
		return SaveImage(o.Image, dst)
	}
	return copyFile(src, dst)
}

// SaveImage encodes img by dst's extension (png or jpeg).
func SaveImage(img image.Image, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return types.NewAppError(types.ErrIO, "failed to create output image", err)
	}

	switch strings.ToLower(filepath.Ext(dst)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.NewAppError(types.ErrRender, "failed to encode output image", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return types.NewAppError(types.ErrIO, "failed to open source page", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return types.NewAppError(types.ErrIO, "failed to create output image", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return types.NewAppError(types.ErrIO, "failed to copy source page", err)
	}
	if err := out.Close(); err != nil {
		return types.NewAppError(types.ErrIO, "failed to copy source page", err)
	}
	return nil
}

// OutputName returns {base}_translated{ext}. WebP has no encoder here, so
// WebP pages are written as PNG.
func OutputName(pagePath string) string {
	base := filepath.Base(pagePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if strings.EqualFold(ext, ".webp") {
		ext = ".png"
	}
	return stem + "_translated" + ext
}
