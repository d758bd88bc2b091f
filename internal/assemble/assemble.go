// Package assemble concatenates page images into a PDF, one page per image.
package assemble

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"page-translator/internal/logger"
	"page-translator/internal/naturalsort"
	"page-translator/internal/types"
)

// PageSize is a page size in points.
type PageSize struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// A4 is used when there is no image to take the size from.
var A4 = PageSize{W: 595.28, H: 841.89}

// Assembler writes image sequences to PDF.
type Assembler struct {
	// PageSize fixes every page to one size; nil sizes each page to its image.
	PageSize *PageSize
	// Validate runs pdfcpu over the written file.
	Validate bool
	conf     *model.Configuration
}

// New returns an Assembler that sizes pages to their images and validates
// its output.
func New() *Assembler {
	return &Assembler{Validate: true, conf: model.NewDefaultConfiguration()}
}

// Assemble writes imagePaths, naturally sorted, to outputPath. Paths that no
// longer exist are skipped with a warning.
func (a *Assembler) Assemble(imagePaths []string, outputPath string) (string, error) {
	paths := naturalsort.Sorted(imagePaths)

	type page struct {
		path string
		kind string
		size PageSize
	}
	pages := make([]page, 0, len(paths))
	for _, p := range paths {
		size, kind, err := imageSize(p)
		if err != nil {
			logger.Warn("skipping page image",
				logger.String("path", p),
				logger.Err(err))
			continue
		}
		pages = append(pages, page{path: p, kind: kind, size: size})
	}

	initial := A4
	switch {
	case a.PageSize != nil:
		initial = *a.PageSize
	case len(pages) > 0:
		initial = pages[0].size
	}

	doc := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: initial.W, Ht: initial.H},
	})
	doc.SetMargins(0, 0, 0)
	doc.SetAutoPageBreak(false, 0)

	for _, p := range pages {
		size := p.size
		if a.PageSize != nil {
			size = *a.PageSize
		}
		doc.AddPageFormat("P", fpdf.SizeType{Wd: size.W, Ht: size.H})
		doc.ImageOptions(p.path, 0, 0, size.W, size.H, false, fpdf.ImageOptions{ImageType: p.kind}, 0, "")
		if doc.Err() {
			return "", types.NewAppErrorWithDetails(types.ErrAssemble, "failed to add page image", p.path, doc.Error())
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return "", types.NewAppError(types.ErrIO, "failed to create output directory", err)
	}
	if err := doc.OutputFileAndClose(outputPath); err != nil {
		return "", types.NewAppError(types.ErrAssemble, "failed to write PDF", err)
	}

	if a.Validate {
		a.check(outputPath, len(pages))
	}

	logger.Info("document assembled",
		logger.String("output", outputPath),
		logger.Int("pages", len(pages)),
		logger.Int("skipped", len(paths)-len(pages)))
	return outputPath, nil
}

// check validates the written file; problems are logged, not returned,
// since the file is already complete.
func (a *Assembler) check(path string, want int) {
	conf := a.conf
	if conf == nil {
		conf = model.NewDefaultConfiguration()
	}
	if err := api.ValidateFile(path, conf); err != nil {
		logger.Warn("assembled PDF failed validation", logger.String("path", path), logger.Err(err))
		return
	}
	ctx, err := api.ReadContextFile(path)
	if err != nil {
		logger.Warn("could not read assembled PDF", logger.String("path", path), logger.Err(err))
		return
	}
	// an empty input still yields one blank page
	if want > 0 && ctx.PageCount != want {
		logger.Warn("assembled page count mismatch",
			logger.Int("expected", want),
			logger.Int("actual", ctx.PageCount))
	}
}

// imageSize returns an image's pixel dimensions, used as points, and the
// fpdf image type.
func imageSize(path string) (PageSize, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return PageSize{}, "", err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return PageSize{}, "", err
	}

	kind := strings.ToUpper(format)
	if kind == "JPEG" {
		kind = "JPG"
	}
	return PageSize{W: float64(cfg.Width), H: float64(cfg.Height)}, kind, nil
}
