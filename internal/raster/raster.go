// Package raster converts PDF documents into one PNG per page.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	ledongthucpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"page-translator/internal/logger"
	"page-translator/internal/naturalsort"
	"page-translator/internal/types"
)

// DefaultBinary is the poppler rasterizer looked up on PATH.
const DefaultBinary = "pdftoppm"

// Rasterizer renders every page of a PDF into outputDir and returns the
// image paths in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error)
}

// Poppler rasterizes with pdftoppm.
type Poppler struct {
	Binary string
}

// NewPoppler returns a Poppler using pdftoppm from PATH.
func NewPoppler() *Poppler {
	return &Poppler{Binary: DefaultBinary}
}

// Available checks if the rasterizer binary can be executed
func (p *Poppler) Available() bool {
	cmd := exec.Command(p.binary(), "-v")
	hideWindowOnWindows(cmd)
	return cmd.Run() == nil
}

func (p *Poppler) binary() string {
	if p.Binary == "" {
		return DefaultBinary
	}
	return p.Binary
}

// Rasterize writes {name}_page_{n}.png for every page, n starting at 1.
func (p *Poppler) Rasterize(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error) {
	if dpi <= 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrInvalidInput, "invalid DPI", strconv.Itoa(dpi), nil)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, types.NewAppError(types.ErrIO, "failed to create image directory", err)
	}

	name := DocumentName(pdfPath)
	expected, err := PageCount(pdfPath)
	if err != nil {
		// pdftoppm is more tolerant than either parser; let it decide
		logger.Warn("could not read page count before rasterizing",
			logger.String("pdf", filepath.Base(pdfPath)),
			logger.Err(err))
		expected = 0
	}

	logger.Info("rasterizing document",
		logger.String("pdf", filepath.Base(pdfPath)),
		logger.Int("pages", expected),
		logger.Int("dpi", dpi))

	prefix := filepath.Join(outputDir, name)
	args := []string{
		"-png",
		"-r", strconv.Itoa(dpi),
		pdfPath,
		prefix,
	}

	cmd := exec.CommandContext(ctx, p.binary(), args...)
	hideWindowOnWindows(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, types.NewAppError(types.ErrCancelled, "rasterization cancelled", ctx.Err())
		}
		return nil, types.NewAppErrorWithDetails(types.ErrRasterize, "pdftoppm failed",
			strings.TrimSpace(stderr.String()), err)
	}

	pages, err := collectPages(outputDir, name)
	if err != nil {
		return nil, err
	}
	if expected > 0 && len(pages) != expected {
		logger.Warn("rasterized page count differs from document",
			logger.Int("expected", expected),
			logger.Int("actual", len(pages)))
	}

	logger.Info("document rasterized",
		logger.String("pdf", filepath.Base(pdfPath)),
		logger.Int("pages", len(pages)),
		logger.String("dir", outputDir))
	return pages, nil
}

// collectPages renames pdftoppm output ({name}-1.png or zero padded
// {name}-01.png) to {name}_page_{n}.png and returns the result in page order.
func collectPages(dir, name string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.NewAppError(types.ErrIO, "failed to read image directory", err)
	}

	var pages []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if !strings.HasPrefix(stem, name+"-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(stem, name+"-"))
		if err != nil {
			continue
		}

		dst := filepath.Join(dir, PageName(name, n))
		if err := os.Rename(filepath.Join(dir, e.Name()), dst); err != nil {
			return nil, types.NewAppError(types.ErrIO, "failed to rename page image", err)
		}
		pages = append(pages, dst)
	}

	naturalsort.Sort(pages)
	return pages, nil
}

// PageName is the file name of page n (1-based) of document name.
func PageName(name string, n int) string {
	return fmt.Sprintf("%s_page_%d.png", name, n)
}

// DocumentName is the PDF file name without directory and extension.
func DocumentName(pdfPath string) string {
	base := filepath.Base(pdfPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// PageCount returns the number of pages of a PDF. ledongthuc/pdf is tried
// first, pdfcpu second.
func PageCount(pdfPath string) (int, error) {
	n, err := pageCountLedongthuc(pdfPath)
	if err == nil && n > 0 {
		return n, nil
	}

	ctx, cpuErr := api.ReadContextFile(pdfPath)
	if cpuErr != nil {
		if err == nil {
			err = cpuErr
		}
		return 0, types.NewAppError(types.ErrInvalidInput, "unable to read PDF", err)
	}
	return ctx.PageCount, nil
}

func pageCountLedongthuc(pdfPath string) (n int, err error) {
	// the parser panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	f, r, err := ledongthucpdf.Open(pdfPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}

// Cleanup removes a document's working image directory.
func Cleanup(imageDir string) error {
	if imageDir == "" {
		return nil
	}
	if err := os.RemoveAll(imageDir); err != nil {
		return types.NewAppError(types.ErrIO, "failed to remove working images", err)
	}
	logger.Debug("working images removed", logger.String("dir", imageDir))
	return nil
}
