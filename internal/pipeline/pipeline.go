// Package pipeline runs page annotation over a whole document and drives a
// document from PDF to translated PDF.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"page-translator/internal/annotate"
	"page-translator/internal/logger"
	"page-translator/internal/naturalsort"
	"page-translator/internal/types"
)

// PageAnnotator annotates one page image file into another.
type PageAnnotator interface {
	AnnotateFile(ctx context.Context, srcPath, dstPath string) (annotate.PageResult, error)
}

// ProgressFunc is called after every finished page. done grows by one per call.
type ProgressFunc func(done, total int, page string)

// Pipeline annotates the pages of one document into outputDir/{pdfName}.
type Pipeline struct {
	annotator   PageAnnotator
	outputDir   string
	concurrency int
	progress    ProgressFunc
}

// New creates a Pipeline. concurrency below 1 runs pages sequentially.
func New(annotator PageAnnotator, outputDir string, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{annotator: annotator, outputDir: outputDir, concurrency: concurrency}
}

// OnProgress sets the per-page progress callback.
func (p *Pipeline) OnProgress(fn ProgressFunc) {
	p.progress = fn
}

// DocumentDir is the directory annotated pages of pdfName are written to.
func (p *Pipeline) DocumentDir(pdfName string) string {
	return filepath.Join(p.outputDir, pdfName)
}

// Process annotates imagePaths and returns the written page paths in natural
// order.
func (p *Pipeline) Process(ctx context.Context, imagePaths []string, pdfName string) ([]string, error) {
	results, err := p.Run(ctx, imagePaths, pdfName)
	if err != nil {
		return nil, err
	}
	return Outputs(results), nil
}

// Run is Process returning the per-page results, in natural order. Pages
// whose output could not be written have an empty Output.
func (p *Pipeline) Run(ctx context.Context, imagePaths []string, pdfName string) ([]annotate.PageResult, error) {
	if err := checkOutputNames(imagePaths); err != nil {
		return nil, err
	}
	dir := p.DocumentDir(pdfName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, types.NewAppError(types.ErrIO, "failed to create output directory", err)
	}

	paths := naturalsort.Sorted(imagePaths)
	total := len(paths)
	results := make([]annotate.PageResult, total)

	logger.Info("annotating pages",
		logger.String("document", pdfName),
		logger.Int("pages", total),
		logger.Int("concurrency", p.concurrency))

	// Use semaphore for concurrency control
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	cancelled := false
	for i, src := range paths {
		select {
		case <-ctx.Done():
			cancelled = true
		case sem <- struct{}{}:
		}
		if cancelled {
			break
		}

		wg.Add(1)
		go func(idx int, src string) {
			defer wg.Done()
			defer func() { <-sem }()

			dst := filepath.Join(dir, annotate.OutputName(src))
			res, err := p.annotator.AnnotateFile(ctx, src, dst)
			if err != nil {
				// nothing usable was written for this page
				res.Source = src
				res.Output = ""
				res.Ok = false
				res.Stage = annotate.StageRender
				res.Reason = err.Error()
				logger.Error("failed to write page", err, logger.String("page", filepath.Base(src)))
			}
			results[idx] = res

			mu.Lock()
			done++
			if p.progress != nil {
				p.progress(done, total, filepath.Base(src))
			}
			mu.Unlock()
		}(i, src)
	}
	wg.Wait()

	if cancelled || ctx.Err() != nil {
		return nil, types.NewAppError(types.ErrCancelled, "page annotation cancelled", ctx.Err())
	}

	sortResults(results)
	return results, nil
}

// checkOutputNames rejects pages that would write the same output file, such
// as equally named images from different directories.
func checkOutputNames(paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, src := range paths {
		name := annotate.OutputName(src)
		if prev, ok := seen[name]; ok {
			return types.NewAppErrorWithDetails(types.ErrInvalidInput, "pages share an output name",
				fmt.Sprintf("%s and %s both write %s", prev, src, name), nil)
		}
		seen[name] = src
	}
	return nil
}

// Outputs returns the written output paths of results, in natural order.
func Outputs(results []annotate.PageResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Output != "" {
			out = append(out, r.Output)
		}
	}
	naturalsort.Sort(out)
	return out
}

// sortResults orders results by their output name, falling back to the
// source name for pages that produced nothing.
func sortResults(results []annotate.PageResult) {
	key := func(r annotate.PageResult) string {
		if r.Output != "" {
			return filepath.Base(r.Output)
		}
		return filepath.Base(r.Source)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return naturalsort.Less(key(results[i]), key(results[j]))
	})
}
