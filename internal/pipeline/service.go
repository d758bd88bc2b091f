package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"page-translator/internal/annotate"
	"page-translator/internal/assemble"
	"page-translator/internal/config"
	"page-translator/internal/errors"
	"page-translator/internal/export"
	"page-translator/internal/logger"
	"page-translator/internal/naturalsort"
	"page-translator/internal/raster"
	"page-translator/internal/results"
	"page-translator/internal/translate"
	"page-translator/internal/types"
	"page-translator/internal/vision"
)

// Progress milestones of a document run.
const (
	ProgressStart       = 0.1
	ProgressRasterized  = 0.2
	ProgressImagesReady = 0.4
	ProgressTranslating = 0.5
	ProgressAssembling  = 0.8
	ProgressDone        = 1.0
)

// StatusFunc receives every status change of a run.
type StatusFunc func(types.Status)

// Options wires the collaborators of a Service. Errors and Results are
// optional.
type Options struct {
	Rasterizer raster.Rasterizer
	Annotator  PageAnnotator
	Assembler  *assemble.Assembler
	Errors     *errors.ErrorManager
	Results    *results.ResultManager
	OnStatus   StatusFunc
	// Closer releases the annotator's remote clients.
	Closer func() error
}

// Service translates whole documents. It is used the same way by every
// front-end.
type Service struct {
	cfg        *config.Config
	rasterizer raster.Rasterizer
	annotator  PageAnnotator
	assembler  *assemble.Assembler
	errs       *errors.ErrorManager
	runs       *results.ResultManager
	onStatus   StatusFunc
	closer     func() error

	mu     sync.RWMutex
	status types.Status

	// docLocks serialises runs that write the same output directory.
	docLocks sync.Map // absolute docDir -> chan struct{}
}

// NewService creates a Service from explicit collaborators.
func NewService(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, types.NewAppError(types.ErrConfig, "configuration is required", nil)
	}
	if opts.Annotator == nil {
		return nil, types.NewAppError(types.ErrConfig, "annotator is required", nil)
	}
	if opts.Rasterizer == nil {
		opts.Rasterizer = raster.NewPoppler()
	}
	if opts.Assembler == nil {
		opts.Assembler = assemble.New()
	}
	return &Service{
		cfg:        cfg,
		rasterizer: opts.Rasterizer,
		annotator:  opts.Annotator,
		assembler:  opts.Assembler,
		errs:       opts.Errors,
		runs:       opts.Results,
		onStatus:   opts.OnStatus,
		closer:     opts.Closer,
		status:     types.Status{Phase: types.PhaseIdle},
	}, nil
}

// NewServiceFromConfig validates cfg and builds the detector, translator,
// annotator and stores it describes.
func NewServiceFromConfig(ctx context.Context, cfg *config.Config, onStatus StatusFunc) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	detector, err := vision.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	translator, err := translate.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closer := func() error {
		var errs []error
		if c, ok := detector.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
		errs = append(errs, translate.Close(translator))
		return stderrors.Join(errs...)
	}

	annotator, err := annotate.NewFromConfig(cfg, detector, translator)
	if err != nil {
		closer()
		return nil, err
	}

	em, err := errors.NewErrorManager("")
	if err != nil {
		logger.Warn("page failure log disabled", logger.Err(err))
		em = nil
	}
	rm, err := results.NewResultManager("")
	if err != nil {
		logger.Warn("run history disabled", logger.Err(err))
		rm = nil
	}

	return NewService(cfg, Options{
		Annotator: annotator,
		Errors:    em,
		Results:   rm,
		OnStatus:  onStatus,
		Closer:    closer,
	})
}

// Close releases remote clients and flushes the translation cache.
func (s *Service) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Config returns the configuration the service runs with.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Results returns the run history store, or nil.
func (s *Service) Results() *results.ResultManager {
	return s.runs
}

// Errors returns the page failure log, or nil.
func (s *Service) Errors() *errors.ErrorManager {
	return s.errs
}

// Status returns the latest status.
func (s *Service) Status() types.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(st types.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// TranslateDocument converts docPath into {outputDir}/{name}/{name}_translated.pdf.
// An empty outputDir uses the configured output directory.
func (s *Service) TranslateDocument(ctx context.Context, docPath, outputDir string) (types.DocumentResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	if outputDir == "" {
		outputDir = s.cfg.OutputDirectory
	}

	if err := checkSource(docPath); err != nil {
		s.fail("", err)
		return types.DocumentResult{}, err
	}

	name := raster.DocumentName(docPath)
	result := types.DocumentResult{RunID: runID, Document: name}
	docDir := filepath.Join(outputDir, name)
	if err := os.MkdirAll(docDir, 0755); err != nil {
		appErr := types.NewAppError(types.ErrIO, "failed to create output directory", err)
		s.fail(name, appErr)
		return result, appErr
	}

	unlock, err := s.lockDocDir(ctx, docDir)
	if err != nil {
		s.fail(name, err)
		return result, err
	}
	defer unlock()

	s.startRun(runID, name, docPath, docDir, start)
	log := func(msg string, fields ...logger.Field) {
		logger.Info(msg, append([]logger.Field{logger.String("run", runID), logger.String("document", name)}, fields...)...)
	}
	log("translating document", logger.String("path", docPath))

	fail := func(phase types.Phase, err error) (types.DocumentResult, error) {
		s.fail(name, err)
		s.finishRun(runID, phase, err)
		return result, err
	}

	// 1. rasterize
	s.setStatus(types.Status{Phase: types.PhaseRasterizing, Progress: ProgressStart, Message: "正在转换页面图像", Document: name})
	imgDir := s.cfg.RunImageDir(name, runID)
	if !s.cfg.KeepIntermediates {
		defer s.removeRunImages(imgDir)
	}
	pages, err := s.rasterizer.Rasterize(ctx, docPath, imgDir, s.cfg.DPI)
	if err != nil {
		if types.CodeOf(err) == "" {
			err = types.NewAppError(types.ErrRasterize, "failed to rasterize PDF", err)
		}
		return fail(types.PhaseRasterizing, err)
	}
	if len(pages) == 0 {
		return fail(types.PhaseRasterizing, types.NewAppErrorWithDetails(types.ErrInvalidInput, "document has no pages", docPath, nil))
	}
	result.Pages = len(pages)
	s.setStatus(types.Status{Phase: types.PhaseRasterizing, Progress: ProgressRasterized, Message: "页面转换完成", Document: name, PagesTotal: len(pages)})
	s.setStatus(types.Status{Phase: types.PhaseRasterizing, Progress: ProgressImagesReady, Message: fmt.Sprintf("共 %d 页", len(pages)), Document: name, PagesTotal: len(pages)})

	// 2. annotate
	s.setStatus(types.Status{Phase: types.PhaseTranslating, Progress: ProgressTranslating, Message: "正在翻译页面", Document: name, PagesTotal: len(pages)})
	p := New(s.annotator, outputDir, s.cfg.Concurrency)
	p.OnProgress(func(done, total int, page string) {
		s.setStatus(types.Status{
			Phase:      types.PhaseTranslating,
			Progress:   ProgressTranslating + (ProgressAssembling-ProgressTranslating)*float64(done)/float64(total),
			Message:    "已完成 " + page,
			Document:   name,
			PagesDone:  done,
			PagesTotal: total,
		})
	})
	pageResults, err := p.Run(ctx, pages, name)
	if err != nil {
		return fail(types.PhaseTranslating, err)
	}

	for _, r := range pageResults {
		switch {
		case r.Ok:
			result.Translated++
		case r.Output != "":
			result.Fallbacks++
		default:
			result.Skipped++
		}
		if !r.Ok {
			page := filepath.Base(r.Source)
			result.Failures = append(result.Failures, types.PageFailure{Page: page, Stage: r.Stage, Reason: r.Reason})
			if s.errs != nil {
				if err := s.errs.RecordError(runID, name, page, errors.ErrorStage(r.Stage), r.Reason); err != nil {
					logger.Warn("failed to record page failure", logger.Err(err))
				}
			}
		}
	}
	result.Previews = Outputs(pageResults)

	// 3. assemble
	s.setStatus(types.Status{Phase: types.PhaseAssembling, Progress: ProgressAssembling, Message: "正在生成 PDF", Document: name, PagesDone: len(pages), PagesTotal: len(pages)})
	outPDF, err := s.assembler.Assemble(result.Previews, filepath.Join(docDir, name+"_translated.pdf"))
	if err != nil {
		if s.errs != nil {
			_ = s.errs.RecordError(runID, name, name+".pdf", errors.StageAssemble, err.Error())
		}
		return fail(types.PhaseAssembling, err)
	}
	result.OutputPDF = outPDF

	if s.cfg.ExportDetections {
		path := filepath.Join(docDir, export.FileName(name))
		if err := export.WriteParquet(path, export.Rows(runID, name, pageResults)); err != nil {
			logger.Warn("failed to export detections", logger.Err(err))
		} else {
			log("detections exported", logger.String("path", path))
		}
	}

	result.Duration = time.Since(start)
	result.Message = fmt.Sprintf("translated %d of %d pages", result.Translated, result.Pages)
	if result.Fallbacks+result.Skipped > 0 {
		result.Message += fmt.Sprintf(" (%d kept original, %d skipped)", result.Fallbacks, result.Skipped)
	}

	s.completeRun(runID, result)
	s.setStatus(types.Status{Phase: types.PhaseComplete, Progress: ProgressDone, Message: result.Message, Document: name, PagesDone: len(pages), PagesTotal: len(pages)})
	log("document translated",
		logger.String("output", outPDF),
		logger.Int("translated", result.Translated),
		logger.Int("fallbacks", result.Fallbacks),
		logger.Int64("durationMs", result.Duration.Milliseconds()))
	return result, nil
}

// BatchTranslate translates every PDF directly inside dir, in natural order.
// A failing document is logged and the batch continues; cancellation and
// configuration errors stop it.
func (s *Service) BatchTranslate(ctx context.Context, dir, outputDir string) ([]types.DocumentResult, error) {
	docs, err := ListPDFs(dir)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrInvalidInput, "no PDF files found", dir, nil)
	}

	logger.Info("batch translation started", logger.String("dir", dir), logger.Int("documents", len(docs)))
	var out []types.DocumentResult
	var errs []error
	for i, doc := range docs {
		res, err := s.TranslateDocument(ctx, doc, outputDir)
		if err != nil {
			logger.Error("document failed", err,
				logger.String("path", doc),
				logger.Int("index", i+1),
				logger.Int("total", len(docs)))
			if types.IsCode(err, types.ErrCancelled) || types.IsCode(err, types.ErrConfig) {
				return out, err
			}
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(doc), err))
			continue
		}
		out = append(out, res)
	}
	return out, stderrors.Join(errs...)
}

// ListPDFs returns the PDF files directly inside dir, naturally sorted.
func ListPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewAppErrorWithDetails(types.ErrFileNotFound, "directory not found", dir, err)
		}
		return nil, types.NewAppError(types.ErrIO, "failed to read directory", err)
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		docs = append(docs, filepath.Join(dir, e.Name()))
	}
	naturalsort.SortByBase(docs)
	return docs, nil
}

// Cleanup removes the working images of every run of document name.
func (s *Service) Cleanup(name string) error {
	return raster.Cleanup(s.cfg.ImageDir(name))
}

// removeRunImages deletes one run's pages, then the document's image
// directory if no other run still uses it.
func (s *Service) removeRunImages(imgDir string) {
	if err := raster.Cleanup(imgDir); err != nil {
		logger.Warn("failed to clean up working images", logger.Err(err))
		return
	}
	// fails while another run of the same name is active
	_ = os.Remove(filepath.Dir(imgDir))
}

// lockDocDir waits until no other run writes docDir. The returned func
// releases it.
func (s *Service) lockDocDir(ctx context.Context, docDir string) (func(), error) {
	key, err := filepath.Abs(docDir)
	if err != nil {
		key = filepath.Clean(docDir)
	}
	v, _ := s.docLocks.LoadOrStore(key, make(chan struct{}, 1))
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	default:
	}
	logger.Info("waiting for another run of the same document", logger.String("dir", docDir))
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, types.NewAppError(types.ErrCancelled, "translation cancelled", ctx.Err())
	}
}

func checkSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewAppErrorWithDetails(types.ErrFileNotFound, "document not found", path, err)
		}
		return types.NewAppError(types.ErrIO, "failed to access document", err)
	}
	if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return types.NewAppErrorWithDetails(types.ErrInvalidInput, "not a PDF file", path, nil)
	}
	return nil
}

func (s *Service) fail(name string, err error) {
	s.setStatus(types.Status{Phase: types.PhaseError, Message: "翻译失败", Document: name, Error: err.Error()})
}

func (s *Service) startRun(runID, name, docPath, docDir string, start time.Time) {
	if s.runs == nil {
		return
	}
	sum, err := results.CalculateFileMD5(docPath)
	if err != nil {
		logger.Warn("failed to hash document", logger.Err(err))
	}
	abs, err := filepath.Abs(docPath)
	if err != nil {
		abs = docPath
	}
	info := &results.RunInfo{
		RunID:      runID,
		Document:   name,
		SourcePath: abs,
		SourceMD5:  sum,
		OutputDir:  docDir,
		Status:     results.StatusRunning,
		LastPhase:  types.PhaseRasterizing,
		StartedAt:  start,
	}
	if err := s.runs.SaveRun(info); err != nil {
		logger.Warn("failed to save run manifest", logger.Err(err))
	}
}

func (s *Service) finishRun(runID string, phase types.Phase, cause error) {
	if s.runs == nil {
		return
	}
	err := s.runs.UpdateRun(runID, func(info *results.RunInfo) {
		info.Status = results.StatusError
		info.LastPhase = phase
		info.ErrorMessage = cause.Error()
		info.FinishedAt = time.Now()
	})
	if err != nil {
		logger.Warn("failed to update run manifest", logger.Err(err))
	}
}

func (s *Service) completeRun(runID string, res types.DocumentResult) {
	if s.runs == nil {
		return
	}
	err := s.runs.UpdateRun(runID, func(info *results.RunInfo) {
		info.Status = results.StatusComplete
		info.LastPhase = types.PhaseComplete
		info.OutputPDF = res.OutputPDF
		info.Pages = res.Pages
		info.Translated = res.Translated
		info.Fallbacks = res.Fallbacks
		info.Skipped = res.Skipped
		info.Failures = res.Failures
		info.FinishedAt = time.Now()
	})
	if err != nil {
		logger.Warn("failed to update run manifest", logger.Err(err))
	}
}
