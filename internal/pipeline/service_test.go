package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"page-translator/internal/annotate"
	"page-translator/internal/config"
	"page-translator/internal/detection"
	pageerrors "page-translator/internal/errors"
	"page-translator/internal/export"
	"page-translator/internal/geometry"
	"page-translator/internal/raster"
	"page-translator/internal/results"
	"page-translator/internal/types"
	"page-translator/internal/vision"
)

// fakeRasterizer writes pages in a shuffled order, white unless patterned.
type fakeRasterizer struct {
	t         *testing.T
	pages     []int
	err       error
	patterned bool

	mu   sync.Mutex
	dirs []string
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdfPath, outputDir string, dpi int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, outputDir)
	f.mu.Unlock()

	name := raster.DocumentName(pdfPath)
	var out []string
	for _, n := range f.pages {
		p := filepath.Join(outputDir, raster.PageName(name, n))
		if f.patterned {
			if err := writePatternPNG(p, 200, 100, n); err != nil {
				return nil, err
			}
		} else {
			writePNG(f.t, p, 200, 100)
		}
		out = append(out, p)
	}
	return out, nil
}

// writePatternPNG writes a page whose pixels depend on their position and seed.
func writePatternPNG(path string, w, h, seed int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * seed), G: uint8(y * 3), B: uint8(x + y + seed), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

type pageDetector struct {
	failOn string
}

func (d *pageDetector) Detect(ctx context.Context, req vision.DetectRequest) (detection.Response, error) {
	if filepath.Base(req.ImagePath) == d.failOn {
		return detection.Response{}, types.NewAppError(types.ErrDetection, "status code: 503", nil)
	}
	return detection.RawText(`[{"bbox_2d": [10, 10, 60, 30], "text_content": "你好"}]`), nil
}

// slowDetector answers like pageDetector after a delay, so runs overlap.
type slowDetector struct {
	pageDetector
	delay time.Duration
}

func (d *slowDetector) Detect(ctx context.Context, req vision.DetectRequest) (detection.Response, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return detection.Response{}, ctx.Err()
	}
	return d.pageDetector.Detect(ctx, req)
}

type emptyDetector struct{}

func (emptyDetector) Detect(ctx context.Context, req vision.DetectRequest) (detection.Response, error) {
	return detection.RawText("[]"), nil
}

type echoTranslator struct{}

func (echoTranslator) Translate(ctx context.Context, text string) (string, error) {
	return "hello", nil
}

type fixture struct {
	cfg      *config.Config
	svc      *Service
	errs     *pageerrors.ErrorManager
	runs     *results.ResultManager
	statuses []types.Status
	mu       sync.Mutex
}

func newFixture(t *testing.T, r raster.Rasterizer, det vision.Detector) *fixture {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.WorkDirectory = filepath.Join(base, "work")
	cfg.OutputDirectory = filepath.Join(base, "outputs")
	cfg.Concurrency = 2

	ann, err := annotate.New(det, echoTranslator{}, annotate.Options{
		Bounds: geometry.Bounds{MinPixels: 100, MaxPixels: 100000},
	})
	if err != nil {
		t.Fatalf("annotate.New: %v", err)
	}
	em, err := pageerrors.NewErrorManager(filepath.Join(base, "errors"))
	if err != nil {
		t.Fatal(err)
	}
	rm, err := results.NewResultManager(filepath.Join(base, "runs"))
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{cfg: cfg, errs: em, runs: rm}
	svc, err := NewService(cfg, Options{
		Rasterizer: r,
		Annotator:  ann,
		Errors:     em,
		Results:    rm,
		OnStatus: func(s types.Status) {
			f.mu.Lock()
			f.statuses = append(f.statuses, s)
			f.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func writeDoc(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("%PDF-1.4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestTranslateDocument(t *testing.T) {
	f := newFixture(t, &fakeRasterizer{t: t, pages: []int{3, 1, 10, 2}}, &pageDetector{})
	doc := writeDoc(t, t.TempDir(), "paper.pdf")

	res, err := f.svc.TranslateDocument(context.Background(), doc, "")
	if err != nil {
		t.Fatalf("TranslateDocument: %v", err)
	}

	if res.Pages != 4 || res.Translated != 4 || res.Fallbacks != 0 || res.Skipped != 0 {
		t.Errorf("unexpected counts %+v", res)
	}
	wantPDF := filepath.Join(f.cfg.OutputDirectory, "paper", "paper_translated.pdf")
	if res.OutputPDF != wantPDF {
		t.Errorf("OutputPDF = %s, want %s", res.OutputPDF, wantPDF)
	}
	n, err := raster.PageCount(res.OutputPDF)
	if err != nil || n != 4 {
		t.Errorf("output has %d pages (%v), want 4", n, err)
	}

	wantOrder := []string{
		"paper_page_1_translated.png", "paper_page_2_translated.png",
		"paper_page_3_translated.png", "paper_page_10_translated.png",
	}
	for i, w := range wantOrder {
		if filepath.Base(res.Previews[i]) != w {
			t.Errorf("preview %d = %s, want %s", i, filepath.Base(res.Previews[i]), w)
		}
	}

	if _, err := os.Stat(f.cfg.ImageDir("paper")); !os.IsNotExist(err) {
		t.Errorf("working images should be removed, stat err = %v", err)
	}

	last := f.statuses[len(f.statuses)-1]
	if last.Phase != types.PhaseComplete || last.Progress != ProgressDone {
		t.Errorf("unexpected final status %+v", last)
	}
	prev := 0.0
	for _, s := range f.statuses {
		if s.Progress < prev {
			t.Errorf("progress went backwards: %v after %v", s.Progress, prev)
		}
		prev = s.Progress
		if !s.IsValid() {
			t.Errorf("invalid status %+v", s)
		}
	}

	run, err := f.runs.LoadRun(res.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.Status != results.StatusComplete || run.Pages != 4 || run.OutputPDF != wantPDF || run.SourceMD5 == "" {
		t.Errorf("unexpected manifest %+v", run)
	}
}

func TestTranslateDocumentPageFailure(t *testing.T) {
	f := newFixture(t, &fakeRasterizer{t: t, pages: []int{1, 2}}, &pageDetector{failOn: "doc_page_2.png"})
	f.cfg.KeepIntermediates = true
	f.cfg.ExportDetections = true
	doc := writeDoc(t, t.TempDir(), "doc.pdf")

	res, err := f.svc.TranslateDocument(context.Background(), doc, "")
	if err != nil {
		t.Fatalf("TranslateDocument: %v", err)
	}
	if res.Translated != 1 || res.Fallbacks != 1 {
		t.Errorf("unexpected counts %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Page != "doc_page_2.png" || res.Failures[0].Stage != annotate.StageDetect {
		t.Errorf("unexpected failures %+v", res.Failures)
	}
	if n, _ := raster.PageCount(res.OutputPDF); n != 2 {
		t.Errorf("fallback page should still be assembled, got %d pages", n)
	}

	rec, ok := f.errs.GetError(pageerrors.RecordID(res.RunID, "doc_page_2.png"))
	if !ok || rec.Stage != pageerrors.StageDetect {
		t.Errorf("failure not recorded: %+v", rec)
	}

	if _, err := os.Stat(f.cfg.RunImageDir("doc", res.RunID)); err != nil {
		t.Errorf("working images should be kept: %v", err)
	}

	rows, err := export.ReadParquet(filepath.Join(f.cfg.OutputDirectory, "doc", export.FileName("doc")))
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	if len(rows) != 1 || rows[0].Translation != "hello" || rows[0].PageNumber != 1 {
		t.Errorf("unexpected rows %+v", rows)
	}
}

func TestTranslateDocumentSameNameConcurrently(t *testing.T) {
	r := &fakeRasterizer{t: t, pages: []int{1, 2, 3, 4, 5, 6}}
	f := newFixture(t, r, &slowDetector{delay: 20 * time.Millisecond})
	docs := []string{
		writeDoc(t, t.TempDir(), "paper.pdf"),
		writeDoc(t, t.TempDir(), "paper.pdf"),
	}

	type outcome struct {
		res types.DocumentResult
		err error
	}
	out := make([]outcome, len(docs))
	var wg sync.WaitGroup
	for i, doc := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.TranslateDocument(context.Background(), doc, "")
			out[i] = outcome{res, err}
		}()
	}
	wg.Wait()

	for i, o := range out {
		if o.err != nil {
			t.Fatalf("run %d: %v", i, o.err)
		}
		if o.res.Translated != 6 || o.res.Fallbacks != 0 || o.res.Skipped != 0 {
			t.Errorf("run %d lost pages: %+v", i, o.res)
		}
		if n, err := raster.PageCount(o.res.OutputPDF); err != nil || n != 6 {
			t.Errorf("run %d output has %d pages (%v)", i, n, err)
		}
	}
	if out[0].res.RunID == out[1].res.RunID {
		t.Error("runs share an id")
	}
	if len(r.dirs) != 2 || r.dirs[0] == r.dirs[1] {
		t.Errorf("runs must rasterize into separate directories: %v", r.dirs)
	}
	if _, err := os.Stat(f.cfg.ImageDir("paper")); !os.IsNotExist(err) {
		t.Errorf("working images should be removed, stat err = %v", err)
	}
}

func TestTranslateDocumentWaitsForSameOutput(t *testing.T) {
	f := newFixture(t, &fakeRasterizer{t: t, pages: []int{1}}, &pageDetector{})
	doc := writeDoc(t, t.TempDir(), "paper.pdf")

	unlock, err := f.svc.lockDocDir(context.Background(), filepath.Join(f.cfg.OutputDirectory, "paper"))
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.svc.TranslateDocument(ctx, doc, ""); !types.IsCode(err, types.ErrCancelled) {
		t.Fatalf("expected the run to wait and be cancelled, got %v", err)
	}
	if _, err := os.Stat(f.cfg.ImageDir("paper")); !os.IsNotExist(err) {
		t.Error("a waiting run must not rasterize")
	}
}

func TestTranslateDocumentNoDetectionsKeepsPixels(t *testing.T) {
	r := &fakeRasterizer{t: t, pages: []int{2, 3, 1}, patterned: true}
	f := newFixture(t, r, emptyDetector{})
	f.cfg.KeepIntermediates = true
	doc := writeDoc(t, t.TempDir(), "paper.pdf")

	res, err := f.svc.TranslateDocument(context.Background(), doc, "")
	if err != nil {
		t.Fatalf("TranslateDocument: %v", err)
	}
	if res.Pages != 3 || res.Translated != 3 || len(res.Failures) != 0 {
		t.Errorf("unexpected counts %+v", res)
	}
	if n, err := raster.PageCount(res.OutputPDF); err != nil || n != 3 {
		t.Errorf("output has %d pages (%v), want 3", n, err)
	}

	for i, preview := range res.Previews {
		t.Run(filepath.Base(preview), func(t *testing.T) {
			src := filepath.Join(f.cfg.RunImageDir("paper", res.RunID), raster.PageName("paper", i+1))
			want, got := decodePNG(t, src), decodePNG(t, preview)
			if want.Bounds() != got.Bounds() {
				t.Fatalf("size %v, want %v", got.Bounds(), want.Bounds())
			}
			b := want.Bounds()
			for y := b.Min.Y; y < b.Max.Y; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					wr, wg, wb, wa := want.At(x, y).RGBA()
					gr, gg, gb, ga := got.At(x, y).RGBA()
					if wr != gr || wg != gg || wb != gb || wa != ga {
						t.Fatalf("pixel (%d, %d) changed", x, y)
					}
				}
			}
		})
	}
}

func TestTranslateDocumentErrors(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(txt, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		raster *fakeRasterizer
		doc    string
		want   types.ErrorCode
	}{
		{"missing", &fakeRasterizer{t: t, pages: []int{1}}, filepath.Join(dir, "none.pdf"), types.ErrFileNotFound},
		{"not a pdf", &fakeRasterizer{t: t, pages: []int{1}}, txt, types.ErrInvalidInput},
		{"rasterizer failure", &fakeRasterizer{t: t, err: errors.New("pdftoppm exited 1")}, writeDoc(t, dir, "bad.pdf"), types.ErrRasterize},
		{"no pages", &fakeRasterizer{t: t}, writeDoc(t, dir, "empty.pdf"), types.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.raster.t = t
			f := newFixture(t, tt.raster, &pageDetector{})
			_, err := f.svc.TranslateDocument(context.Background(), tt.doc, "")
			if !types.IsCode(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if !types.IsFatal(err) {
				t.Errorf("document errors are fatal: %v", err)
			}
			if st := f.svc.Status(); st.Phase != types.PhaseError || st.Error == "" {
				t.Errorf("unexpected status %+v", st)
			}
		})
	}
}

func TestTranslateDocumentRecordsFailedRun(t *testing.T) {
	f := newFixture(t, &fakeRasterizer{t: t, err: errors.New("boom")}, &pageDetector{})
	doc := writeDoc(t, t.TempDir(), "x.pdf")

	if _, err := f.svc.TranslateDocument(context.Background(), doc, ""); err == nil {
		t.Fatal("expected an error")
	}
	runs, err := f.runs.ListRuns()
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %d, %v", len(runs), err)
	}
	if runs[0].Status != results.StatusError || runs[0].LastPhase != types.PhaseRasterizing {
		t.Errorf("unexpected manifest %+v", runs[0])
	}
}

func TestBatchTranslate(t *testing.T) {
	f := newFixture(t, &fakeRasterizer{t: t, pages: []int{1}}, &pageDetector{})
	dir := t.TempDir()
	writeDoc(t, dir, "b10.pdf")
	writeDoc(t, dir, "b2.PDF")
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.BatchTranslate(context.Background(), dir, "")
	if err != nil {
		t.Fatalf("BatchTranslate: %v", err)
	}
	if len(res) != 2 || res[0].Document != "b2" || res[1].Document != "b10" {
		t.Errorf("unexpected batch results %+v", res)
	}

	if _, err := f.svc.BatchTranslate(context.Background(), t.TempDir(), ""); !types.IsCode(err, types.ErrInvalidInput) {
		t.Errorf("empty directory: got %v", err)
	}
}

func TestNewServiceRequiresAnnotator(t *testing.T) {
	if _, err := NewService(config.Default(), Options{}); !types.IsCode(err, types.ErrConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestNewServiceFromConfigValidates(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = ""
	if _, err := NewServiceFromConfig(context.Background(), cfg, nil); !types.IsCode(err, types.ErrConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}
