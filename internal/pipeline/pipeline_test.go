package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"page-translator/internal/annotate"
	"page-translator/internal/types"
)

// copyAnnotator writes a marker file and fails pages listed in fail.
type copyAnnotator struct {
	fail      map[string]bool
	writeFail map[string]bool
	delay     time.Duration

	active int32
	peak   int32
	mu     sync.Mutex
	seen   []string
}

func (c *copyAnnotator) AnnotateFile(ctx context.Context, src, dst string) (annotate.PageResult, error) {
	n := atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	for {
		p := atomic.LoadInt32(&c.peak)
		if n <= p || atomic.CompareAndSwapInt32(&c.peak, p, n) {
			break
		}
	}
	c.mu.Lock()
	c.seen = append(c.seen, filepath.Base(src))
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	base := filepath.Base(src)
	res := annotate.PageResult{Source: src, Output: dst, Ok: !c.fail[base]}
	if c.fail[base] {
		res.Stage = annotate.StageDetect
		res.Reason = "detector down"
	}
	if c.writeFail[base] {
		return res, types.NewAppError(types.ErrIO, "disk full", nil)
	}
	if err := os.WriteFile(dst, []byte(base), 0644); err != nil {
		return res, err
	}
	return res, nil
}

func pagePaths(dir string, names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out
}

func TestProcessNaturalOrder(t *testing.T) {
	outDir := t.TempDir()
	a := &copyAnnotator{}
	p := New(a, outDir, 1)

	in := pagePaths("imgs", "doc_page_10.png", "doc_page_2.png", "doc_page_1.png")
	got, err := p.Process(context.Background(), in, "doc")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := pagePaths(filepath.Join(outDir, "doc"),
		"doc_page_1_translated.png", "doc_page_2_translated.png", "doc_page_10_translated.png")
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("output %d = %s, want %s", i, got[i], want[i])
		}
	}

	// sequential runs visit pages in natural order
	wantSeen := []string{"doc_page_1.png", "doc_page_2.png", "doc_page_10.png"}
	for i, s := range wantSeen {
		if a.seen[i] != s {
			t.Errorf("visit %d = %s, want %s", i, a.seen[i], s)
		}
	}
}

func TestProcessConcurrency(t *testing.T) {
	a := &copyAnnotator{delay: 20 * time.Millisecond}
	p := New(a, t.TempDir(), 3)

	names := []string{"p_5.png", "p_3.png", "p_1.png", "p_4.png", "p_2.png", "p_6.png"}

	var calls []int
	var mu sync.Mutex
	p.OnProgress(func(done, total int, page string) {
		mu.Lock()
		calls = append(calls, done)
		mu.Unlock()
		if total != 6 {
			t.Errorf("total = %d", total)
		}
	})

	got, err := p.Process(context.Background(), pagePaths("in", names...), "p")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(got) != 6 || filepath.Base(got[0]) != "p_1_translated.png" || filepath.Base(got[5]) != "p_6_translated.png" {
		t.Errorf("unexpected outputs %v", got)
	}
	if peak := atomic.LoadInt32(&a.peak); peak > 3 || peak < 2 {
		t.Errorf("peak concurrency = %d, want 2..3", peak)
	}
	for i, d := range calls {
		if d != i+1 {
			t.Errorf("progress call %d reported %d", i, d)
		}
	}
}

func TestRunRecordsFailures(t *testing.T) {
	a := &copyAnnotator{
		fail:      map[string]bool{"d_2.png": true},
		writeFail: map[string]bool{"d_3.png": true},
	}
	p := New(a, t.TempDir(), 2)

	res, err := p.Run(context.Background(), pagePaths("in", "d_3.png", "d_1.png", "d_2.png"), "d")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	if !res[0].Ok {
		t.Errorf("page 1 should be ok: %+v", res[0])
	}
	if res[1].Ok || res[1].Stage != annotate.StageDetect || res[1].Output == "" {
		t.Errorf("page 2 should fall back to the original: %+v", res[1])
	}
	if res[2].Ok || res[2].Output != "" || res[2].Stage != annotate.StageRender {
		t.Errorf("page 3 should have no output: %+v", res[2])
	}
	if outs := Outputs(res); len(outs) != 2 {
		t.Errorf("expected 2 outputs, got %v", outs)
	}
}

func TestRunRejectsDuplicateOutputNames(t *testing.T) {
	tests := []struct {
		name  string
		pages []string
	}{
		{"same base name in two directories", []string{"a/doc_page_1.png", "b/doc_page_1.png"}},
		{"same path twice", []string{"in/doc_page_2.png", "in/doc_page_2.png"}},
		{"webp and png of the same page", []string{"in/scan.webp", "in/scan.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &copyAnnotator{}
			out := t.TempDir()
			_, err := New(a, out, 2).Run(context.Background(), tt.pages, "doc")
			if !types.IsCode(err, types.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if len(a.seen) != 0 {
				t.Errorf("no page should be annotated, saw %v", a.seen)
			}
			if _, err := os.Stat(filepath.Join(out, "doc")); !os.IsNotExist(err) {
				t.Error("output directory created for a rejected run")
			}
		})
	}
}

func TestProcessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &copyAnnotator{}
	_, err := New(a, t.TempDir(), 1).Process(ctx, pagePaths("in", "a_1.png", "a_2.png"), "a")
	if !types.IsCode(err, types.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestProcessOutputDirError(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	_, err := New(&copyAnnotator{}, blocker, 1).Process(context.Background(), []string{"x_1.png"}, "x")
	if !types.IsCode(err, types.ErrIO) {
		t.Fatalf("expected IO error, got %v", err)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestNewDefaultsConcurrency(t *testing.T) {
	if p := New(&copyAnnotator{}, "", 0); p.concurrency != 1 {
		t.Errorf("concurrency = %d", p.concurrency)
	}
}
