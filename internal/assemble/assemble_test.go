package assemble

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: 100, B: uint8(y), A: 255})
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

func pageDims(t *testing.T, path string) [][2]float64 {
	t.Helper()
	dims, err := api.PageDimsFile(path)
	if err != nil {
		t.Fatalf("PageDimsFile: %v", err)
	}
	out := make([][2]float64, len(dims))
	for i, d := range dims {
		out[i] = [2]float64{math.Round(d.Width), math.Round(d.Height)}
	}
	return out
}

func TestAssembleOrdersAndSizesPages(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "doc_page_1_translated.png")
	p2 := filepath.Join(dir, "doc_page_2_translated.png")
	p10 := filepath.Join(dir, "doc_page_10_translated.png")
	writePNG(t, p1, 100, 200)
	writePNG(t, p2, 300, 100)
	writePNG(t, p10, 50, 60)

	out := filepath.Join(dir, "out", "doc_translated.pdf")
	got, err := New().Assemble([]string{p10, p2, p1}, out)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got != out {
		t.Errorf("returned %q, want %q", got, out)
	}

	want := [][2]float64{{100, 200}, {300, 100}, {50, 60}}
	dims := pageDims(t, out)
	if len(dims) != len(want) {
		t.Fatalf("expected %d pages, got %d", len(want), len(dims))
	}
	for i := range want {
		if dims[i] != want[i] {
			t.Errorf("page %d is %v, want %v", i+1, dims[i], want[i])
		}
	}
}

func TestAssembleSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "p_1.png")
	p3 := filepath.Join(dir, "p_3.png")
	writePNG(t, p1, 40, 40)
	writePNG(t, p3, 40, 40)

	out := filepath.Join(dir, "out.pdf")
	if _, err := New().Assemble([]string{p1, filepath.Join(dir, "p_2.png"), p3}, out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if dims := pageDims(t, out); len(dims) != 2 {
		t.Errorf("expected 2 pages, got %d", len(dims))
	}
}

func TestAssembleEmptyUsesA4(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.pdf")
	if _, err := New().Assemble(nil, out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	dims := pageDims(t, out)
	if len(dims) != 1 || dims[0] != [2]float64{595, 842} {
		t.Errorf("expected a single A4 page, got %v", dims)
	}
}

func TestAssemblePageSizeOverride(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a_1.png")
	b := filepath.Join(dir, "a_2.png")
	writePNG(t, a, 30, 90)
	writePNG(t, b, 90, 30)

	asm := New()
	asm.PageSize = &A4
	out := filepath.Join(dir, "fixed.pdf")
	if _, err := asm.Assemble([]string{a, b}, out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for i, d := range pageDims(t, out) {
		if d != [2]float64{595, 842} {
			t.Errorf("page %d is %v, want A4", i+1, d)
		}
	}
}
