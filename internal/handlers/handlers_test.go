package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"page-translator/internal/config"
	"page-translator/internal/results"
	"page-translator/internal/types"
)

type fakeTranslator struct {
	err       error
	gotPath   string
	existed   bool
}

func (f *fakeTranslator) TranslateDocument(ctx context.Context, docPath, outputDir string) (types.DocumentResult, error) {
	f.gotPath = docPath
	_, statErr := os.Stat(docPath)
	f.existed = statErr == nil
	if f.err != nil {
		return types.DocumentResult{}, f.err
	}
	dir := filepath.Join(outputDir, "paper")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.DocumentResult{}, err
	}
	pdf := filepath.Join(dir, "paper_translated.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.4"), 0644); err != nil {
		return types.DocumentResult{}, err
	}
	return types.DocumentResult{
		RunID:     "run-1",
		Document:  "paper",
		OutputPDF: pdf,
		Previews:  []string{filepath.Join(dir, "paper_page_1_translated.png")},
		Pages:     1,
	}, nil
}

func newTestHandler(t *testing.T, tr DocumentTranslator) (*Handler, *results.ResultManager, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.UploadDirectory = filepath.Join(base, "uploads")
	cfg.OutputDirectory = filepath.Join(base, "outputs")
	rm, err := results.NewResultManager(filepath.Join(base, "runs"))
	if err != nil {
		t.Fatal(err)
	}
	return New(tr, rm, cfg), rm, cfg
}

func uploadRequest(t *testing.T, field, name string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/translate", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleTranslate(t *testing.T) {
	tr := &fakeTranslator{}
	h, _, _ := newTestHandler(t, tr)
	mux := h.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, uploadRequest(t, "file", "paper.pdf", []byte("%PDF-1.4")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp TranslateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PDFURL != "/files/paper/paper_translated.pdf" {
		t.Errorf("PDFURL = %q", resp.PDFURL)
	}
	if len(resp.PreviewURLs) != 1 || resp.PreviewURLs[0] != "/files/paper/paper_page_1_translated.png" {
		t.Errorf("PreviewURLs = %v", resp.PreviewURLs)
	}
	if filepath.Base(tr.gotPath) != "paper.pdf" || !tr.existed {
		t.Errorf("upload not handed over: %s (existed %v)", tr.gotPath, tr.existed)
	}
	if _, err := os.Stat(tr.gotPath); !os.IsNotExist(err) {
		t.Errorf("upload should be removed after translation")
	}

	// the output is served back
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resp.PDFURL, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "%PDF-1.4" {
		t.Errorf("GET %s = %d %q", resp.PDFURL, rec.Code, rec.Body.String())
	}
}

func TestHandleTranslateRejects(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		err  error
		want int
	}{
		{
			name: "not a pdf",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.png", []byte("x")) },
			want: http.StatusBadRequest,
		},
		{
			name: "missing field",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "other", "a.pdf", []byte("x")) },
			want: http.StatusBadRequest,
		},
		{
			name: "invalid document",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.pdf", []byte("x")) },
			err:  types.NewAppError(types.ErrInvalidInput, "document has no pages", nil),
			want: http.StatusBadRequest,
		},
		{
			name: "rasterizer failure",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "file", "a.pdf", []byte("x")) },
			err:  types.NewAppError(types.ErrRasterize, "pdftoppm failed", nil),
			want: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(t, &fakeTranslator{err: tt.err})
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, tt.req(t))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHandleRuns(t *testing.T) {
	h, rm, _ := newTestHandler(t, &fakeTranslator{})
	mux := h.Routes()
	if err := rm.SaveRun(&results.RunInfo{RunID: "abc", Document: "paper", Status: results.StatusComplete, StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	var runs []results.RunInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 {
		t.Fatalf("GET /api/runs = %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/abc", nil))
	var run results.RunInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil || run.Document != "paper" {
		t.Errorf("GET /api/runs/abc = %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/runs/abc", nil))
	if rec.Code != http.StatusNoContent || rm.RunExists("abc") {
		t.Errorf("DELETE status = %d, exists %v", rec.Code, rm.RunExists("abc"))
	}
}

func TestHandleRunsDisabled(t *testing.T) {
	h := New(&fakeTranslator{}, nil, config.Default())
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHealthcheck(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeTranslator{})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthcheck")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrFileNotFound, http.StatusBadRequest},
		{types.ErrCancelled, http.StatusServiceUnavailable},
		{types.ErrAPIRateLimit, http.StatusTooManyRequests},
		{types.ErrAssemble, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(types.NewAppError(tt.code, "x", nil)); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
