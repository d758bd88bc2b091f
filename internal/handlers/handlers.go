// Package handlers serves the document translator over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"page-translator/internal/config"
	"page-translator/internal/logger"
	"page-translator/internal/results"
	"page-translator/internal/types"
)

// MaxUploadSize limits an uploaded PDF.
const MaxUploadSize = 100 << 20

// DocumentTranslator is the part of pipeline.Service the handlers use.
type DocumentTranslator interface {
	TranslateDocument(ctx context.Context, docPath, outputDir string) (types.DocumentResult, error)
}

// Handler holds the HTTP endpoints.
type Handler struct {
	translator DocumentTranslator
	runs       *results.ResultManager
	uploadDir  string
	outputDir  string
}

// TranslateResponse is returned by POST /api/translate.
type TranslateResponse struct {
	types.DocumentResult
	PDFURL      string   `json:"pdf_url"`
	PreviewURLs []string `json:"preview_urls"`
}

// New creates a Handler. runs may be nil, in which case the history
// endpoints report 503.
func New(translator DocumentTranslator, runs *results.ResultManager, cfg *config.Config) *Handler {
	return &Handler{
		translator: translator,
		runs:       runs,
		uploadDir:  cfg.UploadDirectory,
		outputDir:  cfg.OutputDirectory,
	}
}

// Routes returns the mux with every endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/translate", h.HandleTranslate)
	mux.HandleFunc("GET /api/runs", h.HandleRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.HandleRunDetail)
	mux.HandleFunc("DELETE /api/runs/{id}", h.HandleRunDelete)
	mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(h.outputDir))))
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("unable to write healthcheck", err)
		}
	})
	return mux
}

// HandleTranslate accepts a multipart PDF upload in the "file" field,
// translates it and removes the upload.
func (h *Handler) HandleTranslate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		code := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			code = http.StatusRequestEntityTooLarge
		}
		h.writeError(w, "Failed to read file: "+err.Error(), code)
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		h.writeError(w, "Only PDF files are accepted", http.StatusBadRequest)
		return
	}

	// one directory per upload keeps the document name intact
	dir := filepath.Join(h.uploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.writeError(w, "Failed to create upload directory: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove upload", logger.String("dir", dir), logger.Err(err))
		}
	}()

	path := filepath.Join(dir, name)
	if err := saveUpload(file, path); err != nil {
		h.writeError(w, "Failed to save upload: "+err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Info("translating upload", logger.String("file", name), logger.Int64("size", header.Size))
	res, err := h.translator.TranslateDocument(r.Context(), path, h.outputDir)
	if err != nil {
		h.writeError(w, err.Error(), statusFor(err))
		return
	}

	resp := TranslateResponse{DocumentResult: res, PDFURL: h.fileURL(res.OutputPDF)}
	for _, p := range res.Previews {
		resp.PreviewURLs = append(resp.PreviewURLs, h.fileURL(p))
	}
	h.writeJSON(w, resp)
}

// HandleRuns lists the run history, newest first.
func (h *Handler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, "Run history is disabled", http.StatusServiceUnavailable)
		return
	}
	runs, err := h.runs.ListRuns()
	if err != nil {
		h.writeError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, runs)
}

// HandleRunDetail returns one run manifest.
func (h *Handler) HandleRunDetail(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, "Run history is disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if !h.runs.RunExists(id) {
		h.writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	info, err := h.runs.LoadRun(id)
	if err != nil {
		h.writeError(w, "Failed to load run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, info)
}

// HandleRunDelete removes a run manifest.
func (h *Handler) HandleRunDelete(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, "Run history is disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if !h.runs.RunExists(id) {
		h.writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err := h.runs.DeleteRun(id); err != nil {
		h.writeError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fileURL maps a path under the output directory to its /files/ URL.
func (h *Handler) fileURL(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(h.outputDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/files/" + filepath.ToSlash(rel)
}

func saveUpload(src io.Reader, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch types.CodeOf(err) {
	case types.ErrInvalidInput, types.ErrFileNotFound:
		return http.StatusBadRequest
	case types.ErrCancelled:
		return http.StatusServiceUnavailable
	case types.ErrAPIRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("unable to encode JSON response", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	logger.Warn(message, logger.Int("status", code))
	http.Error(w, message, code)
}
