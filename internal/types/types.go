// Package types defines shared data types, phases and the error taxonomy
// used across the page translator.
package types

import (
	"errors"
	"time"
)

// Phase 处理阶段
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRasterizing Phase = "rasterizing"
	PhaseTranslating Phase = "translating"
	PhaseAssembling  Phase = "assembling"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// IsValidPhase reports whether phase is one of the known phases.
func IsValidPhase(phase Phase) bool {
	switch phase {
	case PhaseIdle, PhaseRasterizing, PhaseTranslating,
		PhaseAssembling, PhaseComplete, PhaseError:
		return true
	default:
		return false
	}
}

// Status 处理状态
type Status struct {
	Phase      Phase   `json:"phase"`
	Progress   float64 `json:"progress"` // 0.0 - 1.0
	Message    string  `json:"message"`
	Document   string  `json:"document,omitempty"`
	PagesDone  int     `json:"pages_done"`
	PagesTotal int     `json:"pages_total"`
	Error      string  `json:"error,omitempty"`
}

// IsValid checks the status invariants.
func (s *Status) IsValid() bool {
	return IsValidPhase(s.Phase) &&
		s.Progress >= 0 && s.Progress <= 1 &&
		s.PagesDone <= s.PagesTotal
}

// PageFailure describes a page that degraded to its original image.
type PageFailure struct {
	Page   string `json:"page"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// DocumentResult is what every front-end gets back from a document run.
type DocumentResult struct {
	RunID      string        `json:"run_id"`
	Document   string        `json:"document"`
	Message    string        `json:"message"`
	OutputPDF  string        `json:"output_pdf"`
	Previews   []string      `json:"previews"`
	Pages      int           `json:"pages"`
	Translated int           `json:"translated"`
	Fallbacks  int           `json:"fallbacks"`
	Skipped    int           `json:"skipped"`
	Failures   []PageFailure `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ErrorCode 错误代码枚举
type ErrorCode string

const (
	ErrConfig       ErrorCode = "CONFIG_ERROR"
	ErrFileNotFound ErrorCode = "FILE_NOT_FOUND"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrIO           ErrorCode = "IO_ERROR"
	ErrRasterize    ErrorCode = "RASTERIZE_ERROR"
	ErrDetection    ErrorCode = "DETECTION_ERROR"
	ErrTranslation  ErrorCode = "TRANSLATION_ERROR"
	ErrRender       ErrorCode = "RENDER_ERROR"
	ErrAssemble     ErrorCode = "ASSEMBLE_ERROR"
	ErrAPICall      ErrorCode = "API_CALL_ERROR"
	ErrAPIRateLimit ErrorCode = "API_RATE_LIMIT"
	ErrNetwork      ErrorCode = "NETWORK_ERROR"
	ErrCancelled    ErrorCode = "CANCELLED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface for AppError
func (e *AppError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new AppError with the given code, message, and optional cause
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewAppErrorWithDetails creates a new AppError with details
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsFatal reports whether err must abort a whole run. Configuration and
// document-level I/O errors are fatal; everything page-scoped is recovered.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrConfig, ErrFileNotFound, ErrInvalidInput, ErrIO, ErrRasterize, ErrAssemble, ErrCancelled:
		return true
	default:
		return false
	}
}
