// Package retry wraps remote calls with a per-attempt timeout and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"page-translator/internal/config"
	"page-translator/internal/logger"
	"page-translator/internal/types"
)

const (
	// DefaultTimeout is the default deadline of one attempt
	DefaultTimeout = 180 * time.Second
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// BaseRetryDelay is the first backoff interval; it doubles per attempt
	BaseRetryDelay = 2 * time.Second
	// MaxRetryDelay caps a single backoff interval
	MaxRetryDelay = 30 * time.Second
)

// Policy controls how a call is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds each attempt; zero means no per-attempt deadline
	Timeout time.Duration
}

// DefaultPolicy returns 3 retries, 2s doubling up to 30s, 180s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  BaseRetryDelay,
		MaxDelay:   MaxRetryDelay,
		Timeout:    DefaultTimeout,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = BaseRetryDelay
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = MaxRetryDelay
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	// attempts are bounded by count, not by elapsed time
	eb.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. Each attempt gets its own context bounded by p.Timeout.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	operation := func() error {
		attempt++
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		v, err := op(attemptCtx)
		if err == nil {
			result = v
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(types.NewAppError(types.ErrCancelled, name+" cancelled", ctx.Err()))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.NewAppErrorWithDetails(types.ErrNetwork, name+" timed out",
				fmt.Sprintf("attempt %d exceeded %s", attempt, p.Timeout), err)
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("remote call failed, retrying",
			logger.String("call", name),
			logger.Int("attempt", attempt),
			logger.String("wait", wait.String()),
			logger.Err(err))
	}

	if err := backoff.RetryNotify(operation, p.backOff(ctx), notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

var statusPattern = regexp.MustCompile(`(?i)status(?:\s*code)?[:=\s]+(\d{3})`)

// StatusCode extracts an HTTP status code from an error message, or 0.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// FromStatus builds the AppError for a failed HTTP exchange.
func FromStatus(statusCode int, details string, cause error) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return types.NewAppErrorWithDetails(types.ErrAPICall, "API authentication failed", "invalid API key or unauthorized access", cause)
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrAPIRateLimit, "API rate limit exceeded", details, cause)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound || statusCode == http.StatusUnprocessableEntity:
		return types.NewAppErrorWithDetails(types.ErrAPICall, "invalid API request", details, cause)
	case statusCode >= 500:
		return types.NewAppErrorWithDetails(types.ErrAPICall, "API server error", fmt.Sprintf("status %d: %s", statusCode, details), cause)
	default:
		return types.NewAppErrorWithDetails(types.ErrAPICall, "API request failed", fmt.Sprintf("status %d: %s", statusCode, details), cause)
	}
}

// Classify wraps a client library error into the AppError taxonomy using
// the status code embedded in its message, if any.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if code := StatusCode(err); code != 0 {
		return FromStatus(code, "", err)
	}
	if looksLikeNetwork(err.Error()) {
		return types.NewAppError(types.ErrNetwork, "network error", err)
	}
	return types.NewAppError(types.ErrAPICall, "API call failed", err)
}

// IsRetryable reports whether a failed call may succeed when repeated.
// Retryable: rate limits, 5xx, timeouts and network errors.
// Not retryable: configuration, authentication and invalid requests.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrConfig, types.ErrInvalidInput, types.ErrFileNotFound, types.ErrCancelled:
			return false
		case types.ErrAPIRateLimit, types.ErrNetwork:
			return true
		case types.ErrAPICall:
			msg := strings.ToLower(appErr.Message)
			if strings.Contains(msg, "authentication") || strings.Contains(msg, "invalid api request") {
				return false
			}
			return true
		}
	}

	if code := StatusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	return looksLikeNetwork(err.Error())
}

func looksLikeNetwork(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"connection", "timeout", "network", "eof", "reset by peer", "deadline exceeded", "no such host", "tls"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// PolicyFor derives the call policy from a run configuration.
func PolicyFor(cfg *config.Config) Policy {
	p := DefaultPolicy()
	if cfg == nil {
		return p
	}
	p.MaxRetries = cfg.MaxRetries
	if d := cfg.RetryDelay(); d > 0 {
		p.BaseDelay = d
	}
	if d := cfg.CallTimeout(); d > 0 {
		p.Timeout = d
	}
	return p
}
