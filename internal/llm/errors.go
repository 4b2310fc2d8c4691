package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/Veraticus/taxflow/internal/common"
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, body)
}

// Unwrap maps rate limiting onto common.ErrRateLimit.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return common.ErrRateLimit
	}
	return nil
}

// statusError builds the error for a failed response. Client errors other
// than 408 and 429 are marked non-retryable.
func statusError(provider string, code int, body []byte) error {
	err := &StatusError{Provider: provider, StatusCode: code, Body: string(body)}
	if isRetryableStatus(code) {
		return err
	}
	return &common.RetryableError{Err: err, Retryable: false}
}

// malformed reports an unusable response body. Providers occasionally
// return truncated output, so it is retryable.
func malformed(provider, detail string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %s: %w", common.ErrProviderMalformed, provider, detail, cause)
	}
	return fmt.Errorf("%w: %s: %s", common.ErrProviderMalformed, provider, detail)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= 500
	}
}

// ErrorClassification says how a failure should be treated by retry and the
// circuit breaker.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

// Classify sorts provider errors. Cancellation and caller mistakes do not
// count against the breaker; outages and rate limits do.
func Classify(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassification{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		retryable := isRetryableStatus(statusErr.StatusCode)
		return ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	if errors.Is(err, common.ErrProviderMalformed) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var retryErr *common.RetryableError
	if errors.As(err, &retryErr) {
		return ErrorClassification{Retryable: retryErr.Retryable, RecordFailure: retryErr.Retryable}
	}
	return ErrorClassification{Retryable: true, RecordFailure: true}
}
