package providers

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, body)
}

// overflowPhrases are the substrings that identify a context-overflow
// rejection across the three APIs. Matched case-insensitively against the
// error body.
var overflowPhrases = []string{
	"request_too_large",
	"context length exceeded",
	"maximum context length",
	"prompt is too long",
	"too many tokens",
	"token limit",
	"content too large",
	"input is too long",
}

// IsOverflow reports whether err is a context-window overflow rejection.
// Overflow is not retryable as-is; the agent loop trims context and retries
// through its own recovery ladder.
func IsOverflow(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == 413 {
		return true
	}
	body := strings.ToLower(apiErr.Body)
	for _, phrase := range overflowPhrases {
		if strings.Contains(body, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is transient: rate limits and server-side
// failures. Overflow and auth errors are permanent from the transport's view.
func IsRetryable(err error) bool {
	if IsOverflow(err) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 429 || apiErr.Status >= 500
}

// IsAuthError reports a credential rejection (401/403).
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 401 || apiErr.Status == 403
}
