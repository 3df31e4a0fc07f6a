package models

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Failure classes of a provider call. Every error returned by Adapter wraps one.
var (
	// ErrProviderUnavailable is transient: network, auth, rate limit, 5xx.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected means the request itself was refused and retrying will not help.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderMalformedOutput means the response could not be interpreted.
	ErrProviderMalformedOutput = errors.New("provider returned malformed output")
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind     error // one of the ErrProvider* sentinels
	Provider string
	Reason   string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// ErrModelUnavailable is returned by transports that detect a broken backend
// before the SDK sees the response.
type ErrModelUnavailable struct {
	Provider string
	Status   int
	Cause    error
	Body     string
}

func (e *ErrModelUnavailable) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("model %s unavailable: %v", e.Provider, e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("model %s unavailable: HTTP %d: %s", e.Provider, e.Status, e.Body)
	default:
		return fmt.Sprintf("model %s unavailable: %s", e.Provider, e.Body)
	}
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

func malformed(provider, format string, args ...any) error {
	return &ProviderError{Kind: ErrProviderMalformedOutput, Provider: provider, Reason: fmt.Sprintf(format, args...)}
}

var statusPatterns = []*regexp.Regexp{
	regexp.MustCompile(`status code:?\s*(\d{3})`), // go-openai, ollama
	regexp.MustCompile(`^Error (\d{3}),`),        // genai
	regexp.MustCompile(`HTTP (\d{3})`),
	regexp.MustCompile(`\b(\d{3}) (?:Bad Request|Unauthorized|Forbidden|Not Found|Too Many Requests|Internal Server Error|Bad Gateway|Service Unavailable|Gateway Timeout)\b`),
}

// Classify maps an SDK or transport error onto the provider failure classes.
// Context cancellation is returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	status := 0
	var apiErr *anthropic.Error
	var unavailable *ErrModelUnavailable
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.As(err, &unavailable):
		status = unavailable.Status
		if status == 0 {
			return &ProviderError{Kind: ErrProviderUnavailable, Provider: provider, Reason: "backend unreachable", Cause: err}
		}
	default:
		status = statusFromMessage(err.Error())
	}

	if status != 0 {
		return &ProviderError{Kind: kindForStatus(status), Provider: provider, Reason: "HTTP " + strconv.Itoa(status), Cause: err}
	}
	kind, reason := classifyMessage(err.Error())
	return &ProviderError{Kind: kind, Provider: provider, Reason: reason, Cause: err}
}

func kindForStatus(status int) error {
	switch {
	case status == 401, status == 403, status == 408, status == 409, status == 429, status >= 500:
		return ErrProviderUnavailable
	case status >= 400:
		return ErrProviderRejected
	default:
		return ErrProviderUnavailable
	}
}

func statusFromMessage(msg string) int {
	for _, re := range statusPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	return 0
}

// classifyMessage falls back to well-known phrases when no status code is available.
func classifyMessage(msg string) (error, string) {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, "context length", "too many tokens", "prompt is too long", "token limit"):
		return ErrProviderRejected, "context too long"
	case containsAny(s, "content policy", "content_filter", "safety", "blocked"):
		return ErrProviderRejected, "content policy"
	case containsAny(s, "model not found", "does not exist", "unknown model"):
		return ErrProviderRejected, "model not found"
	case containsAny(s, "unauthorized", "invalid api key", "api key", "forbidden"):
		return ErrProviderUnavailable, "authentication failed"
	case containsAny(s, "rate limit", "quota", "too many requests", "overloaded"):
		return ErrProviderUnavailable, "rate limited"
	case containsAny(s, "connection", "eof", "timeout", "deadline", "dial", "refused", "no such host"):
		return ErrProviderUnavailable, "connection error"
	default:
		return ErrProviderUnavailable, ""
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
