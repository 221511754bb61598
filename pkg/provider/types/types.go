package types

import (
	"fmt"
	"time"
)

// Request is the provider-agnostic unit of work for one relay.
type Request struct {
	RelayID   string
	Channel   string
	ChatID    string
	Prompt    string
	Model     string
	MaxTokens int
}

// Result is the outcome of one provider call: either Text (Failure nil) or
// a classified Failure.
type Result struct {
	Text     string
	Metadata Metadata
	Failure  *Failure
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

func Success(text string, meta Metadata) Result {
	return Result{Text: text, Metadata: meta}
}

func Fail(failure *Failure) Result {
	return Result{Failure: failure}
}

// OK reports whether the call produced text.
func (r Result) OK() bool {
	return r.Failure == nil
}

type FailureKind string

const (
	KindAuthError           FailureKind = "auth_error"
	KindRateLimited         FailureKind = "rate_limited"
	KindTimeout             FailureKind = "timeout"
	KindInvalidResponse     FailureKind = "invalid_response"
	KindUpstreamServerError FailureKind = "upstream_server_error"
	KindUnknown             FailureKind = "unknown"
)

// Failure is a classified provider error. Detail is for logs only and is
// never shown to chat users.
type Failure struct {
	Kind       FailureKind
	Retryable  bool
	Detail     string
	StatusCode int
	// RetryAfter is the vendor's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", f.Kind, f.StatusCode, f.Detail)
	}
	if f.Detail == "" {
		return string(f.Kind)
	}

	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}
