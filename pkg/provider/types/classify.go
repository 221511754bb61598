package types

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxDetailLength = 300

// FromStatus maps an upstream HTTP status onto the failure taxonomy.
func FromStatus(status int, header http.Header, detail string) *Failure {
	failure := &Failure{StatusCode: status, Detail: truncateDetail(detail)}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		failure.Kind = KindAuthError
	case status == http.StatusTooManyRequests:
		failure.Kind = KindRateLimited
		failure.Retryable = true
		failure.RetryAfter = ParseRetryAfter(header, time.Now())
	case status == http.StatusRequestTimeout:
		failure.Kind = KindTimeout
		failure.Retryable = true
	case status >= 500:
		failure.Kind = KindUpstreamServerError
		failure.Retryable = true
	case status >= 200 && status < 300:
		failure.Kind = KindInvalidResponse
	default:
		failure.Kind = KindUnknown
	}

	return failure
}

// FromError classifies an error from a provider call.
//
// resp is the HTTP response captured for the call, nil when the request never
// got one. ctx is the caller's context, used to tell a caller cancellation
// apart from a per-attempt timeout.
func FromError(ctx context.Context, resp *http.Response, err error) *Failure {
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &Failure{Kind: KindUnknown, Detail: "canceled: " + errorDetail(err)}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Retryable: true, Detail: errorDetail(err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: KindTimeout, Retryable: true, Detail: errorDetail(err)}
	}

	if resp != nil {
		return FromStatus(resp.StatusCode, resp.Header, errorDetail(err))
	}

	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: KindUnknown, Detail: errorDetail(err)}
	}

	// Connection resets, DNS errors and similar transport faults.
	return &Failure{Kind: KindUnknown, Retryable: true, Detail: errorDetail(err)}
}

// InvalidResponse reports a 2xx payload that lacked the expected fields.
func InvalidResponse(detail string) *Failure {
	return &Failure{Kind: KindInvalidResponse, Detail: truncateDetail(detail)}
}

// ParseRetryAfter reads a Retry-After header as delta seconds or an HTTP date.
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}

	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}

	return 0
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}

	return truncateDetail(err.Error())
}

func truncateDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if len(detail) <= maxDetailLength {
		return detail
	}

	cut := maxDetailLength
	for cut > 0 && !utf8.RuneStart(detail[cut]) {
		cut--
	}

	return detail[:cut] + "..."
}
