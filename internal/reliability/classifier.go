package reliability

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusClass groups HTTP statuses by how a caller should react.
type StatusClass int

const (
	ClassOK StatusClass = iota
	ClassRateLimited
	ClassAuth
	ClassRetryable
	ClassPermanent
)

// ClassifyHTTPStatus maps a response status to a StatusClass.
func ClassifyHTTPStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case IsRetryableHTTPStatus(code):
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unknown values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
