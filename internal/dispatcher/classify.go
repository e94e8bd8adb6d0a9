package dispatcher

import (
	"errors"
	"net/http"
	"strings"

	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
)

var (
	quotaMarkers     = []string{"quota", "resource exhausted", "resource_exhausted"}
	rateLimitMarkers = []string{"rate limit", "ratelimit", "rate_limit", "too many requests", "overloaded"}
)

// Classify maps an upstream error onto a failure kind. The upstream message
// is checked first so a 429 that talks about rate limits is not mistaken for
// an exhausted quota. For a *provider.StatusError only its Message is
// matched, never text derived from the status code. A bare 429 counts as
// quota, a bare 503 as rate limiting.
func Classify(err error) keypool.FailureKind {
	if err == nil {
		return keypool.FailureOther
	}

	var se *provider.StatusError
	isStatus := errors.As(err, &se)

	msg := err.Error()
	if isStatus {
		msg = se.Message
	}

	msg = strings.ToLower(msg)
	if containsAny(msg, quotaMarkers) {
		return keypool.FailureQuota
	}
	if containsAny(msg, rateLimitMarkers) {
		return keypool.FailureRateLimit
	}

	if isStatus {
		switch se.Code {
		case http.StatusTooManyRequests:
			return keypool.FailureQuota
		case http.StatusServiceUnavailable:
			return keypool.FailureRateLimit
		}
	}

	return keypool.FailureOther
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
