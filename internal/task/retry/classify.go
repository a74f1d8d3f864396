package retry

import (
	"context"
	"errors"
	"strings"
)

// Classify maps an error to a failure category.
//
// Typed errors (CategoryError, context deadline) win. Message-pattern
// matching is the fallback for untyped errors crossing external boundaries;
// it is deliberately isolated here so nothing else in the engine inspects
// error strings.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var ce CategoryError
	if errors.As(err, &ce) {
		return ce.Category()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "forbidden", "permission denied", "invalid api key", "authentication"):
		return CategoryAuth
	case containsAny(msg, "not found", "no such", "does not exist"):
		return CategoryNotFound
	case containsAny(msg, "invalid", "malformed", "validation", "bad request"):
		return CategoryValidation
	case containsAny(msg, "quota", "rate limit", "too many requests", "limit exceeded"):
		return CategoryQuota
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(msg, "connection refused", "connection reset", "network", "no route to host", "dns", "eof", "broken pipe"):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
