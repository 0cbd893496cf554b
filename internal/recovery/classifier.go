// Package recovery classifies failures into tiers and selects recovery
// actions with exponential-backoff-with-jitter scheduling.
package recovery

import (
	"errors"
	"strings"
	"time"
)

// Tier buckets an error by how it should be handled.
type Tier string

const (
	// Transient errors clear on their own; retry with backoff.
	Transient Tier = "transient"
	// Recoverable errors need an adjusted request: compress, decompose, or
	// reprompt.
	Recoverable Tier = "recoverable"
	// Fatal errors will not succeed on retry; escalate immediately.
	Fatal Tier = "fatal"
	// Unknown errors match no rule; treated like transient for retry purposes.
	Unknown Tier = "unknown"
)

// Coded is implemented by errors that carry a machine-readable code,
// e.g. "ECONNRESET" or "CONTEXT_OVERFLOW".
type Coded interface {
	Code() string
}

// StatusCoded is implemented by errors that carry an HTTP status.
type StatusCoded interface {
	HTTPStatus() int
}

var (
	transientCodes = map[string]bool{
		"ECONNRESET":   true,
		"ETIMEDOUT":    true,
		"ECONNREFUSED": true,
		"ENOTFOUND":    true,
		"EAI_AGAIN":    true,
	}
	transientStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}
	transientPatterns = []string{
		"rate limit",
		"too many requests",
		"temporarily unavailable",
		"service unavailable",
		"timeout",
		"connection reset",
		"network error",
		"overloaded",
	}

	fatalCodes = map[string]bool{
		"EAUTH":             true,
		"QUOTA_EXCEEDED":    true,
		"INVALID_API_KEY":   true,
		"PERMISSION_DENIED": true,
	}
	fatalStatuses = map[int]bool{401: true, 403: true}
	fatalPatterns = []string{
		"authentication failed",
		"unauthorized",
		"forbidden",
		"quota exceeded",
		"billing",
		"invalid api key",
		"access denied",
		"account suspended",
	}

	recoverableCodes = map[string]bool{
		"CONTEXT_OVERFLOW":  true,
		"VALIDATION_FAILED": true,
		"TOKEN_LIMIT":       true,
		"TOOL_ERROR":        true,
	}
	recoverableStatuses = map[int]bool{400: true, 413: true, 422: true}
	recoverablePatterns = []string{
		"context overflow",
		"token limit",
		"validation failed",
		"invalid format",
		"tool error",
		"content too large",
	}
)

// Classify assigns a tier to err. Matching order is transient, then fatal,
// then recoverable; first match wins. nil classifies as Unknown.
func Classify(err error) Tier {
	if err == nil {
		return Unknown
	}

	code := extractCode(err)
	status := extractStatus(err)
	msg := strings.ToLower(err.Error())

	if transientCodes[code] || transientStatuses[status] || matchesAny(msg, transientPatterns) {
		return Transient
	}
	if fatalCodes[code] || fatalStatuses[status] || matchesAny(msg, fatalPatterns) {
		return Fatal
	}
	if recoverableCodes[code] || recoverableStatuses[status] || matchesAny(msg, recoverablePatterns) {
		return Recoverable
	}
	return Unknown
}

func extractCode(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func extractStatus(err error) int {
	var statusCoded StatusCoded
	if errors.As(err, &statusCoded) {
		return statusCoded.HTTPStatus()
	}
	return 0
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Action is what the caller should do next.
type Action string

const (
	ActionRetry           Action = "retry"
	ActionEscalate        Action = "escalate"
	ActionCompressContext Action = "compress_context"
	ActionDecompose       Action = "decompose"
	ActionReprompt        Action = "reprompt"
)

// Decision is the outcome of recovery selection.
type Decision struct {
	Action Action
	Reason string
	// Delay is populated only for ActionRetry.
	Delay time.Duration
	// Constraints is populated only for ActionReprompt.
	Constraints *Constraints
}

// Decide selects a recovery action for err on the given attempt (0-based).
func Decide(err error, tier Tier, attempt, maxRetries int) Decision {
	if attempt >= maxRetries {
		return Decision{Action: ActionEscalate, Reason: "max_retries_exceeded"}
	}
	if tier == Fatal {
		return Decision{Action: ActionEscalate, Reason: "fatal_error"}
	}

	if tier == Recoverable {
		msg := ""
		if err != nil {
			msg = strings.ToLower(err.Error())
		}
		switch {
		case strings.Contains(msg, "context overflow") || extractCode(err) == "CONTEXT_OVERFLOW":
			return Decision{Action: ActionCompressContext, Reason: "context_overflow"}
		case strings.Contains(msg, "token limit") || extractCode(err) == "TOKEN_LIMIT":
			return Decision{Action: ActionDecompose, Reason: "token_limit"}
		case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid format") || extractCode(err) == "VALIDATION_FAILED":
			return Decision{Action: ActionReprompt, Reason: "validation_failed", Constraints: BuildConstraints(err)}
		default:
			return Decision{Action: ActionRetry, Reason: "tool_error", Delay: Backoff(attempt)}
		}
	}

	// Transient and unknown both retry.
	return Decision{Action: ActionRetry, Reason: string(tier), Delay: Backoff(attempt)}
}
