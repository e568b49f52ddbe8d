package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNetwork       Kind = "network"
	KindRateLimit     Kind = "rate_limit"
	KindValidation    Kind = "validation"
	KindUnknown       Kind = "unknown"
)

// Error is a classified failure carrying diagnostic context.
type Error struct {
	Kind       Kind
	Op         string
	Dependency string
	Attempts   int
	LastDelay  time.Duration
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Dependency != "" {
		fmt.Fprintf(&b, " (dependency=%s)", e.Dependency)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration is shorthand for a fatal input/auth error.
func Configuration(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation is shorthand for a malformed external response.
func Validation(op string, err error) error {
	return Wrap(err, KindValidation, op)
}

// Classify returns the kind of err, inferring it for unclassified errors.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "api key"):
		return KindConfiguration
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "timeout"), strings.Contains(msg, "eof"):
		return KindNetwork
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return Is(err, KindConfiguration)
}

// RetryBudget returns how many retries a kind is allowed given the configured maximum.
// Configuration and validation failures are never retried; unknown failures get a single
// conservative retry.
func RetryBudget(kind Kind, maxRetries int) int {
	switch kind {
	case KindConfiguration, KindValidation:
		return 0
	case KindUnknown:
		if maxRetries < 1 {
			return maxRetries
		}
		return 1
	default:
		return maxRetries
	}
}

// BackoffFactor scales the base backoff for a kind. Rate limits back off twice as long.
func BackoffFactor(kind Kind) float64 {
	if kind == KindRateLimit {
		return 2
	}
	return 1
}
