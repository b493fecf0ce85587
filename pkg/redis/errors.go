package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrorKind classifies coordination failures. Kinds drive retry decisions,
// circuit breaker accounting, and the HTTP status mapping in thin handlers.
type ErrorKind string

const (
	KindConnection       ErrorKind = "connection_error"
	KindAuth             ErrorKind = "auth_error"
	KindTimeout          ErrorKind = "timeout_error"
	KindPoolExhausted    ErrorKind = "pool_exhausted"
	KindCircuitOpen      ErrorKind = "circuit_breaker_open"
	KindIsolation        ErrorKind = "project_isolation_violation"
	KindScriptMissing    ErrorKind = "script_missing"
	KindQueueFull        ErrorKind = "queue_full"
	KindProjectQueueFull ErrorKind = "project_queue_full"
	KindKeyNotFound      ErrorKind = "key_not_found"
	KindUnknown          ErrorKind = ""
)

// CoordinationError carries the failure kind together with the operation and
// project context it occurred under.
type CoordinationError struct {
	Kind    ErrorKind
	Op      string
	Project string
	Err     error
}

func (e *CoordinationError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(": " + e.Op)
	}
	if e.Project != "" {
		sb.WriteString(" (project " + e.Project + ")")
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation context.
func NewError(kind ErrorKind, op string, err error) *CoordinationError {
	return &CoordinationError{Kind: kind, Op: op, Err: err}
}

// NewProjectError wraps err with kind, operation and project context.
func NewProjectError(kind ErrorKind, op, project string, err error) *CoordinationError {
	return &CoordinationError{Kind: kind, Op: op, Project: project, Err: err}
}

// NewIsolationError reports a tenant isolation violation. These are
// programmer errors and are never retried.
func NewIsolationError(op, project, reason string) *CoordinationError {
	return &CoordinationError{
		Kind:    KindIsolation,
		Op:      op,
		Project: project,
		Err:     fmt.Errorf("%s", reason),
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call without
// touching the network.
var ErrCircuitOpen = &CoordinationError{Kind: KindCircuitOpen, Op: "execute"}

// KindOf classifies an arbitrary error. It honors explicit CoordinationError
// kinds first, then recognizes go-redis, net, and context failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, redis.Nil) {
		return KindKeyNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "NOAUTH", "WRONGPASS", "invalid password", "invalid username-password"):
		return KindAuth
	case strings.Contains(msg, "NOSCRIPT"):
		return KindScriptMissing
	case strings.Contains(msg, "connection pool timeout"):
		return KindPoolExhausted
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "EOF", "closed network connection", "redis: client is closed"):
		return KindConnection
	case strings.Contains(msg, "i/o timeout"):
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failure is transient: connection failures
// and timeouts. Pool exhaustion and auth failures are surfaced, never
// retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	default:
		return false
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
