package workflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a failure at the dispatch boundary.
type ErrorKind string

const (
	// ErrStructural means the graph itself is invalid; the run never starts.
	ErrStructural ErrorKind = "structural"
	// ErrValidation means bad or missing node config; fatal, never retried.
	ErrValidation ErrorKind = "validation"
	// ErrTransient is a retryable I/O failure (network, timeout, 5xx).
	ErrTransient ErrorKind = "transient"
	// ErrPermanent is a non-retryable I/O failure (4xx-class, bad request).
	ErrPermanent ErrorKind = "permanent"
	// ErrUserStop is raised by an explicit stop-and-error node.
	ErrUserStop ErrorKind = "user_stop"
	// ErrCancelled means the run's context was cancelled.
	ErrCancelled ErrorKind = "cancelled"
)

// EngineError is the one error shape that crosses node boundaries. Every raw
// failure is normalized into it before being logged or propagated.
type EngineError struct {
	Kind    ErrorKind
	Message string
	NodeID  string
	Context map[string]any
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the fault handler may re-dispatch after this error.
func (e *EngineError) Retryable() bool {
	return e.Kind == ErrTransient
}

// Detail converts the error into its wire representation.
func (e *EngineError) Detail() *ErrorDetail {
	return &ErrorDetail{
		Kind:    string(e.Kind),
		Message: e.Message,
		NodeID:  e.NodeID,
		Context: e.Context,
	}
}

func newError(kind ErrorKind, nodeID, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// Classify normalizes an arbitrary error into an EngineError attributed to
// nodeID. Already-classified errors pass through with the node id filled in;
// context cancellation and timeouts map to cancelled/transient; anything else
// is treated as permanent.
func Classify(err error, nodeID string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.NodeID == "" {
			ee.NodeID = nodeID
		}
		return ee
	}
	switch {
	case errors.Is(err, context.Canceled):
		return newError(ErrCancelled, nodeID, "run cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrTransient, nodeID, "timed out: %s", err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrTransient, nodeID, "network timeout: %s", err.Error())
	}
	return newError(ErrPermanent, nodeID, "%s", err.Error())
}

// Default retry knobs when an error policy omits them.
const (
	defaultRetryDelay = 1 * time.Second
	maxAllowedRetries = 20
)

// ErrorPolicy is a per-node error-handler configuration parsed from the node's
// "onError" config block. When set, a failing dispatch is retried up to
// MaxRetries times with a fixed RetryDelay; if retries exhaust and a fallback
// is configured, the fallback becomes the node's output and the run continues.
// A retried action may execute its external side effect more than once if the
// collaborator is not idempotent; the engine makes no exactly-once promise.
type ErrorPolicy struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Fallback    map[string]any
	HasFallback bool
}

// errorPolicyFrom reads the raw (pre-resolution) "onError" block from a node's
// config. Returns nil when the node carries no error handler.
func errorPolicyFrom(config map[string]any) *ErrorPolicy {
	raw, ok := config["onError"].(map[string]any)
	if !ok {
		return nil
	}
	policy := &ErrorPolicy{RetryDelay: defaultRetryDelay}
	if v, ok := toFloat64(raw["maxRetries"]); ok {
		policy.MaxRetries = int(v)
	}
	if policy.MaxRetries > maxAllowedRetries {
		policy.MaxRetries = maxAllowedRetries
	}
	if v, ok := toFloat64(raw["retryDelayMs"]); ok && v >= 0 {
		policy.RetryDelay = time.Duration(v) * time.Millisecond
	}
	if fb, ok := raw["fallback"].(map[string]any); ok {
		policy.Fallback = fb
		policy.HasFallback = true
	}
	return policy
}

// toFloat64 converts an any value to float64, handling the numeric types that
// survive JSON decoding and Go literals in tests.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
