package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an orchestration operation did not succeed
type Kind string

const (
	KindNodeUnreachable             Kind = "node_unreachable"
	KindInvalidNode                 Kind = "invalid_node"
	KindCommandFailed               Kind = "command_failed"
	KindVerificationFailed          Kind = "verification_failed"
	KindSafetyViolation             Kind = "safety_violation"
	KindTimeout                     Kind = "timeout"
	KindConcurrentOperationConflict Kind = "concurrent_operation_conflict"
	KindAlreadyInDesiredState       Kind = "already_in_desired_state"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrNodeUnreachable             = &Error{Kind: KindNodeUnreachable}
	ErrInvalidNode                 = &Error{Kind: KindInvalidNode}
	ErrCommandFailed               = &Error{Kind: KindCommandFailed}
	ErrVerificationFailed          = &Error{Kind: KindVerificationFailed}
	ErrSafetyViolation             = &Error{Kind: KindSafetyViolation}
	ErrTimeout                     = &Error{Kind: KindTimeout}
	ErrConcurrentOperationConflict = &Error{Kind: KindConcurrentOperationConflict}
	ErrAlreadyInDesiredState       = &Error{Kind: KindAlreadyInDesiredState}
)

// Error is the failure of one orchestration step
type Error struct {
	Kind Kind
	Step State  // state the operation was in
	Node string // node the failing step acted on
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		fmt.Fprintf(&b, " during %s", e.Step)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " on %s", e.Node)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, so errors.Is(err,
// ErrTimeout) works on any timeout regardless of step or node
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" when err is not an orchestration error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify maps a step error to a Kind. Errors caused by the context running
// out are timeouts whatever step they hit.
func classify(ctx context.Context, err error, fallback Kind) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return KindTimeout
	}
	return fallback
}
