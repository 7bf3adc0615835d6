package shield

import (
	"errors"
	"fmt"
)

var (
	// ErrPrincipalNotFound aborts evaluation with an immediate deny
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrStoreUnavailable marks a backing repository I/O failure; the
	// orchestrator converts it into a deny, never a raw error to callers.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrFlowNotPending is returned for approve/deny/cancel on an instance
	// that already reached a terminal state.
	ErrFlowNotPending = errors.New("flow instance is not pending")

	// ErrNotAnApprover is returned when the caller has no pending approval
	// row on the instance.
	ErrNotAnApprover = errors.New("no pending approval for this principal")

	// ErrNotRequester is returned when cancel is attempted by anyone other
	// than the principal that initiated the flow.
	ErrNotRequester = errors.New("only the requester may cancel")

	// ErrFlowExpired is returned when a vote arrives after the instance
	// deadline.
	ErrFlowExpired = errors.New("flow instance has expired")
)

// PolicyParseError wraps malformed policy content. Parse failures are logged
// and the policy skipped; they never abort a decision.
type PolicyParseError struct {
	PolicyID string
	Kind     PolicyKind
	Err      error
}

func (e *PolicyParseError) Error() string {
	return fmt.Sprintf("parse %s policy %s: %v", e.Kind, e.PolicyID, e.Err)
}

func (e *PolicyParseError) Unwrap() error { return e.Err }

// FlowStateError reports the current state alongside the conflict so callers
// can render it without a second lookup.
type FlowStateError struct {
	InstanceID string
	State      string
	Err        error
}

func (e *FlowStateError) Error() string {
	return fmt.Sprintf("flow %s in state %s: %v", e.InstanceID, e.State, e.Err)
}

func (e *FlowStateError) Unwrap() error { return e.Err }
