// Package gate is the approval state machine. It intercepts proposed
// actions, consults the policy table and classification resolver,
// routes gated actions to human approvers, tracks deadlines and
// escalation, and hands cleared actions to the bridge executor. Every
// transition lands in the audit trail before the caller sees it.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
	"github.com/civicmesh/bridgegate/pkg/policy"
)

// Well-known action types. The policy table may gate any string, these
// are the ones the municipality ships with.
const (
	ActionPermitDecision      = "permit_decision"
	ActionFOIARelease         = "foia_release"
	ActionPaymentRefund       = "payment_refund"
	ActionLegalCorrespondence = "legal_correspondence"
	ActionRecordModification  = "record_modification"
	ActionDataExport          = "data_export"
)

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrNotAuthorized   = errors.New("approver role not in required set")
	ErrAlreadyTerminal = errors.New("approval request already resolved")
	ErrKeyInFlight     = errors.New("idempotency key already executing")
)

// ValidationError reports a malformed action or decision, rejected
// before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ActionRequest is one proposed action. Immutable after creation; the
// classification is a floor that the resolver may raise but never
// lower.
type ActionRequest struct {
	ActionType     string                 `json:"action_type"`
	Target         string                 `json:"target"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Actor          string                 `json:"actor"`
	Classification classification.Level   `json:"classification,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Adapter        string                 `json:"adapter"`
	Operation      string                 `json:"operation"`
}

// Validate rejects malformed requests before any state is touched.
func (a ActionRequest) Validate() error {
	if a.ActionType == "" {
		return &ValidationError{Field: "action_type", Reason: "required"}
	}
	if a.Actor == "" {
		return &ValidationError{Field: "actor", Reason: "required"}
	}
	if a.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if a.Adapter == "" {
		return &ValidationError{Field: "adapter", Reason: "required"}
	}
	if a.Operation == "" {
		return &ValidationError{Field: "operation", Reason: "required"}
	}
	if a.Classification != "" && !a.Classification.Valid() {
		return &ValidationError{Field: "classification", Reason: fmt.Sprintf("unknown level %q", a.Classification)}
	}
	return nil
}

// Verdict is one approver's call.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// Decision is one approver's verdict at one point in time. Never
// edited or deleted.
type Decision struct {
	Approver      string    `json:"approver"`
	Role          string    `json:"role"`
	Verdict       Verdict   `json:"verdict"`
	Justification string    `json:"justification,omitempty"`
	At            time.Time `json:"at"`
}

// State is the approval request lifecycle position.
type State string

const (
	StateCreated           State = "created"
	StatePartiallyApproved State = "partially_approved"
	StateApproved          State = "approved"
	StateDenied            State = "denied"
	StateEscalated         State = "escalated"
	StateExpired           State = "expired"
	StateExecuted          State = "executed"
	StateFailed            State = "failed"
)

// Decidable reports whether the state still accepts approver
// decisions.
func (s State) Decidable() bool {
	switch s {
	case StateCreated, StatePartiallyApproved, StateEscalated:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state is a sink. Approved is not
// terminal for the machine as a whole: it resolves to executed or
// failed through the bridge handoff.
func (s State) Terminal() bool {
	switch s {
	case StateDenied, StateExpired, StateExecuted, StateFailed:
		return true
	default:
		return false
	}
}

// ApprovalRequest is the core stateful entity, owned exclusively by
// the engine.
type ApprovalRequest struct {
	ID             string               `json:"id"`
	Action         ActionRequest        `json:"action"`
	Gate           policy.GateDefinition `json:"gate"`
	Classification classification.Level `json:"classification"`
	State          State                `json:"state"`
	Decisions      []Decision           `json:"decisions"`
	CreatedAt      time.Time            `json:"created_at"`
	Deadline       time.Time            `json:"deadline"`
	EscalatedAt    *time.Time           `json:"escalated_at,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Result         *bridge.Result       `json:"result,omitempty"`
}

// StageRoles returns the roles allowed to decide at the current
// stage. Escalation replaces the original approver set with the
// escalation role.
func (r ApprovalRequest) StageRoles() []string {
	if r.State == StateEscalated {
		return []string{r.Gate.EscalationRole}
	}
	return r.Gate.RequiredRoles
}

// stageApprovals counts distinct roles that approved since the stage
// began. Pre-escalation decisions do not count toward the escalated
// stage.
func (r ApprovalRequest) stageApprovals() int {
	seen := make(map[string]bool)
	for _, d := range r.Decisions {
		if r.EscalatedAt != nil && d.At.Before(*r.EscalatedAt) {
			continue
		}
		if d.Verdict == VerdictApprove {
			seen[d.Role] = true
		}
	}
	return len(seen)
}

// hasDecision reports whether this approver already recorded this
// verdict at the current stage.
func (r ApprovalRequest) hasDecision(approver, role string, verdict Verdict) bool {
	for _, d := range r.Decisions {
		if r.EscalatedAt != nil && d.At.Before(*r.EscalatedAt) {
			continue
		}
		if d.Approver == approver && d.Role == role && d.Verdict == verdict {
			return true
		}
	}
	return false
}

// satisfied reports whether the current stage's approval policy is
// met. The escalated stage resolves on a single approval from the
// escalation role regardless of the original policy.
func (r ApprovalRequest) satisfied() bool {
	approvals := r.stageApprovals()
	if r.State == StateEscalated {
		return approvals >= 1
	}
	switch r.Gate.Policy {
	case policy.KindAny:
		return approvals >= 1
	case policy.KindQuorum:
		return approvals >= r.Gate.MinApprovals
	default:
		return approvals >= len(r.Gate.RequiredRoles)
	}
}

// OutcomeKind is the submit result category.
type OutcomeKind string

const (
	// OutcomeNoGateRequired means the action executed immediately; the
	// bridge result rides along.
	OutcomeNoGateRequired OutcomeKind = "no_gate_required"
	// OutcomePending means a gated approval request is awaiting
	// decisions.
	OutcomePending OutcomeKind = "pending"
	OutcomeDenied  OutcomeKind = "denied"
	OutcomeExpired OutcomeKind = "expired"
	// OutcomeAlreadyExecuted means a gated request with this idempotency
	// key already ran to completion; the stored bridge result rides
	// along.
	OutcomeAlreadyExecuted OutcomeKind = "already_executed"
)

// Outcome is the submit response. For gated requests RequestID names
// the approval request; for ungated or already-executed requests
// Result carries the bridge outcome.
type Outcome struct {
	Kind      OutcomeKind    `json:"kind"`
	RequestID string         `json:"request_id,omitempty"`
	Result    *bridge.Result `json:"result,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}
