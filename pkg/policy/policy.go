// Package policy holds the gate definitions that decide which action
// types require human approval, who must approve them, and how deadline
// escalation behaves. Definitions are loaded from declarative YAML,
// validated in full at load time, and hot-reloaded only as a
// replace-whole-table operation.
package policy

import (
	"fmt"
	"time"

	"github.com/civicmesh/bridgegate/pkg/classification"
)

// Kind selects how approver decisions combine.
type Kind string

const (
	// KindAll requires every required role to approve.
	KindAll Kind = "all"
	// KindAny approves on the first approval from any required role.
	KindAny Kind = "any"
	// KindQuorum requires MinApprovals distinct required roles to approve.
	// Quorum gates are configured explicitly, never inferred from all/any.
	KindQuorum Kind = "quorum"
)

// GateDefinition configures one approval gate for an action type.
type GateDefinition struct {
	ActionType  string `yaml:"action_type" json:"action_type"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
	Policy        Kind     `yaml:"policy" json:"policy"`
	// MinApprovals applies to quorum gates only.
	MinApprovals int `yaml:"min_approvals,omitempty" json:"min_approvals,omitempty"`

	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// EscalationRole, when set, receives the request after the first
	// deadline expiry with a fresh deadline of the same Timeout.
	EscalationRole string `yaml:"escalation_role,omitempty" json:"escalation_role,omitempty"`

	DryRunSupported bool `yaml:"dry_run_supported,omitempty" json:"dry_run_supported,omitempty"`

	// ClassificationMinimum floors the classification of any action
	// passing through this gate.
	ClassificationMinimum classification.Level `yaml:"classification_minimum,omitempty" json:"classification_minimum,omitempty"`

	// Condition is an optional CEL expression over the submitted action
	// (variables: action, classification). When present, the gate applies
	// only if the condition evaluates to true.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Adapter and Operation name the bridge call executed once the gate
	// clears.
	Adapter   string `yaml:"adapter" json:"adapter,omitempty"`
	Operation string `yaml:"operation" json:"operation,omitempty"`
}

// Validate rejects contradictory gate configuration at load time rather
// than at first use.
func (g *GateDefinition) Validate() error {
	if g.ActionType == "" {
		return fmt.Errorf("policy: gate %q missing action_type", g.Name)
	}
	if len(g.RequiredRoles) == 0 {
		return fmt.Errorf("policy: gate %q has zero required approver roles", g.ActionType)
	}
	seen := make(map[string]struct{}, len(g.RequiredRoles))
	for _, role := range g.RequiredRoles {
		if role == "" {
			return fmt.Errorf("policy: gate %q has an empty approver role", g.ActionType)
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("policy: gate %q lists role %q twice", g.ActionType, role)
		}
		seen[role] = struct{}{}
	}
	switch g.Policy {
	case KindAll, KindAny:
		if g.MinApprovals != 0 {
			return fmt.Errorf("policy: gate %q sets min_approvals with policy %q (quorum only)", g.ActionType, g.Policy)
		}
	case KindQuorum:
		if g.MinApprovals < 1 || g.MinApprovals > len(g.RequiredRoles) {
			return fmt.Errorf("policy: gate %q quorum min_approvals %d out of range 1..%d",
				g.ActionType, g.MinApprovals, len(g.RequiredRoles))
		}
	default:
		return fmt.Errorf("policy: gate %q has unknown policy kind %q", g.ActionType, g.Policy)
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("policy: gate %q has non-positive timeout %s", g.ActionType, g.Timeout)
	}
	if g.ClassificationMinimum != "" && !g.ClassificationMinimum.Valid() {
		return fmt.Errorf("policy: gate %q has invalid classification_minimum %q", g.ActionType, g.ClassificationMinimum)
	}
	return nil
}

// RequiredApprovals returns how many distinct role approvals satisfy the
// gate.
func (g *GateDefinition) RequiredApprovals() int {
	switch g.Policy {
	case KindAll:
		return len(g.RequiredRoles)
	case KindQuorum:
		return g.MinApprovals
	default:
		return 1
	}
}

// RoleRequired reports whether the role is part of the gate's required
// approver set.
func (g *GateDefinition) RoleRequired(role string) bool {
	for _, r := range g.RequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}
