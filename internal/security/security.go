// Package security implements the Tier 1 decision model for Guardian:
// risk classification, trust resolution, declarative rule matching,
// the trust-adjusted threshold policy, the budget ledger, and decision audit.
package security

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for security enforcement.
var (
	ErrBudgetExceeded = errors.New("budget limit exceeded")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrLedgerStore    = errors.New("ledger store failure")
)

// RiskLevel classifies the danger of a tool call.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // Command execution and control surfaces.
	RiskCritical                  // Destructive or system-level operations.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	r, ok := LookupRiskLevel(s)
	if !ok {
		return RiskCritical
	}
	return r
}

// LookupRiskLevel is the strict form of ParseRiskLevel used by config validation.
func LookupRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	case "critical":
		return RiskCritical, true
	default:
		return RiskCritical, false
	}
}

// MaxRisk returns the more severe of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// TrustLevel is the provenance-derived confidence in a call's origin.
// Ordering is by rank: subagent < unknown < allowed < owner.
type TrustLevel int

const (
	TrustSubagent TrustLevel = iota
	TrustUnknown
	TrustAllowed
	TrustOwner
)

func (t TrustLevel) String() string {
	switch t {
	case TrustSubagent:
		return "subagent"
	case TrustUnknown:
		return "unknown"
	case TrustAllowed:
		return "allowed"
	case TrustOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// LookupTrustLevel parses a trust level name.
func LookupTrustLevel(s string) (TrustLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subagent":
		return TrustSubagent, true
	case "unknown":
		return TrustUnknown, true
	case "allowed":
		return TrustAllowed, true
	case "owner":
		return TrustOwner, true
	default:
		return TrustUnknown, false
	}
}

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// ParseDecision normalizes case and surrounding whitespace.
// It reports false for anything outside allow, deny and escalate.
func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllow, DecisionDeny, DecisionEscalate:
		return d, true
	default:
		return "", false
	}
}

// EvaluationResult is the ephemeral outcome of Tier 1.
type EvaluationResult struct {
	Decision   Decision
	Risk       RiskLevel
	Trust      TrustLevel
	Reason     string
	RuleLabel  string
	RuleID     string
	RuleMatch  bool
	Escalation string // label of the parameter escalation that fired, if any
}

// AuditEvent is a single entry in the append-only decision audit log.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	Tool          string         `json:"tool"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Outcome       string         `json:"outcome"` // "proceed" or "block"
	Tier          string         `json:"tier"`
	Risk          string         `json:"risk"`
	Trust         string         `json:"trust"`
	Reason        string         `json:"reason,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
}
