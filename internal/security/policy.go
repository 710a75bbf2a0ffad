// Package security policy.go implements the Tier 1 evaluator.
//
// Agent rules are checked before global rules and the first match wins.
// When nothing matches, the trust-adjusted threshold policy decides:
// owners bypass anything below critical, subagents get a threshold one
// rank lower, and everything at or above the threshold escalates.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// AgentPolicy overrides global policy for one agent.
type AgentPolicy struct {
	Rules     []Rule
	Threshold *RiskLevel
}

type compiledAgentPolicy struct {
	rules     RuleSet
	threshold *RiskLevel
}

// PolicyEngine evaluates Tier 1 for a tool call. Safe for concurrent use.
type PolicyEngine struct {
	mu        sync.RWMutex
	global    RuleSet
	threshold RiskLevel
	agents    map[string]*compiledAgentPolicy
	logger    *slog.Logger
}

// NewPolicyEngine compiles global and per-agent rules once.
func NewPolicyEngine(threshold RiskLevel, rules []Rule, agents map[string]AgentPolicy, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &PolicyEngine{
		global:    CompileRules(rules),
		threshold: threshold,
		agents:    make(map[string]*compiledAgentPolicy, len(agents)),
		logger:    logger,
	}
	for id, ap := range agents {
		e.agents[id] = &compiledAgentPolicy{rules: CompileRules(ap.Rules), threshold: ap.Threshold}
	}
	return e
}

// Threshold returns the approval threshold that applies to the agent.
func (e *PolicyEngine) Threshold(agentID string) RiskLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ap, ok := e.agents[agentID]; ok && ap.threshold != nil {
		return *ap.threshold
	}
	return e.threshold
}

// SetAgentPolicy replaces one agent's override at runtime.
func (e *PolicyEngine) SetAgentPolicy(agentID string, ap AgentPolicy) {
	compiled := &compiledAgentPolicy{rules: CompileRules(ap.Rules), threshold: ap.Threshold}
	e.mu.Lock()
	e.agents[agentID] = compiled
	e.mu.Unlock()
}

func (e *PolicyEngine) match(agentID, tool string, params map[string]any, trust TrustLevel) (*CompiledRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ap, ok := e.agents[agentID]; ok {
		if r, ok := ap.rules.Match(tool, params, trust); ok {
			return r, true
		}
	}
	return e.global.Match(tool, params, trust)
}

// Evaluate classifies the call and applies rules, then the threshold policy.
// The tool name must already be normalized.
func (e *PolicyEngine) Evaluate(ctx context.Context, agentID, tool string, params map[string]any, trust TrustLevel) EvaluationResult {
	c := Classify(tool, params)
	res := EvaluationResult{
		Risk:       c.Risk,
		Trust:      trust,
		Escalation: c.Label,
	}

	if rule, ok := e.match(agentID, tool, params, trust); ok {
		res.RuleMatch = true
		res.RuleID = rule.ID
		res.RuleLabel = rule.Label
		res.Decision = rule.Action
		if rule.RiskOverride != nil {
			res.Risk = MaxRisk(res.Risk, *rule.RiskOverride)
		}
		switch {
		case c.Label != "":
			res.Reason = c.Label
		case rule.Label != "":
			res.Reason = rule.Label
		default:
			res.Reason = fmt.Sprintf("matched rule %s", rule.Name())
		}
		e.logger.DebugContext(ctx, "rule matched",
			slog.String("rule", rule.Name()),
			slog.String("tool", tool),
			slog.String("decision", string(res.Decision)),
			slog.String("risk", res.Risk.String()),
		)
		return res
	}

	threshold := e.Threshold(agentID)
	res.Decision, res.Reason = ApplyThreshold(res.Risk, trust, threshold, c.Label)
	return res
}

// ApplyThreshold is the threshold policy used when no rule matched.
func ApplyThreshold(risk RiskLevel, trust TrustLevel, threshold RiskLevel, label string) (Decision, string) {
	if trust == TrustOwner && risk < RiskCritical {
		return DecisionAllow, "owner bypass"
	}
	effective := threshold
	if trust == TrustSubagent && effective > RiskLow {
		effective--
	}
	if risk >= effective {
		if label != "" {
			return DecisionEscalate, label
		}
		return DecisionEscalate, fmt.Sprintf("risk %s >= threshold %s", risk, effective)
	}
	if label != "" {
		return DecisionAllow, label
	}
	return DecisionAllow, fmt.Sprintf("risk %s < threshold %s", risk, effective)
}
