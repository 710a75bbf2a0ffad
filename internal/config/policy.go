package config

import (
	"fmt"
	"strings"

	"github.com/jkaninda/guardian/internal/security"
)

// BuildRules converts file rules into security rules, rejecting unknown
// actions, trust levels and risk levels.
func BuildRules(in []RuleConfig) ([]security.Rule, error) {
	out := make([]security.Rule, 0, len(in))
	for i, rc := range in {
		r := security.Rule{
			ID:            rc.ID,
			ToolPattern:   rc.Tool,
			ParamPatterns: rc.Params,
			Label:         rc.Label,
		}
		if rc.Action != "" {
			d, ok := security.ParseDecision(rc.Action)
			if !ok {
				return nil, fmt.Errorf("%w: rule %d has unknown action %q", security.ErrInvalidRule, i, rc.Action)
			}
			r.Action = d
		}
		if rc.MinTrust != "" {
			t, ok := security.LookupTrustLevel(rc.MinTrust)
			if !ok {
				return nil, fmt.Errorf("%w: rule %d has unknown min_trust %q", security.ErrInvalidRule, i, rc.MinTrust)
			}
			r.MinTrust = &t
		}
		if rc.RiskOverride != "" {
			lvl, ok := security.LookupRiskLevel(rc.RiskOverride)
			if !ok {
				return nil, fmt.Errorf("%w: rule %d has unknown risk_override %q", security.ErrInvalidRule, i, rc.RiskOverride)
			}
			r.RiskOverride = &lvl
		}
		if err := security.ValidateRule(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Security returns the budget gate settings.
func (b *BudgetConfig) Security() security.BudgetConfig {
	costs := make(map[string]float64, len(b.PerToolCosts))
	for tool, c := range b.PerToolCosts {
		costs[security.NormalizeTool(tool)] = c
	}
	action := security.ExceededAction(strings.ToLower(b.OnExceeded))
	if action == "" {
		action = security.ExceededDeny
	}
	return security.BudgetConfig{
		Enabled: b.Enabled,
		Limits: security.BudgetLimits{
			SessionLimit: b.SessionLimit,
			DailyLimit:   b.DailyLimit,
		},
		PerToolCosts:    costs,
		DefaultToolCost: b.DefaultToolCost,
		OnExceeded:      action,
	}
}

// Threshold returns the agent's threshold override, or nil.
func (a *AgentConfig) Threshold() *security.RiskLevel {
	if lvl, ok := security.LookupRiskLevel(a.ApprovalThreshold); ok {
		return &lvl
	}
	return nil
}

// Limits returns the agent's budget override, or nil.
func (a *AgentConfig) Limits() *security.BudgetLimits {
	if a.Budget == nil {
		return nil
	}
	return &security.BudgetLimits{
		SessionLimit: a.Budget.SessionLimit,
		DailyLimit:   a.Budget.DailyLimit,
	}
}

// AgentConstitutions collects the per-agent constitution overrides.
func (p *PolicyConfig) AgentConstitutions() map[string]string {
	out := make(map[string]string)
	for id, a := range p.Agents {
		if a.Constitution != "" {
			out[id] = a.Constitution
		}
	}
	return out
}
