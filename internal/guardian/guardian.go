// Package guardian composes the decision pipeline that gates every tool call:
// decision cache, budget gate, Tier 1 rules and thresholds, Tier 2 delegated
// adjudication and Tier 3 human approval.
package guardian

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/guardian/internal/adjudicator"
	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/security"
)

const (
	// DeniedByOperator is the block reason for a human deny or an expired approval.
	DeniedByOperator = "Denied by operator."
	// NoApproverReason is the block reason when Tier 3 is reached without a human channel.
	NoApproverReason = "Approval required but no human approval channel is configured."
	approvalFailed   = "Approval request failed."
)

// Tier names the pipeline stage that produced a decision.
type Tier string

const (
	TierCache       Tier = "cache"
	TierBudget      Tier = "budget"
	TierRules       Tier = "rules"
	TierAdjudicator Tier = "adjudicator"
	TierHuman       Tier = "human"
)

// CallContext carries host-supplied provenance for a call.
type CallContext struct {
	AgentID       string `json:"agent_id,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
	SenderIsOwner bool   `json:"sender_is_owner,omitempty"`
	IsSubagent    bool   `json:"is_subagent,omitempty"`
	IsAllowed     bool   `json:"is_allowed,omitempty"`
	// ApprovalID requests a specific id if the call reaches Tier 3.
	ApprovalID    string `json:"approval_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Result is what the host sees. A zero Result means proceed.
type Result struct {
	Block       bool   `json:"block"`
	BlockReason string `json:"block_reason,omitempty"`
}

// Outcome is a Result plus how it was reached.
type Outcome struct {
	Result
	Tier       Tier                `json:"tier"`
	Risk       security.RiskLevel  `json:"-"`
	Trust      security.TrustLevel `json:"-"`
	Reason     string              `json:"reason,omitempty"`
	Cost       float64             `json:"cost,omitempty"`
	ApprovedBy string              `json:"approved_by,omitempty"`
}

// AgentOverride replaces global settings for one agent.
type AgentOverride struct {
	Threshold *security.RiskLevel
	Rules     []security.Rule
	Budget    *security.BudgetLimits
}

// Config holds the plain policy values a Guardian is built from.
type Config struct {
	ApprovalThreshold security.RiskLevel
	ApprovalTimeout   time.Duration
	Rules             []security.Rule
	Agents            map[string]AgentOverride
	Budget            security.BudgetConfig
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordDecision(tier, outcome, risk string, d time.Duration)
	RecordCacheHit(scope string)
	RecordSpend(agentID string, cost float64)
	RecordBudgetExceeded(action string)
	RecordAdjudication(decision, failure string, d time.Duration)
	RecordApproval(decision string)
}

// Guardian gates tool calls. All state is owned by the instance; it is safe for concurrent use.
type Guardian struct {
	cfg         Config
	policy      *security.PolicyEngine
	ledger      *security.BudgetLedger
	cache       *DecisionCache
	adjudicator *adjudicator.Adjudicator
	approver    approval.Requester
	audit       security.AuditStore
	recorder    Recorder
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guardian) { g.logger = l }
}

// WithLedger supplies a prebuilt budget ledger, e.g. one backed by a store.
func WithLedger(l *security.BudgetLedger) Option {
	return func(g *Guardian) { g.ledger = l }
}

// WithAdjudicator enables Tier 2.
func WithAdjudicator(a *adjudicator.Adjudicator) Option {
	return func(g *Guardian) { g.adjudicator = a }
}

// WithApprover enables Tier 3.
func WithApprover(r approval.Requester) Option {
	return func(g *Guardian) { g.approver = r }
}

// WithAuditStore records every terminal decision.
func WithAuditStore(s security.AuditStore) Option {
	return func(g *Guardian) { g.audit = s }
}

// WithRecorder enables metrics.
func WithRecorder(r Recorder) Option {
	return func(g *Guardian) { g.recorder = r }
}

// WithTracer enables spans per evaluation and tier.
func WithTracer(t trace.Tracer) Option {
	return func(g *Guardian) { g.tracer = t }
}

// New builds a Guardian. Rule patterns are compiled here, once.
func New(cfg Config, opts ...Option) *Guardian {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = approval.DefaultTimeout
	}
	g := &Guardian{
		cfg:   cfg,
		cache: NewDecisionCache(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}

	agents := make(map[string]security.AgentPolicy, len(cfg.Agents))
	agentLimits := make(map[string]security.BudgetLimits)
	for id, ov := range cfg.Agents {
		agents[id] = security.AgentPolicy{Rules: ov.Rules, Threshold: ov.Threshold}
		if ov.Budget != nil {
			agentLimits[id] = *ov.Budget
		}
	}
	g.policy = security.NewPolicyEngine(cfg.ApprovalThreshold, cfg.Rules, agents, g.logger)
	if g.ledger == nil {
		g.ledger = security.NewBudgetLedger(cfg.Budget, g.logger, security.WithAgentLimits(agentLimits))
	}
	return g
}

// Evaluate decides whether the call may proceed. It never fails: every
// degraded path resolves to a block or an escalation.
func (g *Guardian) Evaluate(ctx context.Context, toolName string, params map[string]any, cc CallContext) Result {
	return g.EvaluateDetailed(ctx, toolName, params, cc).Result
}

// EvaluateDetailed is Evaluate with the deciding tier, risk and reason.
func (g *Guardian) EvaluateDetailed(ctx context.Context, toolName string, params map[string]any, cc CallContext) Outcome {
	start := time.Now()
	tool := security.NormalizeTool(toolName)
	if cc.CorrelationID == "" {
		cc.CorrelationID = uuid.NewString()
	}

	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.Start(ctx, "guardian.evaluate",
			trace.WithAttributes(
				attribute.String("guardian.tool", tool),
				attribute.String("guardian.agent_id", cc.AgentID),
			))
		defer span.End()
	}

	out := g.evaluate(ctx, tool, params, cc)

	if span != nil {
		span.SetAttributes(
			attribute.String("guardian.tier", string(out.Tier)),
			attribute.String("guardian.risk", out.Risk.String()),
			attribute.Bool("guardian.block", out.Block),
		)
	}
	outcome := "proceed"
	if out.Block {
		outcome = "block"
	}
	if g.recorder != nil {
		g.recorder.RecordDecision(string(out.Tier), outcome, out.Risk.String(), time.Since(start))
	}
	g.auditOutcome(ctx, tool, params, cc, out, outcome)
	return out
}

func (g *Guardian) evaluate(ctx context.Context, tool string, params map[string]any, cc CallContext) Outcome {
	key := CacheKey(tool, params)
	trust := security.ResolveTrust(security.Provenance{
		SenderIsOwner: cc.SenderIsOwner,
		IsSubagent:    cc.IsSubagent,
		IsAllowed:     cc.IsAllowed,
	})

	if scope, ok := g.cache.Lookup(key); ok {
		if g.recorder != nil {
			g.recorder.RecordCacheHit(string(scope))
		}
		g.logger.DebugContext(ctx, "decision cache hit",
			slog.String("tool", tool),
			slog.String("scope", string(scope)),
		)
		return g.proceed(ctx, cc, tool, Outcome{
			Tier:   TierCache,
			Risk:   security.Classify(tool, params).Risk,
			Trust:  trust,
			Reason: "cached " + string(scope) + " approval",
		})
	}

	if g.ledger.Enabled() {
		check := g.ledger.Check(ctx, cc.AgentID, tool)
		if check.Exceeded {
			if g.recorder != nil {
				g.recorder.RecordBudgetExceeded(string(check.Action))
			}
			if check.Action == security.ExceededDeny {
				return block(TierBudget, security.Classify(tool, params).Risk, trust, check.Reason)
			}
			return g.human(ctx, tool, params, cc, key, security.RiskCritical, trust, check.Reason)
		}
	}

	res := g.tier1(ctx, cc.AgentID, tool, params, trust)
	switch res.Decision {
	case security.DecisionAllow:
		return g.proceed(ctx, cc, tool, Outcome{Tier: TierRules, Risk: res.Risk, Trust: trust, Reason: res.Reason})
	case security.DecisionDeny:
		return block(TierRules, res.Risk, trust, res.Reason)
	}

	reason := res.Reason
	if g.adjudicator != nil {
		v := g.tier2(ctx, tool, params, cc.AgentID, res.Risk, trust)
		switch v.Decision {
		case security.DecisionAllow:
			return g.proceed(ctx, cc, tool, Outcome{Tier: TierAdjudicator, Risk: res.Risk, Trust: trust, Reason: v.Reason})
		case security.DecisionDeny:
			r := "Denied by adjudicator"
			if v.Reason != "" {
				r += ": " + v.Reason
			}
			return block(TierAdjudicator, res.Risk, trust, r)
		}
		if v.Reason != "" {
			reason = reason + "; " + v.Reason
		}
	}

	return g.human(ctx, tool, params, cc, key, res.Risk, trust, reason)
}

func (g *Guardian) tier1(ctx context.Context, agentID, tool string, params map[string]any, trust security.TrustLevel) security.EvaluationResult {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guardian.tier1")
		defer span.End()
	}
	return g.policy.Evaluate(ctx, agentID, tool, params, trust)
}

func (g *Guardian) tier2(ctx context.Context, tool string, params map[string]any, agentID string, risk security.RiskLevel, trust security.TrustLevel) adjudicator.Verdict {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guardian.adjudicator")
		defer span.End()
	}
	v := g.adjudicator.Adjudicate(ctx, adjudicator.Input{
		Tool:    tool,
		Params:  params,
		Risk:    risk,
		Trust:   trust,
		AgentID: agentID,
	})
	if g.recorder != nil {
		g.recorder.RecordAdjudication(string(v.Decision), string(v.Failure), v.Duration)
	}
	return v
}

// human runs Tier 3 and applies the decision to the caches.
func (g *Guardian) human(ctx context.Context, tool string, params map[string]any, cc CallContext, key string, risk security.RiskLevel, trust security.TrustLevel, reason string) Outcome {
	if g.approver == nil {
		g.logger.WarnContext(ctx, "escalation reached tier 3 without an approver",
			slog.String("tool", tool),
			slog.String("reason", reason),
		)
		return block(TierHuman, risk, trust, NoApproverReason)
	}

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guardian.approval")
		defer span.End()
	}

	res, err := g.approver.RequestApproval(ctx, approval.Request{
		ID:         cc.ApprovalID,
		ToolName:   tool,
		Params:     params,
		RiskLevel:  risk.String(),
		TrustLevel: trust.String(),
		Reason:     reason,
		AgentID:    cc.AgentID,
		SessionKey: cc.SessionKey,
	}, g.cfg.ApprovalTimeout)
	d := res.Decision
	if g.recorder != nil {
		label := string(d)
		if label == "" {
			label = "expired"
		}
		g.recorder.RecordApproval(label)
	}
	if err != nil {
		g.logger.WarnContext(ctx, "approval request failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
		return block(TierHuman, risk, trust, approvalFailed)
	}

	switch d {
	case approval.DecisionAllowOnce:
	case approval.DecisionAllowSession:
		g.cache.Add(ScopeSession, key)
	case approval.DecisionAllowAlways:
		g.cache.Add(ScopeForever, key)
	case approval.DecisionNone:
		g.logger.InfoContext(ctx, "approval expired", slog.String("tool", tool))
		return block(TierHuman, risk, trust, DeniedByOperator)
	default:
		g.logger.InfoContext(ctx, "denied by operator",
			slog.String("tool", tool),
			slog.String("resolver", res.ResolvedBy),
		)
		return block(TierHuman, risk, trust, DeniedByOperator)
	}
	return g.proceed(ctx, cc, tool, Outcome{
		Tier:       TierHuman,
		Risk:       risk,
		Trust:      trust,
		Reason:     string(d),
		ApprovedBy: res.ResolvedBy,
	})
}

// proceed records the call's cost and returns an allowing outcome.
func (g *Guardian) proceed(ctx context.Context, cc CallContext, tool string, out Outcome) Outcome {
	if g.ledger.Enabled() {
		out.Cost = g.ledger.Cost(tool)
		g.ledger.Record(ctx, cc.AgentID, out.Cost)
		if g.recorder != nil && out.Cost > 0 {
			g.recorder.RecordSpend(cc.AgentID, out.Cost)
		}
	}
	return out
}

func block(tier Tier, risk security.RiskLevel, trust security.TrustLevel, reason string) Outcome {
	if reason == "" {
		reason = "Blocked by policy."
	}
	return Outcome{
		Result: Result{Block: true, BlockReason: reason},
		Tier:   tier,
		Risk:   risk,
		Trust:  trust,
		Reason: reason,
	}
}

func (g *Guardian) auditOutcome(ctx context.Context, tool string, params map[string]any, cc CallContext, out Outcome, outcome string) {
	if g.audit == nil {
		return
	}
	ev := security.AuditEvent{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		CorrelationID: cc.CorrelationID,
		AgentID:       cc.AgentID,
		SessionKey:    cc.SessionKey,
		Tool:          tool,
		Parameters:    params,
		Outcome:       outcome,
		Tier:          string(out.Tier),
		Risk:          out.Risk.String(),
		Trust:         out.Trust.String(),
		Reason:        out.Reason,
		CostUSD:       out.Cost,
		ApprovedBy:    out.ApprovedBy,
	}
	if err := g.audit.Append(ctx, ev); err != nil {
		g.logger.WarnContext(ctx, "audit append failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	}
}

// ResetSession clears the session cache and session budget totals.
func (g *Guardian) ResetSession() {
	g.cache.ClearSession()
	g.ledger.ResetSession()
	g.logger.Info("session reset")
}

// Budget returns the ledger status for an agent, or global when agentID is empty.
func (g *Guardian) Budget(ctx context.Context, agentID string) security.BudgetStatus {
	return g.ledger.Status(ctx, agentID)
}

// Cache exposes the decision cache, for inspection.
func (g *Guardian) Cache() *DecisionCache { return g.cache }

// HasAdjudicator reports whether Tier 2 is configured.
func (g *Guardian) HasAdjudicator() bool { return g.adjudicator != nil }

// HasApprover reports whether Tier 3 is configured.
func (g *Guardian) HasApprover() bool { return g.approver != nil }
