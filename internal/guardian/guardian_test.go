package guardian

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/guardian/internal/adjudicator"
	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/security"
)

type fakeApprover struct {
	mu       sync.Mutex
	decision approval.Decision
	by       string
	err      error
	requests []approval.Request
}

func (f *fakeApprover) RequestApproval(_ context.Context, req approval.Request, _ time.Duration) (approval.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return approval.Resolution{Decision: f.decision, ResolvedBy: f.by}, f.err
}

func (f *fakeApprover) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type captureAudit struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (c *captureAudit) Append(_ context.Context, ev security.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type countingRecorder struct {
	mu        sync.Mutex
	decisions map[string]int
	cacheHits int
	exceeded  int
	spend     float64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{decisions: make(map[string]int)}
}

func (r *countingRecorder) RecordDecision(tier, outcome, _ string, _ time.Duration) {
	r.mu.Lock()
	r.decisions[tier+"/"+outcome]++
	r.mu.Unlock()
}
func (r *countingRecorder) RecordCacheHit(string) {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}
func (r *countingRecorder) RecordSpend(_ string, cost float64) {
	r.mu.Lock()
	r.spend += cost
	r.mu.Unlock()
}
func (r *countingRecorder) RecordBudgetExceeded(string) {
	r.mu.Lock()
	r.exceeded++
	r.mu.Unlock()
}
func (r *countingRecorder) RecordAdjudication(string, string, time.Duration) {}
func (r *countingRecorder) RecordApproval(string)                            {}

func ptr[T any](v T) *T { return &v }

func budgetCfg(session float64, cost float64, action security.ExceededAction) security.BudgetConfig {
	return security.BudgetConfig{
		Enabled:         true,
		Limits:          security.BudgetLimits{SessionLimit: ptr(session)},
		DefaultToolCost: cost,
		OnExceeded:      action,
	}
}

func adjudicatorReturning(text string, err error, calls *int) *adjudicator.Adjudicator {
	return adjudicator.New(adjudicator.Config{Timeout: time.Second}, func(context.Context, string, string, int) (string, error) {
		if calls != nil {
			*calls++
		}
		return text, err
	}, nil)
}

func TestEvaluate_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		tool      string
		params    map[string]any
		cc        CallContext
		approver  *fakeApprover
		wantBlock bool
		wantTier  Tier
		wantRisk  security.RiskLevel
		wantInReq string
	}{
		{
			name:     "read allowed below threshold",
			cfg:      Config{ApprovalThreshold: security.RiskHigh},
			tool:     "read",
			cc:       CallContext{IsAllowed: true},
			wantTier: TierRules,
			wantRisk: security.RiskLow,
		},
		{
			name:      "destructive exec escalates to human",
			cfg:       Config{ApprovalThreshold: security.RiskHigh},
			tool:      "exec",
			params:    map[string]any{"command": "rm -rf /data"},
			cc:        CallContext{IsAllowed: true},
			approver:  &fakeApprover{decision: approval.DecisionDeny},
			wantBlock: true,
			wantTier:  TierHuman,
			wantRisk:  security.RiskCritical,
			wantInReq: "destructive command",
		},
		{
			name:      "sensitive write escalates",
			cfg:       Config{ApprovalThreshold: security.RiskHigh},
			tool:      "write",
			params:    map[string]any{"path": "/app/.env"},
			cc:        CallContext{IsAllowed: true},
			approver:  &fakeApprover{decision: approval.DecisionAllowOnce},
			wantTier:  TierHuman,
			wantRisk:  security.RiskCritical,
			wantInReq: "sensitive path",
		},
		{
			name: "agent rule beats global rule",
			cfg: Config{
				ApprovalThreshold: security.RiskHigh,
				Rules:             []security.Rule{{ToolPattern: "exec", Action: security.DecisionDeny}},
				Agents: map[string]AgentOverride{
					"builder": {Rules: []security.Rule{{ToolPattern: "exec", Action: security.DecisionAllow}}},
				},
			},
			tool:     "exec",
			params:   map[string]any{"command": "make"},
			cc:       CallContext{AgentID: "builder"},
			wantTier: TierRules,
			wantRisk: security.RiskHigh,
		},
		{
			name: "global deny rule blocks other agents",
			cfg: Config{
				ApprovalThreshold: security.RiskHigh,
				Rules:             []security.Rule{{ToolPattern: "exec", Action: security.DecisionDeny, Label: "no shell"}},
				Agents: map[string]AgentOverride{
					"builder": {Rules: []security.Rule{{ToolPattern: "exec", Action: security.DecisionAllow}}},
				},
			},
			tool:      "exec",
			params:    map[string]any{"command": "make"},
			cc:        CallContext{AgentID: "writer"},
			wantBlock: true,
			wantTier:  TierRules,
			wantRisk:  security.RiskHigh,
		},
		{
			name:     "owner bypasses high risk",
			cfg:      Config{ApprovalThreshold: security.RiskMedium},
			tool:     "exec",
			params:   map[string]any{"command": "ls"},
			cc:       CallContext{SenderIsOwner: true},
			wantTier: TierRules,
			wantRisk: security.RiskHigh,
		},
		{
			name:      "owner does not bypass critical",
			cfg:       Config{ApprovalThreshold: security.RiskHigh},
			tool:      "gateway",
			cc:        CallContext{SenderIsOwner: true},
			approver:  &fakeApprover{decision: approval.DecisionNone},
			wantBlock: true,
			wantTier:  TierHuman,
			wantRisk:  security.RiskCritical,
		},
		{
			name:      "subagent threshold is one rank lower",
			cfg:       Config{ApprovalThreshold: security.RiskHigh},
			tool:      "write",
			params:    map[string]any{"path": "notes.txt"},
			cc:        CallContext{IsSubagent: true, SenderIsOwner: true},
			approver:  &fakeApprover{decision: approval.DecisionDeny},
			wantBlock: true,
			wantTier:  TierHuman,
			wantRisk:  security.RiskMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.approver != nil {
				opts = append(opts, WithApprover(tt.approver))
			}
			g := New(tt.cfg, opts...)
			out := g.EvaluateDetailed(context.Background(), tt.tool, tt.params, tt.cc)

			if out.Block != tt.wantBlock {
				t.Errorf("Block = %v, want %v (reason %q)", out.Block, tt.wantBlock, out.BlockReason)
			}
			if out.Tier != tt.wantTier {
				t.Errorf("Tier = %q, want %q", out.Tier, tt.wantTier)
			}
			if out.Risk != tt.wantRisk {
				t.Errorf("Risk = %s, want %s", out.Risk, tt.wantRisk)
			}
			if tt.wantInReq != "" {
				if tt.approver.calls() != 1 {
					t.Fatalf("approver calls = %d, want 1", tt.approver.calls())
				}
				if reason := tt.approver.requests[0].Reason; !strings.Contains(reason, tt.wantInReq) {
					t.Errorf("approval reason %q does not contain %q", reason, tt.wantInReq)
				}
			}
		})
	}
}

func TestEvaluate_HumanDecisions(t *testing.T) {
	tests := []struct {
		name       string
		decision   approval.Decision
		err        error
		wantBlock  bool
		wantReason string
		wantCached bool
	}{
		{"allow once", approval.DecisionAllowOnce, nil, false, "", false},
		{"allow session", approval.DecisionAllowSession, nil, false, "", true},
		{"allow always", approval.DecisionAllowAlways, nil, false, "", true},
		{"deny", approval.DecisionDeny, nil, true, DeniedByOperator, false},
		{"expired", approval.DecisionNone, nil, true, DeniedByOperator, false},
		{"channel error", approval.DecisionNone, errors.New("boom"), true, approvalFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap := &fakeApprover{decision: tt.decision, err: tt.err}
			g := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap))
			params := map[string]any{"command": "ls"}

			res := g.Evaluate(context.Background(), "exec", params, CallContext{})
			if res.Block != tt.wantBlock || res.BlockReason != tt.wantReason {
				t.Errorf("Evaluate = %+v, want block=%v reason=%q", res, tt.wantBlock, tt.wantReason)
			}
			_, cached := g.Cache().Lookup(CacheKey("exec", params))
			if cached != tt.wantCached {
				t.Errorf("cached = %v, want %v", cached, tt.wantCached)
			}
		})
	}
}

func TestEvaluate_NoApproverBlocks(t *testing.T) {
	g := New(Config{ApprovalThreshold: security.RiskHigh})
	res := g.Evaluate(context.Background(), "exec", map[string]any{"command": "ls"}, CallContext{})
	if !res.Block || res.BlockReason != NoApproverReason {
		t.Errorf("Evaluate = %+v, want block with %q", res, NoApproverReason)
	}
}

func TestEvaluate_AllowAlwaysSkipsTiersAndRecordsCost(t *testing.T) {
	ap := &fakeApprover{decision: approval.DecisionAllowAlways}
	adjCalls := 0
	rec := newCountingRecorder()
	g := New(Config{
		ApprovalThreshold: security.RiskHigh,
		Budget: security.BudgetConfig{
			Enabled:         true,
			DefaultToolCost: 0.01,
		},
	},
		WithApprover(ap),
		WithAdjudicator(adjudicatorReturning(`{"decision":"escalate","reason":"unsure"}`, nil, &adjCalls)),
		WithRecorder(rec),
	)
	ctx := context.Background()
	params := map[string]any{"command": "ls"}

	first := g.EvaluateDetailed(ctx, "exec", params, CallContext{})
	if first.Block || first.Tier != TierHuman {
		t.Fatalf("first call = %+v, want human allow", first)
	}
	second := g.EvaluateDetailed(ctx, " EXEC ", params, CallContext{})
	if second.Block || second.Tier != TierCache {
		t.Fatalf("second call = %+v, want cache hit", second)
	}
	if ap.calls() != 1 {
		t.Errorf("approver calls = %d, want 1", ap.calls())
	}
	if adjCalls != 1 {
		t.Errorf("adjudicator calls = %d, want 1", adjCalls)
	}
	st := g.Budget(ctx, "")
	if st.SessionSpent < 0.0199 || st.SessionSpent > 0.0201 {
		t.Errorf("session spent = %v, want 0.02", st.SessionSpent)
	}
	if rec.cacheHits != 1 || rec.decisions["cache/proceed"] != 1 || rec.decisions["human/proceed"] != 1 {
		t.Errorf("recorder = %+v", rec.decisions)
	}

	// Any parameter change misses the cache.
	g.Evaluate(ctx, "exec", map[string]any{"command": "ls -la"}, CallContext{})
	if ap.calls() != 2 {
		t.Errorf("approver calls = %d, want 2 after changed params", ap.calls())
	}
}

func TestEvaluate_ResetSessionClearsSessionApprovals(t *testing.T) {
	ap := &fakeApprover{decision: approval.DecisionAllowSession}
	g := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap))
	ctx := context.Background()
	params := map[string]any{"command": "ls"}

	g.Evaluate(ctx, "exec", params, CallContext{})
	g.Evaluate(ctx, "exec", params, CallContext{})
	if ap.calls() != 1 {
		t.Fatalf("approver calls = %d, want 1 before reset", ap.calls())
	}
	g.ResetSession()
	g.Evaluate(ctx, "exec", params, CallContext{})
	if ap.calls() != 2 {
		t.Errorf("approver calls = %d, want 2 after reset", ap.calls())
	}
}

func TestEvaluate_InstancesAreIsolated(t *testing.T) {
	ap := &fakeApprover{decision: approval.DecisionAllowAlways}
	a := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap))
	b := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap))
	params := map[string]any{"command": "ls"}

	a.Evaluate(context.Background(), "exec", params, CallContext{})
	out := b.EvaluateDetailed(context.Background(), "exec", params, CallContext{})
	if out.Tier == TierCache {
		t.Error("cache leaked between Guardian instances")
	}
}

func TestEvaluate_BudgetDeny(t *testing.T) {
	rec := newCountingRecorder()
	g := New(Config{
		ApprovalThreshold: security.RiskHigh,
		Budget:            budgetCfg(0.05, 0.03, security.ExceededDeny),
	}, WithRecorder(rec))
	ctx := context.Background()

	if res := g.Evaluate(ctx, "read", nil, CallContext{}); res.Block {
		t.Fatalf("first read blocked: %q", res.BlockReason)
	}
	res := g.Evaluate(ctx, "read", nil, CallContext{})
	if !res.Block || !strings.HasPrefix(res.BlockReason, "Budget exceeded") {
		t.Errorf("second read = %+v, want budget block", res)
	}
	if st := g.Budget(ctx, ""); st.SessionSpent > 0.0301 {
		t.Errorf("denied call recorded cost: spent %v", st.SessionSpent)
	}
	if rec.exceeded != 1 {
		t.Errorf("exceeded count = %d, want 1", rec.exceeded)
	}
}

func TestEvaluate_BudgetEscalateForcesCritical(t *testing.T) {
	ap := &fakeApprover{decision: approval.DecisionAllowOnce}
	adjCalls := 0
	g := New(Config{
		ApprovalThreshold: security.RiskHigh,
		Budget:            budgetCfg(0.01, 0.02, security.ExceededEscalate),
	},
		WithApprover(ap),
		WithAdjudicator(adjudicatorReturning(`{"decision":"allow"}`, nil, &adjCalls)),
	)

	out := g.EvaluateDetailed(context.Background(), "read", nil, CallContext{AgentID: "a1", ApprovalID: "apr_fixed"})
	if out.Block || out.Tier != TierHuman || out.Risk != security.RiskCritical {
		t.Fatalf("outcome = %+v, want human allow at critical", out)
	}
	if adjCalls != 0 {
		t.Errorf("adjudicator should be skipped, got %d calls", adjCalls)
	}
	req := ap.requests[0]
	if req.RiskLevel != "critical" || req.ID != "apr_fixed" || req.AgentID != "a1" {
		t.Errorf("approval request = %+v", req)
	}
	if !strings.HasPrefix(req.Reason, "Budget exceeded") {
		t.Errorf("approval reason = %q", req.Reason)
	}
}

func TestEvaluate_Adjudicator(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		err           error
		wantBlock     bool
		wantTier      Tier
		wantReasonPfx string
		wantHuman     bool
	}{
		{"allow", `{"decision":"allow","reason":"scoped listing"}`, nil, false, TierAdjudicator, "", false},
		{"deny", "Sure.\n```json\n{\"decision\": \"DENY\", \"reason\": \"wipes data\"}\n```", nil, true, TierAdjudicator, "Denied by adjudicator: wipes data", false},
		{"escalate", `{"decision":"escalate","reason":"unclear"}`, nil, true, TierHuman, DeniedByOperator, true},
		{"garbage", "I think it's fine", nil, true, TierHuman, DeniedByOperator, true},
		{"call error", "", errors.New("upstream down"), true, TierHuman, DeniedByOperator, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap := &fakeApprover{decision: approval.DecisionDeny}
			g := New(Config{ApprovalThreshold: security.RiskHigh},
				WithApprover(ap),
				WithAdjudicator(adjudicatorReturning(tt.text, tt.err, nil)),
			)
			out := g.EvaluateDetailed(context.Background(), "exec", map[string]any{"command": "ls"}, CallContext{})
			if out.Block != tt.wantBlock || out.Tier != tt.wantTier {
				t.Errorf("outcome = %+v, want block=%v tier=%q", out, tt.wantBlock, tt.wantTier)
			}
			if tt.wantReasonPfx != "" && !strings.HasPrefix(out.BlockReason, tt.wantReasonPfx) {
				t.Errorf("BlockReason = %q, want prefix %q", out.BlockReason, tt.wantReasonPfx)
			}
			if (ap.calls() > 0) != tt.wantHuman {
				t.Errorf("approver calls = %d, wantHuman %v", ap.calls(), tt.wantHuman)
			}
		})
	}
}

func TestEvaluate_AdjudicatorAllowIsNotCached(t *testing.T) {
	calls := 0
	g := New(Config{ApprovalThreshold: security.RiskHigh},
		WithAdjudicator(adjudicatorReturning(`{"decision":"allow"}`, nil, &calls)),
	)
	params := map[string]any{"command": "ls"}
	g.Evaluate(context.Background(), "exec", params, CallContext{})
	g.Evaluate(context.Background(), "exec", params, CallContext{})
	if calls != 2 {
		t.Errorf("adjudicator calls = %d, want 2", calls)
	}
}

func TestEvaluate_AuditsEveryDecision(t *testing.T) {
	store := &captureAudit{}
	g := New(Config{ApprovalThreshold: security.RiskHigh}, WithAuditStore(store))
	ctx := context.Background()

	g.Evaluate(ctx, "read", map[string]any{"path": "a.txt"}, CallContext{AgentID: "a1", CorrelationID: "corr-1"})
	g.Evaluate(ctx, "exec", map[string]any{"command": "ls"}, CallContext{AgentID: "a1"})

	if len(store.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(store.events))
	}
	first, second := store.events[0], store.events[1]
	if first.Outcome != "proceed" || first.Tier != string(TierRules) || first.CorrelationID != "corr-1" {
		t.Errorf("first event = %+v", first)
	}
	if first.ApprovedBy != "" {
		t.Errorf("tier 1 allow has approver %q", first.ApprovedBy)
	}
	if second.Outcome != "block" || second.Tier != string(TierHuman) || second.Risk != "high" {
		t.Errorf("second event = %+v", second)
	}
	if second.CorrelationID == "" {
		t.Error("missing generated correlation id")
	}
}

func TestEvaluate_RecordsApprover(t *testing.T) {
	tests := []struct {
		name     string
		decision approval.Decision
		want     string
	}{
		{"allowed", approval.DecisionAllowOnce, "key-7"},
		{"denied", approval.DecisionDeny, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &captureAudit{}
			ap := &fakeApprover{decision: tt.decision, by: "key-7"}
			g := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap), WithAuditStore(store))

			out := g.EvaluateDetailed(context.Background(), "exec", map[string]any{"command": "ls"}, CallContext{})
			if out.ApprovedBy != tt.want {
				t.Errorf("ApprovedBy = %q, want %q", out.ApprovedBy, tt.want)
			}
			if len(store.events) != 1 || store.events[0].ApprovedBy != tt.want {
				t.Errorf("audit events = %+v, want approved_by %q", store.events, tt.want)
			}
		})
	}
}

func TestEvaluate_ConcurrentIdenticalCallsEachEscalate(t *testing.T) {
	ap := &fakeApprover{decision: approval.DecisionAllowOnce}
	g := New(Config{ApprovalThreshold: security.RiskHigh}, WithApprover(ap))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Evaluate(context.Background(), "exec", map[string]any{"command": "ls"}, CallContext{})
		}()
	}
	wg.Wait()
	if ap.calls() != 8 {
		t.Errorf("approver calls = %d, want 8", ap.calls())
	}
}
