package security

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	ledgerDateLayout = "2006-01-02"
	// LedgerRetentionDays is how many days of history are kept besides today.
	LedgerRetentionDays = 7
)

// ExceededAction selects what happens when a call would exceed a budget.
type ExceededAction string

const (
	ExceededDeny     ExceededAction = "deny"
	ExceededEscalate ExceededAction = "escalate"
)

// BudgetLimits caps spend. Nil means unlimited.
type BudgetLimits struct {
	SessionLimit *float64
	DailyLimit   *float64
}

// BudgetConfig configures the budget gate.
type BudgetConfig struct {
	Enabled         bool
	Limits          BudgetLimits
	PerToolCosts    map[string]float64
	DefaultToolCost float64
	OnExceeded      ExceededAction
}

// LedgerEntry is one calendar day of recorded spend.
type LedgerEntry struct {
	Date   string             `json:"date"`
	Total  float64            `json:"total"`
	Agents map[string]float64 `json:"agents,omitempty"`
}

// BudgetCheck is the result of a pre-call budget check.
type BudgetCheck struct {
	Cost     float64
	Exceeded bool
	Action   ExceededAction
	Reason   string
}

// BudgetStatus reports current totals against limits for one scope.
type BudgetStatus struct {
	AgentID      string   `json:"agent_id,omitempty"`
	Date         string   `json:"date"`
	SessionSpent float64  `json:"session_spent"`
	DailySpent   float64  `json:"daily_spent"`
	SessionLimit *float64 `json:"session_limit,omitempty"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
}

// BudgetLedger tracks session and daily spend, globally and per agent.
// Session totals live in memory. Daily totals are persisted through a LedgerStore,
// loaded lazily on first access for a date and cached until the date rolls over.
// Thread-safe.
type BudgetLedger struct {
	mu            sync.Mutex
	cfg           BudgetConfig
	agentLimits   map[string]BudgetLimits
	sessionTotal  float64
	sessionAgents map[string]float64
	day           string
	history       []LedgerEntry // prior days within retention
	today         *LedgerEntry
	seq           uint64

	persistMu    sync.Mutex
	persistedSeq uint64

	store  LedgerStore
	now    func() time.Time
	logger *slog.Logger
}

// LedgerOption configures a BudgetLedger.
type LedgerOption func(*BudgetLedger)

// WithLedgerStore persists daily totals. Without one, tracking is in-memory only.
func WithLedgerStore(s LedgerStore) LedgerOption {
	return func(l *BudgetLedger) { l.store = s }
}

// WithLedgerClock overrides time.Now, for tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *BudgetLedger) { l.now = now }
}

// WithAgentLimits sets per-agent limits checked against that agent's own totals.
func WithAgentLimits(limits map[string]BudgetLimits) LedgerOption {
	return func(l *BudgetLedger) {
		for id, lim := range limits {
			l.agentLimits[id] = lim
		}
	}
}

// NewBudgetLedger creates a ledger for the given config.
func NewBudgetLedger(cfg BudgetConfig, logger *slog.Logger, opts ...LedgerOption) *BudgetLedger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnExceeded == "" {
		cfg.OnExceeded = ExceededDeny
	}
	l := &BudgetLedger{
		cfg:           cfg,
		agentLimits:   make(map[string]BudgetLimits),
		sessionAgents: make(map[string]float64),
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether the budget gate is active.
func (l *BudgetLedger) Enabled() bool {
	return l != nil && l.cfg.Enabled
}

// Cost returns the configured cost of one call to the tool.
func (l *BudgetLedger) Cost(tool string) float64 {
	if c, ok := l.cfg.PerToolCosts[tool]; ok {
		return c
	}
	return l.cfg.DefaultToolCost
}

// Check reports whether a call to tool would exceed the session or daily limit.
// Agents with their own limits are checked against their own totals first; the
// global limits cap every agent.
func (l *BudgetLedger) Check(ctx context.Context, agentID, tool string) BudgetCheck {
	cost := l.Cost(tool)
	check := BudgetCheck{Cost: cost, Action: l.cfg.OnExceeded}
	if !l.Enabled() {
		return check
	}

	l.mu.Lock()
	l.ensureDayLocked(ctx)
	scopes := make([]budgetScope, 0, 2)
	if lim, ok := l.agentLimits[agentID]; ok && agentID != "" {
		scopes = append(scopes, budgetScope{
			name:    "agent " + agentID,
			limits:  lim,
			session: l.sessionAgents[agentID],
			daily:   l.today.Agents[agentID],
		})
	}
	scopes = append(scopes, budgetScope{
		name:    "global",
		limits:  l.cfg.Limits,
		session: l.sessionTotal,
		daily:   l.today.Total,
	})
	l.mu.Unlock()

	for _, sc := range scopes {
		if reason, over := sc.exceeds(cost); over {
			check.Exceeded = true
			check.Reason = reason
			break
		}
	}

	if check.Exceeded {
		l.logger.WarnContext(ctx, "budget exceeded",
			slog.String("agent_id", agentID),
			slog.String("tool", tool),
			slog.Float64("cost", cost),
			slog.String("action", string(check.Action)),
		)
	}
	return check
}

type budgetScope struct {
	name    string
	limits  BudgetLimits
	session float64
	daily   float64
}

func (s budgetScope) exceeds(cost float64) (string, bool) {
	switch {
	case s.limits.SessionLimit != nil && s.session+cost > *s.limits.SessionLimit:
		return fmt.Sprintf("Budget exceeded: %s session spend $%.4f + $%.4f > limit $%.4f",
			s.name, s.session, cost, *s.limits.SessionLimit), true
	case s.limits.DailyLimit != nil && s.daily+cost > *s.limits.DailyLimit:
		return fmt.Sprintf("Budget exceeded: %s daily spend $%.4f + $%.4f > limit $%.4f",
			s.name, s.daily, cost, *s.limits.DailyLimit), true
	}
	return "", false
}

// Record adds cost to the session and daily totals, globally and for the agent,
// then persists the daily ledger. Persistence failures are logged and ignored.
func (l *BudgetLedger) Record(ctx context.Context, agentID string, cost float64) {
	if !l.Enabled() || cost <= 0 {
		return
	}

	l.mu.Lock()
	l.ensureDayLocked(ctx)
	l.sessionTotal += cost
	l.today.Total += cost
	if agentID != "" {
		l.sessionAgents[agentID] += cost
		if l.today.Agents == nil {
			l.today.Agents = make(map[string]float64)
		}
		l.today.Agents[agentID] += cost
	}
	l.seq++
	seq := l.seq
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, seq, snapshot)
}

// ResetSession clears session totals. Daily totals are unaffected.
func (l *BudgetLedger) ResetSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionTotal = 0
	l.sessionAgents = make(map[string]float64)
}

// Status reports totals for the agent, or global totals when agentID is empty.
func (l *BudgetLedger) Status(ctx context.Context, agentID string) BudgetStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureDayLocked(ctx)

	st := BudgetStatus{
		AgentID:      agentID,
		Date:         l.day,
		SessionSpent: l.sessionTotal,
		DailySpent:   l.today.Total,
		SessionLimit: l.cfg.Limits.SessionLimit,
		DailyLimit:   l.cfg.Limits.DailyLimit,
	}
	if agentID != "" {
		st.SessionSpent = l.sessionAgents[agentID]
		st.DailySpent = l.today.Agents[agentID]
		if lim, ok := l.agentLimits[agentID]; ok {
			st.SessionLimit = lim.SessionLimit
			st.DailyLimit = lim.DailyLimit
		}
	}
	return st
}

// ensureDayLocked loads the ledger for the current date on first access or rollover.
func (l *BudgetLedger) ensureDayLocked(ctx context.Context) {
	now := l.now()
	day := now.Format(ledgerDateLayout)
	if day == l.day && l.today != nil {
		return
	}

	var entries []LedgerEntry
	if l.today != nil {
		entries = append(append(entries, l.history...), *l.today)
	}
	if l.store != nil {
		loaded, err := l.store.LoadLedger(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "loading budget ledger failed, tracking in memory",
				slog.String("error", err.Error()),
			)
		} else {
			entries = loaded
		}
	}

	cutoff := now.AddDate(0, 0, -LedgerRetentionDays).Format(ledgerDateLayout)
	l.day = day
	l.history = l.history[:0]
	l.today = &LedgerEntry{Date: day}
	for _, e := range entries {
		switch {
		case e.Date == day:
			cp := e
			cp.Agents = copyCosts(e.Agents)
			l.today = &cp
		case e.Date >= cutoff && e.Date < day:
			l.history = append(l.history, e)
		}
	}
}

func (l *BudgetLedger) snapshotLocked() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l.history)+1)
	out = append(out, l.history...)
	cur := *l.today
	cur.Agents = copyCosts(l.today.Agents)
	out = append(out, cur)
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// persist writes the snapshot unless a newer one has already been written.
func (l *BudgetLedger) persist(ctx context.Context, seq uint64, entries []LedgerEntry) {
	if l.store == nil {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if seq <= l.persistedSeq {
		return
	}
	if err := l.store.SaveLedger(ctx, entries); err != nil {
		l.logger.WarnContext(ctx, "ledger persistence failed, continuing in memory",
			slog.String("error", err.Error()),
		)
		return
	}
	l.persistedSeq = seq
}

func copyCosts(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
