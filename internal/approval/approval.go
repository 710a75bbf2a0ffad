// Package approval implements the Tier 3 human approval workflow: an in-memory
// manager for pending approvals with expiry, the forwarders that notify human
// approvers, and requesters that bridge Guardian to a human channel.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTimeout is the lifetime of a pending approval when none is given.
const DefaultTimeout = 120 * time.Second

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyPending  = errors.New("approval already pending")
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// Decision is a human approver's answer.
type Decision string

const (
	// DecisionNone means no decision was made before the approval expired.
	DecisionNone         Decision = ""
	DecisionAllowOnce    Decision = "allow-once"
	DecisionAllowSession Decision = "allow-session"
	DecisionAllowAlways  Decision = "allow-always"
	DecisionDeny         Decision = "deny"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways, DecisionDeny:
		return d, true
	default:
		return DecisionNone, false
	}
}

// Allows reports whether the decision lets the call proceed.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowSession || d == DecisionAllowAlways
}

// Request describes a tool call awaiting human approval.
type Request struct {
	ID         string         `json:"id,omitempty"` // requested approval id, optional
	ToolName   string         `json:"tool_name"`
	Params     map[string]any `json:"params,omitempty"`
	RiskLevel  string         `json:"risk_level"`
	TrustLevel string         `json:"trust_level"`
	Reason     string         `json:"reason,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
}

// Resolution is the outcome of a human approval request.
type Resolution struct {
	Decision   Decision `json:"decision,omitempty"`
	ResolvedBy string   `json:"resolved_by,omitempty"`
}

// Record is a pending approval.
type Record struct {
	ID         string     `json:"id"`
	Request    Request    `json:"request"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Decision   Decision   `json:"decision,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

type pendingEntry struct {
	record *Record
	timer  *time.Timer
	done   chan Decision // buffered(1); receives exactly one value
}

// Waiter is a single-resolution handle returned by WaitForDecision.
type Waiter struct {
	mgr   *Manager
	id    string
	entry *pendingEntry
}

// ID returns the approval id being waited on.
func (w *Waiter) ID() string { return w.id }

// Wait blocks until the approval is resolved or expires.
// Expiry and context cancellation both yield DecisionNone. A cancelled wait
// withdraws the approval, so later Resolve calls for it fail; if a resolution
// won the race it is returned instead.
func (w *Waiter) Wait(ctx context.Context) Decision {
	select {
	case d := <-w.entry.done:
		return d
	case <-ctx.Done():
		if w.mgr.withdraw(w.id, w.entry) {
			return DecisionNone
		}
		return <-w.entry.done
	}
}

// Manager stores pending approval requests in memory.
// Thread-safe. Each approval resolves at most once, by Resolve or by its timer.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	reserved map[string]*Record // created, wait not yet registered
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates an approval manager with the given default lifetime.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:  make(map[string]*pendingEntry),
		reserved: make(map[string]*Record),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// DefaultTimeout returns the manager's default approval lifetime.
func (m *Manager) DefaultTimeout() time.Duration { return m.ttl }

// Create builds a record and reserves its id. The explicit id is used when it is
// non-empty after trimming and not already in use; otherwise a fresh id is generated.
// The wait is not registered until WaitForDecision.
func (m *Manager) Create(req Request, timeout time.Duration, explicitID string) *Record {
	if timeout <= 0 {
		timeout = m.ttl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := strings.TrimSpace(explicitID)
	if id == "" || m.inUseLocked(id) {
		id = m.generateIDLocked()
	}

	now := m.now().UTC()
	rec := &Record{
		ID:        id,
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	m.reserved[id] = rec

	m.logger.Info("approval created",
		slog.String("approval_id", id),
		slog.String("tool", req.ToolName),
		slog.String("risk", req.RiskLevel),
		slog.String("agent_id", req.AgentID),
	)
	return rec
}

// WaitForDecision registers the record as pending and arms its expiry timer.
func (m *Manager) WaitForDecision(rec *Record, timeout time.Duration) (*Waiter, error) {
	if timeout <= 0 {
		timeout = m.ttl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[rec.ID]; ok {
		return nil, ErrAlreadyPending
	}
	if reserved, ok := m.reserved[rec.ID]; !ok || reserved != rec {
		return nil, ErrNotFound
	}
	delete(m.reserved, rec.ID)

	entry := &pendingEntry{
		record: rec,
		done:   make(chan Decision, 1),
	}
	m.pending[rec.ID] = entry
	entry.timer = time.AfterFunc(timeout, func() { m.expire(rec.ID, entry) })

	return &Waiter{mgr: m, id: rec.ID, entry: entry}, nil
}

// Resolve records the decision for a pending approval. It reports false when the
// id is unknown, already resolved or expired, or when the decision is invalid.
func (m *Manager) Resolve(id string, decision Decision, resolvedBy string) bool {
	if _, ok := ParseDecision(string(decision)); !ok {
		return false
	}

	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("approval resolve rejected", slog.String("approval_id", id))
		return false
	}
	delete(m.pending, id)
	entry.timer.Stop()

	now := m.now().UTC()
	entry.record.ResolvedAt = &now
	entry.record.Decision = decision
	entry.record.ResolvedBy = resolvedBy
	m.mu.Unlock()

	entry.done <- decision

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("decision", string(decision)),
		slog.String("resolver", resolvedBy),
		slog.String("tool", entry.record.Request.ToolName),
	)
	return true
}

func (m *Manager) expire(id string, entry *pendingEntry) {
	if !m.removeEntry(id, entry) {
		return
	}
	entry.done <- DecisionNone

	m.logger.Warn("approval expired",
		slog.String("approval_id", id),
		slog.String("tool", entry.record.Request.ToolName),
	)
}

// withdraw removes an approval whose waiter has gone away. It reports false
// when Resolve or the timer got there first.
func (m *Manager) withdraw(id string, entry *pendingEntry) bool {
	if !m.removeEntry(id, entry) {
		return false
	}
	entry.timer.Stop()
	m.logger.Info("approval withdrawn",
		slog.String("approval_id", id),
		slog.String("tool", entry.record.Request.ToolName),
	)
	return true
}

func (m *Manager) removeEntry(id string, entry *pendingEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pending[id]
	if !ok || cur != entry {
		return false
	}
	delete(m.pending, id)
	return true
}

// Snapshot returns a copy of a pending or reserved record.
// Resolved and expired approvals are not retained.
func (m *Manager) Snapshot(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.pending[id]; ok {
		cp := *entry.record
		return &cp, true
	}
	if rec, ok := m.reserved[id]; ok {
		cp := *rec
		return &cp, true
	}
	return nil, false
}

// List returns snapshots of all pending approvals, oldest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.pending))
	for _, entry := range m.pending {
		out = append(out, *entry.record)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount returns the number of approvals awaiting a decision.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) inUseLocked(id string) bool {
	if _, ok := m.pending[id]; ok {
		return true
	}
	_, ok := m.reserved[id]
	return ok
}

func (m *Manager) generateIDLocked() string {
	for {
		id := "apr_" + strings.ToLower(ulid.Make().String())
		if !m.inUseLocked(id) {
			return id
		}
	}
}
