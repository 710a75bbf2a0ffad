package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/guardian"
	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrAuditUnavailable = errors.New("audit queries need sqlite or postgres storage")
)

// Evaluator is the decision pipeline served over HTTP.
type Evaluator interface {
	EvaluateDetailed(ctx context.Context, toolName string, params map[string]any, cc guardian.CallContext) guardian.Outcome
	ResetSession()
	Budget(ctx context.Context, agentID string) security.BudgetStatus
}

// Approvals is the pending approval store served over HTTP.
type Approvals interface {
	List() []approval.Record
	Snapshot(id string) (*approval.Record, bool)
	Resolve(id string, decision approval.Decision, resolvedBy string) bool
}

// Service implements the API operations independently of the HTTP framework.
type Service struct {
	guard     Evaluator
	approvals Approvals
	audit     storage.AuditQuerier // nil = audit endpoints disabled
	logger    *slog.Logger
}

// NewService creates a Service. approvals and audit may be nil.
func NewService(guard Evaluator, approvals Approvals, audit storage.AuditQuerier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{guard: guard, approvals: approvals, audit: audit, logger: logger}
}

// EvaluateRequest is the JSON body for POST /v1/evaluate.
type EvaluateRequest struct {
	ToolName string               `json:"tool_name"`
	Params   map[string]any       `json:"params,omitempty"`
	Context  guardian.CallContext `json:"context"`
}

// EvaluateResponse is the JSON response for POST /v1/evaluate.
type EvaluateResponse struct {
	Block         bool    `json:"block"`
	BlockReason   string  `json:"block_reason,omitempty"`
	Tier          string  `json:"tier"`
	Risk          string  `json:"risk"`
	Trust         string  `json:"trust"`
	Reason        string  `json:"reason,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	ApprovedBy    string  `json:"approved_by,omitempty"`
	CorrelationID string  `json:"correlation_id"`
}

// Evaluate runs one tool call through the pipeline. It blocks while a human
// approval is pending.
func (s *Service) Evaluate(ctx context.Context, principal string, req EvaluateRequest) (EvaluateResponse, error) {
	tool := strings.TrimSpace(req.ToolName)
	if tool == "" {
		return EvaluateResponse{}, fmt.Errorf("%w: tool_name is required", ErrInvalidRequest)
	}
	cc := req.Context
	if cc.CorrelationID == "" {
		cc.CorrelationID = uuid.NewString()
	}

	s.logger.InfoContext(ctx, "http evaluate",
		slog.String("principal", principal),
		slog.String("tool", tool),
		slog.String("agent_id", cc.AgentID),
		slog.String("correlation_id", cc.CorrelationID),
	)

	out := s.guard.EvaluateDetailed(ctx, tool, req.Params, cc)
	return EvaluateResponse{
		Block:         out.Block,
		BlockReason:   out.BlockReason,
		Tier:          string(out.Tier),
		Risk:          out.Risk.String(),
		Trust:         out.Trust.String(),
		Reason:        out.Reason,
		CostUSD:       out.Cost,
		ApprovedBy:    out.ApprovedBy,
		CorrelationID: cc.CorrelationID,
	}, nil
}

// ListApprovals returns pending approvals, oldest first.
func (s *Service) ListApprovals() []approval.Record {
	if s.approvals == nil {
		return []approval.Record{}
	}
	return s.approvals.List()
}

// GetApproval returns one pending approval.
func (s *Service) GetApproval(id string) (*approval.Record, error) {
	if s.approvals == nil {
		return nil, approval.ErrNotFound
	}
	rec, ok := s.approvals.Snapshot(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
	}
	return rec, nil
}

// ResolveRequest is the JSON body for POST /v1/approvals/{id}/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"` // allow-once|allow-session|allow-always|deny
}

// ResolveResponse is the JSON response after a resolution.
type ResolveResponse struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

// ResolveApproval answers a pending approval on behalf of principal.
func (s *Service) ResolveApproval(ctx context.Context, id, principal string, req ResolveRequest) (ResolveResponse, error) {
	decision, ok := approval.ParseDecision(req.Decision)
	if !ok {
		return ResolveResponse{}, fmt.Errorf("%w: %q", approval.ErrInvalidDecision, req.Decision)
	}
	if s.approvals == nil || !s.approvals.Resolve(id, decision, principal) {
		return ResolveResponse{}, fmt.Errorf("%w: %s is not pending", approval.ErrNotFound, id)
	}

	s.logger.InfoContext(ctx, "http approval",
		slog.String("principal", principal),
		slog.String("approval_id", id),
		slog.String("decision", string(decision)),
	)
	return ResolveResponse{ApprovalID: id, Decision: string(decision), ResolvedBy: principal}, nil
}

// Budget reports spend for agentID, or global totals when empty.
func (s *Service) Budget(ctx context.Context, agentID string) security.BudgetStatus {
	return s.guard.Budget(ctx, agentID)
}

// ResetSession starts a new session: session cache and session totals are cleared.
func (s *Service) ResetSession(ctx context.Context, principal string) {
	s.guard.ResetSession()
	s.logger.InfoContext(ctx, "session reset", slog.String("principal", principal))
}

// Audit returns recent decision audit events, newest first.
func (s *Service) Audit(ctx context.Context, agentID string, limit int) ([]security.AuditEvent, error) {
	if s.audit == nil {
		return nil, ErrAuditUnavailable
	}
	return s.audit.Query(ctx, storage.AuditFilter{AgentID: agentID, Limit: limit})
}
