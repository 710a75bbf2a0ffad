package approval

import (
	"context"
	"log/slog"
	"time"
)

const forwardTimeout = 10 * time.Second

// GatewayRequester asks humans through the Manager: it creates the record,
// forwards a requested event, waits, then forwards the outcome. Resolutions
// arrive out of band through Manager.Resolve (HTTP API, WebSocket, MCP).
type GatewayRequester struct {
	mgr    *Manager
	fwd    Forwarder
	logger *slog.Logger
}

// NewGatewayRequester wires a manager to an optional forwarder.
func NewGatewayRequester(mgr *Manager, fwd Forwarder, logger *slog.Logger) *GatewayRequester {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayRequester{mgr: mgr, fwd: fwd, logger: logger}
}

// RequestApproval blocks until the approval is resolved, expires, or ctx ends.
func (g *GatewayRequester) RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Resolution, error) {
	rec := g.mgr.Create(req, timeout, req.ID)
	requested := *rec

	// Register the wait first so an approver answering the forwarded event is never early.
	w, err := g.mgr.WaitForDecision(rec, timeout)
	if err != nil {
		return Resolution{}, err
	}
	g.forward(ctx, NewEvent(EventRequested, requested))

	// Wait returns only after the approval has left the manager, and Resolve
	// stamps the record before delivering, so reading rec here is ordered.
	d := w.Wait(ctx)
	if d == DecisionNone {
		g.forward(ctx, NewEvent(EventExpired, *rec))
		return Resolution{}, nil
	}
	g.forward(ctx, NewEvent(EventResolved, *rec))
	return Resolution{Decision: d, ResolvedBy: rec.ResolvedBy}, nil
}

func (g *GatewayRequester) forward(ctx context.Context, ev Event) {
	if g.fwd == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forwardTimeout)
	defer cancel()
	if err := g.fwd.Forward(fctx, ev); err != nil {
		g.logger.WarnContext(ctx, "forwarding approval event failed",
			slog.String("type", string(ev.Type)),
			slog.String("approval_id", ev.Record.ID),
			slog.String("error", err.Error()),
		)
	}
}
