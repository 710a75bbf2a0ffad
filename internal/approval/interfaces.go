package approval

import (
	"context"
	"time"
)

// Requester is the human approval channel used by Tier 3.
// It returns a Resolution with DecisionNone when no decision arrives within timeout.
type Requester interface {
	RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Resolution, error)
}

// Forwarder notifies human approvers about approval lifecycle events.
// Implementations must be safe for concurrent use.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// RequesterFunc adapts a function to the Requester interface.
type RequesterFunc func(ctx context.Context, req Request, timeout time.Duration) (Resolution, error)

// RequestApproval calls f.
func (f RequesterFunc) RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Resolution, error) {
	return f(ctx, req, timeout)
}
