// Package protocol defines the WebSocket message types exchanged between Guardian
// and connected human approvers. All messages are JSON-encoded and wrapped in an
// Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "guardian-approvals-v1"

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Guardian → Approver
	MsgHello             MessageType = "gateway.hello"
	MsgApprovalRequested MessageType = "approval.requested"
	MsgApprovalResolved  MessageType = "approval.resolved"
	MsgApprovalExpired   MessageType = "approval.expired"
	MsgResolveAck        MessageType = "approval.ack"
	MsgPing              MessageType = "gateway.ping"

	// Approver → Guardian
	MsgApprovalResolve MessageType = "approval.resolve"
	MsgPong            MessageType = "gateway.pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type       MessageType     `json:"type"`
	ID         string          `json:"id"` // Message ID for correlation and deduplication.
	ApprovalID string          `json:"approval_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Approver → Guardian payloads ---

// ResolvePayload is sent with MsgApprovalResolve to answer a pending approval.
type ResolvePayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // allow-once|allow-session|allow-always|deny
	ApproverID string `json:"approver_id"`
}

// --- Guardian → Approver payloads ---

// HelloPayload is sent with MsgHello on connect. Pending carries the approvals
// already waiting, so a late approver can still answer them.
type HelloPayload struct {
	Message string          `json:"message"`
	Pending json.RawMessage `json:"pending,omitempty"`
}

// AckPayload is sent with MsgResolveAck after a resolve attempt.
type AckPayload struct {
	ApprovalID string `json:"approval_id"`
	Accepted   bool   `json:"accepted"`
	Message    string `json:"message,omitempty"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
