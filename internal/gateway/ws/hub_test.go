package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/protocol"
)

func startHub(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func pendingApproval(t *testing.T, mgr *approval.Manager, tool string) (*approval.Record, *approval.Waiter) {
	t.Helper()
	rec := mgr.Create(approval.Request{ToolName: tool, RiskLevel: "critical"}, time.Minute, "")
	w, err := mgr.WaitForDecision(rec, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return rec, w
}

func TestHub_HelloListsPending(t *testing.T) {
	mgr := approval.NewManager(time.Minute, nil)
	rec, _ := pendingApproval(t, mgr, "exec")
	conn := dial(t, startHub(t, NewHub(mgr, nil))+"?approver=alice")

	hello := readEnvelope(t, conn)
	if hello.Type != protocol.MsgHello {
		t.Fatalf("first message = %s, want hello", hello.Type)
	}
	var p protocol.HelloPayload
	if err := hello.Decode(&p); err != nil {
		t.Fatal(err)
	}
	var pending []approval.Record
	if err := json.Unmarshal(p.Pending, &pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Errorf("pending = %+v, want %s", pending, rec.ID)
	}
	if !strings.Contains(p.Message, "alice") {
		t.Errorf("hello message = %q", p.Message)
	}
}

func TestHub_ForwardBroadcasts(t *testing.T) {
	mgr := approval.NewManager(time.Minute, nil)
	hub := NewHub(mgr, nil)
	url := startHub(t, hub)

	a, b := dial(t, url), dial(t, url)
	readEnvelope(t, a)
	readEnvelope(t, b)
	if hub.ClientCount() != 2 {
		t.Fatalf("ClientCount = %d, want 2", hub.ClientCount())
	}

	rec := approval.Record{ID: "apr_1", Request: approval.Request{ToolName: "write"}}
	if err := hub.Forward(context.Background(), approval.NewEvent(approval.EventRequested, rec)); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Type != protocol.MsgApprovalRequested || env.ApprovalID != "apr_1" {
			t.Errorf("envelope = %+v", env)
		}
		var got approval.Record
		if err := env.Decode(&got); err != nil || got.Request.ToolName != "write" {
			t.Errorf("record = %+v, err = %v", got, err)
		}
	}
}

func TestHub_ForwardWithoutClients(t *testing.T) {
	hub := NewHub(approval.NewManager(time.Minute, nil), nil)
	if err := hub.Forward(context.Background(), approval.NewEvent(approval.EventExpired, approval.Record{ID: "x"})); err != nil {
		t.Errorf("Forward with no clients: %v", err)
	}
}

func TestHub_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		decision   string
		wantAccept bool
	}{
		{"allow session", "allow-session", true},
		{"deny", "deny", true},
		{"invalid decision", "maybe", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := approval.NewManager(time.Minute, nil)
			rec, w := pendingApproval(t, mgr, "exec")
			conn := dial(t, startHub(t, NewHub(mgr, nil))+"?approver=bob")
			readEnvelope(t, conn)

			send(t, conn, protocol.MsgApprovalResolve, protocol.ResolvePayload{ApprovalID: rec.ID, Decision: tt.decision})
			ack := readEnvelope(t, conn)
			if ack.Type != protocol.MsgResolveAck {
				t.Fatalf("reply = %s, want ack", ack.Type)
			}
			var p protocol.AckPayload
			if err := ack.Decode(&p); err != nil {
				t.Fatal(err)
			}
			if p.Accepted != tt.wantAccept {
				t.Fatalf("accepted = %v, want %v (%s)", p.Accepted, tt.wantAccept, p.Message)
			}
			if !tt.wantAccept {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if d := w.Wait(ctx); string(d) != tt.decision {
				t.Errorf("waiter got %q, want %q", d, tt.decision)
			}

			// Second answer loses: the approval resolves exactly once.
			send(t, conn, protocol.MsgApprovalResolve, protocol.ResolvePayload{ApprovalID: rec.ID, Decision: "deny"})
			second := readEnvelope(t, conn)
			_ = second.Decode(&p)
			if p.Accepted {
				t.Error("second resolve should be rejected")
			}
		})
	}
}

func TestHub_UnknownMessage(t *testing.T) {
	conn := dial(t, startHub(t, NewHub(approval.NewManager(time.Minute, nil), nil)))
	readEnvelope(t, conn)

	send(t, conn, protocol.MessageType("task.assign"), nil)
	env := readEnvelope(t, conn)
	var p protocol.ErrorPayload
	if env.Type != protocol.MsgError || env.Decode(&p) != nil || p.Code != "unknown_type" {
		t.Errorf("reply = %+v", env)
	}
}

func TestHub_Unauthorized(t *testing.T) {
	hub := NewHub(approval.NewManager(time.Minute, nil), nil, WithAuthorizer(func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer secret"
	}))
	url := startHub(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	if err != nil {
		t.Fatalf("authorized dial: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
