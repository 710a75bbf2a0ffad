package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureForwarder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
	err    error
}

func newCaptureForwarder() *captureForwarder {
	return &captureForwarder{ch: make(chan Event, 8)}
}

func (c *captureForwarder) Forward(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
	return c.err
}

func (c *captureForwarder) types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestGatewayRequester_Resolved(t *testing.T) {
	m := newTestManager()
	fwd := newCaptureForwarder()
	r := NewGatewayRequester(m, fwd, nil)

	go func() {
		ev := <-fwd.ch
		// The wait is registered before the requested event goes out.
		if !m.Resolve(ev.Record.ID, DecisionAllowAlways, "operator") {
			t.Error("resolve right after the requested event was rejected")
		}
	}()

	res, err := r.RequestApproval(context.Background(), Request{ToolName: "exec", ID: "req-1"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != DecisionAllowAlways || res.ResolvedBy != "operator" {
		t.Errorf("resolution = %+v, want allow-always by operator", res)
	}
	types := fwd.types()
	if len(types) != 2 || types[0] != EventRequested || types[1] != EventResolved {
		t.Errorf("events = %v", types)
	}
	if fwd.events[1].Record.ResolvedBy != "operator" || fwd.events[0].Record.ID != "req-1" {
		t.Errorf("unexpected records: %+v", fwd.events)
	}
}

func TestGatewayRequester_ExpiresAndForwardErrorsIgnored(t *testing.T) {
	m := newTestManager()
	fwd := newCaptureForwarder()
	fwd.err = errors.New("receiver down")
	r := NewGatewayRequester(m, fwd, nil)

	res, err := r.RequestApproval(context.Background(), Request{ToolName: "exec"}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != DecisionNone || res.ResolvedBy != "" {
		t.Errorf("resolution = %+v, want none", res)
	}
	types := fwd.types()
	if len(types) != 2 || types[1] != EventExpired {
		t.Errorf("events = %v", types)
	}
}

func TestGatewayRequester_CallerGoneWithdrawsApproval(t *testing.T) {
	m := newTestManager()
	fwd := newCaptureForwarder()
	r := NewGatewayRequester(m, fwd, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fwd.ch
		cancel()
	}()

	res, err := r.RequestApproval(ctx, Request{ToolName: "exec", ID: "gone-1"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != DecisionNone {
		t.Errorf("resolution = %+v, want none", res)
	}
	if n := m.PendingCount(); n != 0 {
		t.Errorf("pending after caller left = %d, want 0", n)
	}
	if _, ok := m.Snapshot("gone-1"); ok {
		t.Error("withdrawn approval still visible")
	}
	if m.Resolve("gone-1", DecisionAllowAlways, "operator") {
		t.Error("resolve of a withdrawn approval was accepted")
	}
	types := fwd.types()
	if len(types) != 2 || types[1] != EventExpired {
		t.Errorf("events = %v", types)
	}
}

func TestForwarders_JoinsErrors(t *testing.T) {
	ok := newCaptureForwarder()
	bad := newCaptureForwarder()
	bad.err = errors.New("boom")
	err := Forwarders{bad, ok}.Forward(context.Background(), NewEvent(EventRequested, Record{ID: "x"}))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want boom", err)
	}
	if len(ok.types()) != 1 {
		t.Error("a failing forwarder must not stop the others")
	}
}

func TestWebhookForwarder(t *testing.T) {
	var got Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.URL, nil,
		WithAllowPrivateHosts(),
		WithWebhookHeaders(map[string]string{"Authorization": "Bearer t"}),
	)
	ev := NewEvent(EventRequested, Record{ID: "apr_1", Request: Request{ToolName: "exec"}})
	if err := f.Forward(context.Background(), ev); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got.Type != EventRequested || got.Record.ID != "apr_1" || got.Record.Request.ToolName != "exec" {
		t.Errorf("received %+v", got)
	}
	if auth != "Bearer t" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookForwarder_Rejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ev := NewEvent(EventRequested, Record{ID: "x"})
	if err := NewWebhookForwarder(srv.URL, nil).Forward(context.Background(), ev); err == nil {
		t.Error("loopback URL should be rejected without WithAllowPrivateHosts")
	}
	if err := NewWebhookForwarder("ftp://example.com", nil).Forward(context.Background(), ev); err == nil {
		t.Error("non-http scheme should be rejected")
	}
	err := NewWebhookForwarder(srv.URL, nil, WithAllowPrivateHosts()).Forward(context.Background(), ev)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500", err)
	}
}

func TestTerminalRequester(t *testing.T) {
	tests := []struct {
		input string
		want  Decision
	}{
		{"o\n", DecisionAllowOnce},
		{"session\n", DecisionAllowSession},
		{"A\n", DecisionAllowAlways},
		{"d\n", DecisionDeny},
		{"\n", DecisionDeny},
		{"", DecisionDeny},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out strings.Builder
			r := NewTerminalRequesterIO(strings.NewReader(tt.input), &out, func() bool { return true }, nil)
			res, err := r.RequestApproval(context.Background(), Request{ToolName: "exec", Reason: "destructive command"}, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if res.Decision != tt.want || res.ResolvedBy != TerminalPrincipal {
				t.Errorf("resolution = %+v, want %q by %q", res, tt.want, TerminalPrincipal)
			}
			if !strings.Contains(out.String(), "destructive command") {
				t.Errorf("prompt missing reason:\n%s", out.String())
			}
		})
	}
}

func TestTerminalRequester_NonInteractiveDenies(t *testing.T) {
	var out strings.Builder
	r := NewTerminalRequesterIO(strings.NewReader("a\n"), &out, func() bool { return false }, nil)
	res, err := r.RequestApproval(context.Background(), Request{ToolName: "exec"}, time.Second)
	if err != nil || res.Decision != DecisionDeny {
		t.Errorf("got (%+v, %v), want deny", res, err)
	}
	if out.Len() != 0 {
		t.Error("non-interactive requester must not prompt")
	}
}

func TestTerminalRequester_Timeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out strings.Builder
	r := NewTerminalRequesterIO(pr, &out, func() bool { return true }, nil)
	res, err := r.RequestApproval(context.Background(), Request{ToolName: "exec"}, 20*time.Millisecond)
	if err != nil || res.Decision != DecisionNone {
		t.Errorf("got (%+v, %v), want none", res, err)
	}
}
