package llm

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name  string
	resp  *Response
	err   error
	calls int
}

func (s *stubProvider) SendMessage(context.Context, *Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubProvider) Name() string { return s.name }

func TestFallbackProvider(t *testing.T) {
	primary := &stubProvider{name: "a", err: errors.New("down")}
	secondary := &stubProvider{name: "b", resp: &Response{Content: "ok"}}
	f := NewFallbackProvider([]Provider{primary, secondary}, nil)

	resp, err := f.SendMessage(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != "ok" || primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("resp=%+v calls=%d/%d", resp, primary.calls, secondary.calls)
	}
	if f.Name() != "a+fallback" {
		t.Errorf("Name = %q", f.Name())
	}
}

func TestFallbackProvider_AllFail(t *testing.T) {
	cause := errors.New("down")
	f := NewFallbackProvider([]Provider{&stubProvider{name: "a", err: cause}}, nil)
	if _, err := f.SendMessage(context.Background(), &Request{}); !errors.Is(err, cause) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}

func TestFallbackProvider_StopsOnExpiredContext(t *testing.T) {
	p := &stubProvider{name: "a", resp: &Response{}}
	f := NewFallbackProvider([]Provider{p}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.SendMessage(ctx, &Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if p.calls != 0 {
		t.Error("no provider should be called after the deadline")
	}
}
