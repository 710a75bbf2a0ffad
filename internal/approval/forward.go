package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EventType names an approval lifecycle event.
type EventType string

const (
	EventRequested EventType = "approval.requested"
	EventResolved  EventType = "approval.resolved"
	EventExpired   EventType = "approval.expired"
)

// Event is sent to forwarders when an approval is requested or finishes.
type Event struct {
	Type      EventType `json:"type"`
	Record    Record    `json:"record"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event for the record.
func NewEvent(t EventType, rec Record) Event {
	return Event{Type: t, Record: rec, Timestamp: time.Now().UTC()}
}

// Forwarders fans an event out to every forwarder and joins their errors.
type Forwarders []Forwarder

// Forward sends ev to each forwarder in order.
func (fs Forwarders) Forward(ctx context.Context, ev Event) error {
	var errs []error
	for _, f := range fs {
		if err := f.Forward(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookForwarder POSTs approval events as JSON to a configured URL.
// Includes SSRF protection: blocks requests to private IP ranges unless allowed.
type WebhookForwarder struct {
	url          string
	headers      map[string]string
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
}

// WebhookOption configures a WebhookForwarder.
type WebhookOption func(*WebhookForwarder)

// WithWebhookHeaders adds static headers, e.g. an Authorization token.
func WithWebhookHeaders(h map[string]string) WebhookOption {
	return func(w *WebhookForwarder) { w.headers = h }
}

// WithAllowPrivateHosts disables the private address check, for in-cluster receivers.
func WithAllowPrivateHosts() WebhookOption {
	return func(w *WebhookForwarder) { w.allowPrivate = true }
}

// NewWebhookForwarder creates a webhook forwarder. The URL is validated on each send.
func NewWebhookForwarder(rawURL string, logger *slog.Logger, opts ...WebhookOption) *WebhookForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookForwarder{
		url: rawURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Do not follow redirects; a redirect could point at an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Forward delivers the event.
func (w *WebhookForwarder) Forward(ctx context.Context, ev Event) error {
	if err := validateWebhookURL(w.url, w.allowPrivate); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding approval event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Guardian-Webhook/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	w.logger.DebugContext(ctx, "approval event forwarded",
		slog.String("type", string(ev.Type)),
		slog.String("approval_id", ev.Record.ID),
	)
	return nil
}

// validateWebhookURL checks that the URL uses http(s) and, unless allowPrivate,
// points to a public host.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
