// Package notifier delivers operator-facing alerts for credential state
// transitions (rate-limited, paused, auto-rotated) and keeps a bounded
// in-memory history of what was sent, mirroring the value object + capped
// history idiom the credential and request-history packages use
// elsewhere in this proxy.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/credential"
)

const maxHistory = 100

// Event is one credential-state transition worth surfacing to an
// operator.
type Event struct {
	Reason           string    `json:"reason"`
	CredentialID     string    `json:"credential_id"`
	CredentialLabel  string    `json:"credential_label"`
	RateLimitResetAt time.Time `json:"rate_limit_reset_at,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Delivery performs the actual out-of-process send. NoOpDelivery and
// WebhookDelivery are the two concrete implementations; additional
// transports (Slack, PagerDuty) can implement the same interface without
// touching Notifier.
type Delivery interface {
	Deliver(ctx context.Context, ev Event) error
}

// NoOpDelivery is the default when no webhook URL is configured.
type NoOpDelivery struct{}

func (NoOpDelivery) Deliver(ctx context.Context, ev Event) error { return nil }

// WebhookDelivery POSTs the event as JSON to a fixed URL, the same
// bearer-optional JSON-POST shape this proxy's upstream client uses for
// its own outbound calls.
type WebhookDelivery struct {
	URL        string
	httpClient *http.Client
}

// NewWebhookDelivery builds a WebhookDelivery posting to url with a
// bounded timeout so a slow or dead receiver never blocks the request
// path that triggered the notification.
func NewWebhookDelivery(url string) *WebhookDelivery {
	return &WebhookDelivery{URL: url, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookDelivery) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal notifier event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "deliver webhook")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook delivery rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Notifier fans credential-state transitions out to a Delivery and keeps
// the most recent maxHistory deliveries in memory for inspection.
type Notifier struct {
	mu       sync.Mutex
	delivery Delivery
	history  []Event
}

// New builds a Notifier. A nil delivery falls back to NoOpDelivery.
func New(delivery Delivery) *Notifier {
	if delivery == nil {
		delivery = NoOpDelivery{}
	}
	return &Notifier{delivery: delivery}
}

// NotifyCredential matches pool.NotifyFunc's signature so a Notifier can
// be plugged directly into pool.Options.Notify.
func (n *Notifier) NotifyCredential(rec *credential.Record, reason string) {
	n.emit(Event{
		Reason:           reason,
		CredentialID:     rec.ID,
		CredentialLabel:  rec.Label,
		RateLimitResetAt: rec.RateLimitResetAt,
		Timestamp:        time.Now(),
	})
}

// NotifyPause matches the single-argument notify callback
// quota.ApplyAutoPause expects, reporting a quota pause.
func (n *Notifier) NotifyPause(rec *credential.Record) {
	n.NotifyCredential(rec, string(rec.PauseReason))
}

func (n *Notifier) emit(ev Event) {
	n.mu.Lock()
	n.history = append(n.history, ev)
	if len(n.history) > maxHistory {
		n.history = n.history[len(n.history)-maxHistory:]
	}
	snapshot := make([]Event, len(n.history))
	copy(snapshot, n.history)
	n.mu.Unlock()

	persistHistory(snapshot)

	// Delivery runs synchronously on the caller's goroutine. The quota
	// sweep calls in from background maintenance, but pool.ReportError
	// also calls in while handling a failed request, so a slow webhook
	// delays that request.
	_ = n.delivery.Deliver(context.Background(), ev)
}

// persistHistory writes the capped delivery history to
// webhook-history.json, best effort — a failed write never blocks or
// fails the notification it describes.
func persistHistory(events []Event) {
	dir := config.Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, "webhook-history.json")
	tmp, err := os.CreateTemp(dir, "webhook-history-*.json.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
	}
}

// History returns a snapshot of the most recent deliveries, oldest first.
func (n *Notifier) History() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.history))
	copy(out, n.history)
	return out
}
