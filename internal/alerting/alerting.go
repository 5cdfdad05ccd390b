// Package alerting delivers operator alerts for conditions that need a
// human: exhausted outbox events, settlement failures after money moved,
// reconciliation discrepancies.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/huntboard/huntboard/internal/retry"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity          `json:"severity"`
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink receives alerts. Implementations must not block the caller for
// long; delivery is best-effort.
type Sink interface {
	Notify(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the structured log. Always available, used as
// the fallback when no webhook is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Notify(ctx context.Context, alert Alert) {
	attrs := []any{"code", alert.Code, "severity", string(alert.Severity)}
	for k, v := range alert.Fields {
		attrs = append(attrs, k, v)
	}
	if alert.Severity == SeverityCritical {
		s.Logger.Error("ALERT: "+alert.Message, attrs...)
		return
	}
	s.Logger.Warn("ALERT: "+alert.Message, attrs...)
}

// WebhookSink POSTs alerts as JSON to an operator-configured URL.
// Delivery is fire-and-forget with a short timeout.
type WebhookSink struct {
	URL    string
	Logger *slog.Logger

	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, logger *slog.Logger) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSink) Notify(ctx context.Context, alert Alert) {
	go func() {
		body, err := json.Marshal(alert)
		if err != nil {
			return
		}
		deliverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = retry.Do(deliverCtx, 3, 500*time.Millisecond, func() error {
			resp, err := s.client.Post(s.URL, "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("webhook returned %d", resp.StatusCode)
			}
			return nil
		})
		if err != nil {
			s.Logger.Warn("alert webhook delivery failed", "url", s.URL, "error", err)
		}
	}()
}

// Multi fans one alert out to several sinks.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, alert Alert) {
	for _, sink := range m {
		sink.Notify(ctx, alert)
	}
}

// New builds the default sink set: always the log, plus a webhook when a
// URL is configured.
func New(logger *slog.Logger, webhookURL string) Sink {
	sinks := Multi{&LogSink{Logger: logger}}
	if webhookURL != "" {
		sinks = append(sinks, NewWebhookSink(webhookURL, logger))
	}
	return sinks
}
