package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plotpoint/auction-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertResourceCritical AlertType = "resource_critical"
)

// Alert is a single notification delivered to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter posts alerts to a configured webhook URL.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an alerter. An empty webhook URL disables delivery.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook URL is configured.
func (a *Alerter) Enabled() bool {
	return a.webhookURL != ""
}

// Send posts one alert to the webhook. Disabled alerters accept and
// drop alerts silently.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if !a.Enabled() {
		return nil
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}

	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity))
	return nil
}
