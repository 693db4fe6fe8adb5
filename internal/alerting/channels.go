package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vintrack/internal/config"
	"vintrack/internal/domain"
)

const defaultChannelTimeout = 5 * time.Second

// Channel delivers one alert to one recipient over an outbound provider.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, alert domain.Alert) error
}

// httpChannel posts the alert as JSON to a provider gateway endpoint.
type httpChannel struct {
	name   string
	cfg    config.ChannelConfig
	client *http.Client
}

// NewChannel builds an HTTP channel from config, or nil when the channel is
// disabled or has no URL.
func NewChannel(name string, cfg config.ChannelConfig) Channel {
	if !cfg.On() {
		return nil
	}
	timeout := defaultChannelTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &httpChannel{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *httpChannel) Name() string { return c.name }

type channelPayload struct {
	Recipient      string `json:"recipient"`
	AlertID        string `json:"alert_id"`
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	Action         string `json:"recommended_action,omitempty"`
	FermentationID string `json:"fermentation_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func (c *httpChannel) Send(ctx context.Context, recipient string, alert domain.Alert) error {
	body := channelPayload{
		Recipient:      recipient,
		AlertID:        alert.ID,
		Type:           alert.Type,
		Severity:       alert.Severity,
		Title:          alert.Title,
		Message:        alert.Message,
		Action:         alert.Action,
		FermentationID: alert.FermentationID,
		CreatedAt:      alert.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vintrack-Alert", alert.Type)
	req.Header.Set("X-Vintrack-Severity", alert.Severity)
	req.Header.Set("X-Vintrack-Delivery", alert.ID)
	if strings.TrimSpace(c.cfg.Secret) != "" {
		req.Header.Set("X-Vintrack-Secret", c.cfg.Secret)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
