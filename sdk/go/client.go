package vintracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vintrack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Protocol represents the API protocol model (partial).
type Protocol struct {
	ID           string `json:"id"`
	WineryID     string `json:"winery_id"`
	VarietalCode string `json:"varietal_code"`
	Version      int    `json:"version"`
	Status       string `json:"status"`
}

// Execution represents a running protocol instance.
type Execution struct {
	ID              string  `json:"id"`
	InstanceID      string  `json:"instance_id"`
	FermentationID  string  `json:"fermentation_id"`
	Status          string  `json:"status"`
	TotalSteps      int     `json:"total_steps"`
	CompletedSteps  int     `json:"completed_steps"`
	SkippedSteps    int     `json:"skipped_steps"`
	ComplianceScore float64 `json:"compliance_score"`
}

// Deviation represents a compliance finding.
type Deviation struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	ReasonCode  string `json:"reason_code"`
	Description string `json:"description"`
}

// Alert represents a routed notification.
type Alert struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// CachedAlert is an offline copy of an alert for one recipient.
type CachedAlert struct {
	ID        string  `json:"id"`
	AlertID   string  `json:"alert_id"`
	UserID    string  `json:"user_id"`
	SyncedAt  string  `json:"synced_at"`
	AckAt     *string `json:"ack_at,omitempty"`
	ExpiresAt string  `json:"expires_at"`
}

// RecordResult is what one recording produced.
type RecordResult struct {
	Execution  Execution   `json:"execution"`
	Deviations []Deviation `json:"deviations"`
	Alerts     []Alert     `json:"alerts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// LatestProtocol returns the newest final protocol for a varietal.
func (c *Client) LatestProtocol(ctx context.Context, varietal string) (Protocol, error) {
	var resp Protocol
	endpoint := fmt.Sprintf("v0/protocols/latest?varietal=%s", url.QueryEscape(varietal))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Instantiate copies a final protocol onto a fermentation.
func (c *Client) Instantiate(ctx context.Context, protocolID, fermentationID string) (Execution, error) {
	body := map[string]any{
		"protocol_id":     protocolID,
		"fermentation_id": fermentationID,
	}
	var resp struct {
		Execution Execution `json:"execution"`
	}
	err := c.do(ctx, http.MethodPost, "v0/instances", body, &resp)
	return resp.Execution, err
}

// StartExecution moves an execution to active.
func (c *Client) StartExecution(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/start", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteStep records a step completion.
func (c *Client) CompleteStep(ctx context.Context, executionID, stepID string, measured *float64, note string) (RecordResult, error) {
	body := map[string]any{
		"step_id": stepID,
		"note":    note,
	}
	if measured != nil {
		body["measured_value"] = *measured
	}
	var resp RecordResult
	endpoint := fmt.Sprintf("v0/executions/%s/completions", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SkipStep records a step skip with a reason code.
func (c *Client) SkipStep(ctx context.Context, executionID, stepID, reason, note string) (RecordResult, error) {
	body := map[string]any{
		"step_id":     stepID,
		"skip_reason": reason,
		"note":        note,
	}
	var resp RecordResult
	endpoint := fmt.Sprintf("v0/executions/%s/skips", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Deviations lists deviations for an execution.
func (c *Client) Deviations(ctx context.Context, executionID string) ([]Deviation, error) {
	var resp []Deviation
	endpoint := fmt.Sprintf("v0/deviations?execution_id=%s", url.QueryEscape(executionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AcknowledgeAlert marks an alert acknowledged.
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID string) (Alert, error) {
	var resp Alert
	endpoint := fmt.Sprintf("v0/alerts/%s/ack", url.PathEscape(alertID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CachedAlerts returns the caller's offline alert feed.
func (c *Client) CachedAlerts(ctx context.Context, fermentationID string) ([]CachedAlert, error) {
	var resp []CachedAlert
	endpoint := "v0/alerts/cached"
	if fermentationID != "" {
		endpoint = fmt.Sprintf("%s?fermentation_id=%s", endpoint, url.QueryEscape(fermentationID))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AcknowledgeCachedAlert acks one cached alert; repeat calls are no-ops.
func (c *Client) AcknowledgeCachedAlert(ctx context.Context, cachedID string) (CachedAlert, error) {
	var resp CachedAlert
	endpoint := fmt.Sprintf("v0/alerts/cached/%s/ack", url.PathEscape(cachedID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
