package gatekeepersdk

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

// Client is a minimal Gatekeeper HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// WorkItem represents a queued job (partial).
type WorkItem struct {
	ID          string `json:"id"`
	Project     string `json:"project"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`
	Retries     int    `json:"retries"`
	CreatedAt   string `json:"created_at"`
}

// ValidationRecord represents a normalized check result.
type ValidationRecord struct {
	ID        string            `json:"id"`
	Project   string            `json:"project"`
	Timestamp string            `json:"timestamp"`
	CheckKind string            `json:"check_kind"`
	Status    string            `json:"status"`
	Metrics   map[string]string `json:"metrics,omitempty"`
	RawLogRef string            `json:"raw_log_ref,omitempty"`
}

// ReviewVerdict represents an extracted review outcome.
type ReviewVerdict struct {
	ID            string `json:"id"`
	Project       string `json:"project"`
	Timestamp     string `json:"timestamp"`
	ApprovalState string `json:"approval_state"`
	CriticalCount int    `json:"critical_count"`
	MajorCount    int    `json:"major_count"`
	MinorCount    int    `json:"minor_count"`
	SourceDocRef  string `json:"source_doc_ref,omitempty"`
}

// AlertEvent represents a raised alert.
type AlertEvent struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Project   string `json:"project"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// MergeDecision represents a guard evaluation.
type MergeDecision struct {
	ID        string   `json:"id"`
	Project   string   `json:"project"`
	Timestamp string   `json:"timestamp"`
	Outcome   string   `json:"outcome"`
	Strict    bool     `json:"strict"`
	Reasons   []string `json:"reasons"`
	Inputs    []string `json:"inputs_considered,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EnqueueWork enqueues a work item.
func (c *Client) EnqueueWork(ctx context.Context, kind, description string, priority int) (WorkItem, error) {
	body := map[string]any{
		"kind":        kind,
		"description": description,
		"priority":    priority,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, c.projectPath("work"), body, &resp)
	return resp, err
}

// ListWork returns work items, optionally filtered by status.
func (c *Client) ListWork(ctx context.Context, status string, limit int) ([]WorkItem, error) {
	endpoint := c.projectPath("work")
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelWork cancels a queued or processing item.
func (c *Client) CancelWork(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	endpoint := c.projectPath(fmt.Sprintf("work/%s/cancel", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// IngestValidation submits raw tool output for normalization.
func (c *Client) IngestValidation(ctx context.Context, checkKind, rawOutput, rawLogRef string) (ValidationRecord, error) {
	body := map[string]any{
		"check_kind":  checkKind,
		"raw_output":  rawOutput,
		"raw_log_ref": rawLogRef,
	}
	var resp ValidationRecord
	err := c.do(ctx, http.MethodPost, c.projectPath("validations"), body, &resp)
	return resp, err
}

// SubmitReview submits a review document for verdict extraction.
func (c *Client) SubmitReview(ctx context.Context, document, sourceDocRef string) (ReviewVerdict, error) {
	body := map[string]any{
		"document":       document,
		"source_doc_ref": sourceDocRef,
	}
	var resp ReviewVerdict
	err := c.do(ctx, http.MethodPost, c.projectPath("review"), body, &resp)
	return resp, err
}

// RaiseAlert publishes an alert event.
func (c *Client) RaiseAlert(ctx context.Context, level, message string) (AlertEvent, error) {
	body := map[string]any{
		"level":   level,
		"message": message,
	}
	var resp AlertEvent
	err := c.do(ctx, http.MethodPost, c.projectPath("alerts"), body, &resp)
	return resp, err
}

// EvaluateDecision runs the merge guard. strict overrides the project
// default when non-nil.
func (c *Client) EvaluateDecision(ctx context.Context, strict *bool) (MergeDecision, error) {
	body := map[string]any{}
	if strict != nil {
		body["strict"] = *strict
	}
	var resp MergeDecision
	err := c.do(ctx, http.MethodPost, c.projectPath("decision"), body, &resp)
	return resp, err
}

// LatestDecision returns the most recent merge decision.
func (c *Client) LatestDecision(ctx context.Context) (MergeDecision, error) {
	var resp MergeDecision
	err := c.do(ctx, http.MethodGet, c.projectPath("decision"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?project_id=%s", url.QueryEscape(c.ProjectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
