package stegopssdk

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

// Client is a minimal StegOps HTTP API client.
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

// Outcome reports what the engine did with one event.
type Outcome struct {
	EngagementID int      `json:"engagement_id"`
	RunID        string   `json:"run_id,omitempty"`
	Skipped      string   `json:"skipped,omitempty"`
	Written      bool     `json:"written"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
}

// Engagement is the full state record (partial).
type Engagement struct {
	EngagementID     int               `json:"engagement_id"`
	Customer         string            `json:"customer"`
	Title            string            `json:"title"`
	Service          string            `json:"service"`
	Labels           []string          `json:"labels"`
	State            string            `json:"state"`
	Timestamps       map[string]string `json:"timestamps"`
	Reasons          []string          `json:"reasons"`
	PrivateWorkspace *string           `json:"private_workspace"`
	UpdatedUTC       string            `json:"updated_utc"`
}

// Summary is an engagement index row.
type Summary struct {
	ID               int     `json:"id"`
	State            string  `json:"state"`
	Service          string  `json:"service"`
	Customer         string  `json:"customer"`
	Title            string  `json:"title"`
	PrivateWorkspace *string `json:"private_workspace,omitempty"`
	UpdatedUTC       string  `json:"updated_utc"`
}

// Event represents a journal entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	EngagementID int            `json:"engagement_id"`
	ActorID      string         `json:"actor_id"`
	RunID        string         `json:"run_id,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// Validation is the result of a passing validation.
type Validation struct {
	EngagementID int    `json:"engagement_id"`
	Valid        bool   `json:"valid"`
	NoOp         bool   `json:"no_op"`
	State        string `json:"state,omitempty"`
	Message      string `json:"message"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Violations returns the validator findings carried by a 422 response.
func (e *APIError) Violations() []string {
	raw, ok := e.Details["violations"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PaginatedEvents wraps journal listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SendEvent forwards a raw tracker payload. eventName is the tracker event
// kind (issues, issue_comment); delivery becomes the run id.
func (c *Client) SendEvent(ctx context.Context, eventName, delivery string, payload []byte) (Outcome, error) {
	headers := map[string]string{"X-GitHub-Event": eventName}
	if delivery != "" {
		headers["X-GitHub-Delivery"] = delivery
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/events", json.RawMessage(payload), headers, &resp)
	return resp, err
}

// Engagements lists the engagement index, optionally filtered by state.
func (c *Client) Engagements(ctx context.Context, state string, limit int) ([]Summary, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/engagements"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Items, err
}

// Engagement fetches one state record.
func (c *Client) Engagement(ctx context.Context, id int) (Engagement, error) {
	var resp Engagement
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/engagements/%d", id), nil, nil, &resp)
	return resp, err
}

// Status fetches the rendered status document.
func (c *Client) Status(ctx context.Context, id int) (string, error) {
	var resp struct {
		Markdown string `json:"markdown"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/engagements/%d/status", id), nil, nil, &resp)
	return resp.Markdown, err
}

// JournalPage returns journal events for an engagement, newest first.
func (c *Client) JournalPage(ctx context.Context, id, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("v0/engagements/%d/journal", id)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

// Validate runs the output validator server side. Violations come back as
// an *APIError with status 422.
func (c *Client) Validate(ctx context.Context, id int) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/engagements/%d/validate", id), nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
