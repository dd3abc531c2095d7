package defectlinesdk

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

// Client is a minimal Defectline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Defect represents the API defect model (partial).
type Defect struct {
	ID                string `json:"id"`
	TaskName          string `json:"task_name"`
	Description       string `json:"description"`
	LoggedBy          string `json:"logged_by"`
	Severity          string `json:"severity"`
	ImpactLevel       string `json:"impact_level"`
	Detail            string `json:"detail"`
	Status            string `json:"status"`
	Resolved          bool   `json:"resolved"`
	ResolvedBy        string `json:"resolved_by"`
	ResolutionDetails string `json:"resolution_details"`
	LoggedAt          string `json:"logged_at"`
	Aging             string `json:"aging"`
}

// ReportResult is the response to Report. Halt means the line must stop.
type ReportResult struct {
	Defect      Defect `json:"defect"`
	Halt        bool   `json:"halt"`
	HaltMessage string `json:"halt_message"`
}

// Suggestion is a proposed remediation.
type Suggestion struct {
	DefectID string `json:"defect_id"`
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Event represents an audit log entry.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Level    string `json:"level"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, name, role, password string) error {
	body := map[string]any{
		"name":     name,
		"role":     role,
		"password": password,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// Report logs a defect.
func (c *Client) Report(ctx context.Context, id, task, description, severity, detail string) (ReportResult, error) {
	body := map[string]any{
		"id":          id,
		"task_name":   task,
		"description": description,
		"severity":    severity,
	}
	if detail != "" {
		body["detail"] = detail
	}
	var resp ReportResult
	err := c.do(ctx, http.MethodPost, "defects", body, &resp)
	return resp, err
}

// Defects returns defects in triage order, optionally filtered by query.
func (c *Client) Defects(ctx context.Context, query string) ([]Defect, error) {
	endpoint := "defects"
	if query != "" {
		endpoint += "?q=" + url.QueryEscape(query)
	}
	var resp struct {
		Items []Defect `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Defect fetches a defect by id.
func (c *Client) Defect(ctx context.Context, id string) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Resolve closes a defect. Requires a manager token.
func (c *Client) Resolve(ctx context.Context, id, details string) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodPost, "defects/"+url.PathEscape(id)+"/resolve", map[string]any{"details": details}, &resp)
	return resp, err
}

// Suggest returns the suggested fix for an open defect.
func (c *Client) Suggest(ctx context.Context, id string) (Suggestion, error) {
	var resp Suggestion
	err := c.do(ctx, http.MethodGet, "defects/"+url.PathEscape(id)+"/suggestion", nil, &resp)
	return resp, err
}

// ApplySuggestion resolves a defect with its suggested fix.
func (c *Client) ApplySuggestion(ctx context.Context, id string) (Defect, error) {
	var resp Defect
	err := c.do(ctx, http.MethodPost, "defects/"+url.PathEscape(id)+"/apply-suggestion", nil, &resp)
	return resp, err
}

// ClearResolved purges resolved defects and returns how many were removed.
func (c *Client) ClearResolved(ctx context.Context) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "defects/clear-resolved", nil, &resp)
	return resp.Removed, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
