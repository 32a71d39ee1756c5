package storylinesdk

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

// Client is a minimal Storyline HTTP API client.
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

// Backlog represents the API backlog model.
type Backlog struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Priority  int    `json:"priority"`
	Track     string `json:"track,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Story represents the API story model (partial).
type Story struct {
	ID          string   `json:"id"`
	BacklogID   string   `json:"backlog_id"`
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	Status      string   `json:"status"`
	Acceptance  []string `json:"acceptance,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Budget      int      `json:"budget"`
	Iterations  int      `json:"iterations"`
	BlockReason *string  `json:"block_reason,omitempty"`
}

// ProgressEntry is one ledger line.
type ProgressEntry struct {
	ID         int64  `json:"id"`
	BacklogID  string `json:"backlog_id"`
	StoryID    string `json:"story_id"`
	Iteration  int    `json:"iteration"`
	Outcome    string `json:"outcome"`
	Learnings  string `json:"learnings,omitempty"`
	GateOutput string `json:"gate_output,omitempty"`
	TS         string `json:"ts"`
}

// Signal is one emitted sentinel token.
type Signal struct {
	ID      string `json:"id"`
	StoryID string `json:"story_id,omitempty"`
	Token   string `json:"token"`
	TS      string `json:"ts"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	BacklogID  string `json:"backlog_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// BacklogStatus summarizes a backlog's story counts.
type BacklogStatus struct {
	BacklogID string         `json:"backlog_id"`
	Counts    map[string]int `json:"counts"`
	Done      bool           `json:"done"`
	Complete  bool           `json:"complete"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Backlogs lists imported backlogs.
func (c *Client) Backlogs(ctx context.Context) ([]Backlog, error) {
	var resp []Backlog
	err := c.do(ctx, http.MethodGet, "v0/backlogs", nil, &resp)
	return resp, err
}

// BacklogStatus returns story counts for one backlog.
func (c *Client) BacklogStatus(ctx context.Context, backlogID string) (BacklogStatus, error) {
	var resp BacklogStatus
	err := c.do(ctx, http.MethodGet, c.backlogPath(backlogID, "status"), nil, &resp)
	return resp, err
}

// Stories lists a backlog's stories, optionally filtered by status.
func (c *Client) Stories(ctx context.Context, backlogID, status string) ([]Story, error) {
	endpoint := c.backlogPath(backlogID, "stories")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Story
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EligibleStories lists stories ready for selection.
func (c *Client) EligibleStories(ctx context.Context, backlogID string) ([]Story, error) {
	var resp []Story
	err := c.do(ctx, http.MethodGet, c.backlogPath(backlogID, "eligible"), nil, &resp)
	return resp, err
}

// Story fetches one story by id.
func (c *Client) Story(ctx context.Context, storyID string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/stories/%s", url.PathEscape(storyID)), nil, &resp)
	return resp, err
}

// UpdateAcceptance replaces a story's acceptance criteria.
func (c *Client) UpdateAcceptance(ctx context.Context, storyID string, acceptance []string) (Story, error) {
	body := map[string]any{"acceptance": acceptance}
	var resp Story
	endpoint := fmt.Sprintf("v0/stories/%s/acceptance", url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Progress returns ledger entries for a backlog, optionally limited
// to one story.
func (c *Client) Progress(ctx context.Context, backlogID, storyID string, limit int) ([]ProgressEntry, error) {
	endpoint := c.backlogPath(backlogID, "progress")
	params := url.Values{}
	if storyID != "" {
		params.Set("story_id", storyID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []ProgressEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Signals returns recently emitted tokens.
func (c *Client) Signals(ctx context.Context, limit int) ([]Signal, error) {
	endpoint := "v0/signals"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Signal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
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

func (c *Client) backlogPath(backlogID, p string) string {
	return fmt.Sprintf("v0/backlogs/%s/%s", url.PathEscape(backlogID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
