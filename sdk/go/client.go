package sublinesdk

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

// Client is a minimal Subline HTTP API client.
type Client struct {
	BaseURL     string
	TeamID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, teamID string) *Client {
	return &Client{
		BaseURL: baseURL,
		TeamID:  teamID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	ContentItemID string `json:"content_item_id"`
	Language      string `json:"language"`
	Type          string `json:"type"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	Outcome       string `json:"outcome,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// ContentItem represents a video with subtitle pipelines.
type ContentItem struct {
	ID              string `json:"id"`
	TeamID          string `json:"team_id"`
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
}

// Version represents a subtitle version (partial).
type Version struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Number   int    `json:"number"`
	Public   bool   `json:"public"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TeamID     string         `json:"team_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask opens a task for one (video, language) pair.
func (c *Client) CreateTask(ctx context.Context, contentItemID, language, taskType string) (Task, error) {
	body := map[string]any{
		"content_item_id": contentItemID,
		"language":        language,
		"type":            taskType,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.teamPath("tasks"), body, &resp)
	return resp, err
}

// ListTasks lists the team's open tasks, optionally filtered by video.
func (c *Client) ListTasks(ctx context.Context, contentItemID string) ([]Task, error) {
	endpoint := c.teamPath("tasks") + "?open=true"
	if contentItemID != "" {
		endpoint += "&content_item_id=" + url.QueryEscape(contentItemID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignTask assigns a task to a user.
func (c *Client) AssignTask(ctx context.Context, taskID, userID string) (Task, error) {
	body := map[string]any{"assignee_id": userID}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/assign", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SaveDraft stores a new private draft version under a work task.
func (c *Client) SaveDraft(ctx context.Context, taskID string, complete bool) (Version, error) {
	body := map[string]any{"complete": complete}
	var resp Version
	endpoint := fmt.Sprintf("v0/tasks/%s/draft", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteTask finishes a task. Outcome is required for review and
// approve tasks ("approved" or "rejected") and ignored otherwise.
func (c *Client) CompleteTask(ctx context.Context, taskID, outcome string) (Task, error) {
	body := map[string]any{}
	if outcome != "" {
		body["outcome"] = outcome
	}
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddContent registers a video with the team.
func (c *Client) AddContent(ctx context.Context, title, projectID, primaryLanguage string) (ContentItem, error) {
	body := map[string]any{
		"title":            title,
		"project_id":       projectID,
		"primary_language": primaryLanguage,
	}
	var resp ContentItem
	err := c.do(ctx, http.MethodPost, c.teamPath("content"), body, &resp)
	return resp, err
}

// Events returns recent events for the team.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.teamPath("events")
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
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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

func (c *Client) teamPath(p string) string {
	team := url.PathEscape(c.TeamID)
	return fmt.Sprintf("v0/teams/%s/%s", team, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
