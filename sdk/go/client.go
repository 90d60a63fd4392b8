// Package podlinesdk is the Go client for the Podline realtime notification
// service: a thin HTTP API client plus a Session that keeps local
// notification state live over a socket or push-stream transport with a
// polling fallback.
package podlinesdk

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

// Client is a minimal Podline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	Token      string
	APIKey     string
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Notification mirrors the API notification model.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	TeamID    *string        `json:"team_id,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt string         `json:"created_at"`
}

// TaskUpdate is a transient team-scoped change message.
type TaskUpdate struct {
	Type   string         `json:"type"`
	TaskID string         `json:"task_id"`
	TeamID string         `json:"team_id"`
	Data   map[string]any `json:"data,omitempty"`
	Origin string         `json:"origin,omitempty"`
}

// Task mirrors the API task model (partial).
type Task struct {
	ID         string  `json:"id"`
	TeamID     string  `json:"team_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// NotificationList is the canonical full notification state.
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	Count         int            `json:"count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Notifications returns the canonical list and unread count.
func (c *Client) Notifications(ctx context.Context, limit int) (NotificationList, error) {
	endpoint := "notifications"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp NotificationList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkRead persists the one-way read transition for a single notification.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "notifications/mark-read", map[string]any{"notification_id": id}, nil)
}

// MarkAllRead marks every notification of the caller read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "notifications/mark-read", map[string]any{"mark_all": true}, nil)
}

// CreateNotification produces a notification for another user. The type
// must be declared in the server's notification catalog.
func (c *Client) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, "notifications", n, &resp)
	return resp, err
}

// BroadcastTaskUpdate is the push-stream transport's write path: the server
// fans the update out to every session subscribed to the team.
func (c *Client) BroadcastTaskUpdate(ctx context.Context, u TaskUpdate) error {
	return c.do(ctx, http.MethodPost, "tasks/broadcast", u, nil)
}

// CreateTask creates a task (and triggers the server-side producers).
func (c *Client) CreateTask(ctx context.Context, teamID, title string, assigneeID string) (Task, error) {
	body := map[string]any{
		"team_id": teamID,
		"title":   title,
	}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task to a new status.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), map[string]any{"status": status}, &resp)
	return resp, err
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
}

// CreateTeam ensures a team exists.
func (c *Client) CreateTeam(ctx context.Context, id, name string) error {
	return c.do(ctx, http.MethodPost, "teams", map[string]any{"id": id, "name": name}, nil)
}

// AddTeamMember adds a user to a team.
func (c *Client) AddTeamMember(ctx context.Context, teamID, userID string) error {
	return c.do(ctx, http.MethodPost, "teams/"+url.PathEscape(teamID)+"/members", map[string]any{"user_id": userID}, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(c.apiPath(endpoint), "/")
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
	c.authorize(req.Header)
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

func (c *Client) authorize(h http.Header) {
	switch {
	case c.Token != "":
		h.Set("Authorization", "Bearer "+c.Token)
	case c.APIKey != "":
		h.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		h.Set("X-User-Id", c.UserID)
	}
}

// authQuery returns the credential as query parameters for endpoints where
// headers cannot be set (EventSource, websocket handshakes from browsers);
// the Go transports use it for parity with the server's token support.
func (c *Client) authQuery() url.Values {
	v := url.Values{}
	switch {
	case c.Token != "":
		v.Set("token", c.Token)
	case c.APIKey != "":
		v.Set("token", c.APIKey)
	}
	return v
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
