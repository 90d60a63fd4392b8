package domain

// Notification kinds produced by this service.
const (
	NotificationTaskAssigned  = "task-assigned"
	NotificationStatusChanged = "status-changed"
	NotificationTeamAdded     = "team-added"
	NotificationDueSoon       = "due-date-approaching"
	NotificationMention       = "mention"
)

// TaskUpdate kinds.
const (
	TaskUpdateCreated = "created"
	TaskUpdateUpdated = "updated"
	TaskUpdateDeleted = "deleted"
)

// Notification is a persisted per-user notification. Immutable once created,
// except for the one-way IsRead transition.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type" enum:"task-assigned,status-changed,team-added,due-date-approaching,mention"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	TaskID    *string        `json:"task_id,omitempty"`
	TeamID    *string        `json:"team_id,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// TaskUpdate is a transient team-scoped change message. It is delivered at
// most once per connected subscriber and never persisted; a client that is
// disconnected at emission time misses it for good.
type TaskUpdate struct {
	Type   string         `json:"type" enum:"created,updated,deleted"`
	TaskID string         `json:"task_id"`
	TeamID string         `json:"team_id"`
	Data   map[string]any `json:"data,omitempty"`
	// Origin is the connection id the update was emitted from, stamped by the
	// server on fan-out so callbacks can ignore their own echo.
	Origin string `json:"origin,omitempty"`
}

type Task struct {
	ID         string  `json:"id"`
	TeamID     string  `json:"team_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status" enum:"todo,in_progress,review,done"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueAt      *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
