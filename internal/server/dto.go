package server

import "podline/internal/domain"

// Request payloads

type MarkReadRequest struct {
	NotificationID string `json:"notification_id,omitempty"`
	MarkAll        bool   `json:"mark_all,omitempty"`
}

type CreateNotificationRequest struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message,omitempty"`
	TaskID  *string        `json:"task_id,omitempty"`
	TeamID  *string        `json:"team_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

type CreateTaskRequest struct {
	ID         *string `json:"id,omitempty"`
	TeamID     string  `json:"team_id"`
	Title      string  `json:"title"`
	Status     *string `json:"status,omitempty" enum:"todo,in_progress,review,done"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueAt      *string `json:"due_at,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title      *string `json:"title,omitempty"`
	Status     *string `json:"status,omitempty" enum:"todo,in_progress,review,done"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueAt      *string `json:"due_at,omitempty" format:"date-time"`
}

type BroadcastRequest struct {
	Type   string         `json:"type" enum:"created,updated,deleted"`
	TaskID string         `json:"task_id"`
	TeamID string         `json:"team_id"`
	Data   map[string]any `json:"data,omitempty"`
}

type CreateTeamRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type AddTeamMemberRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

// NotificationListResponse is the canonical full state: the bounded list,
// newest first, plus the unread count clients replace their counter with.
type NotificationListResponse struct {
	Notifications []domain.Notification `json:"notifications"`
	Count         int                   `json:"count"`
}

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
