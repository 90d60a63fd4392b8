// Package producer turns persisted domain mutations into realtime events:
// a Notification row plus a fan-out to the recipient's user room, and/or a
// transient TaskUpdate broadcast to the team room.
package producer

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"podline/internal/domain"
	"podline/internal/hub"
	"podline/internal/repo"
)

type Producer struct {
	Repo   repo.Repo
	Hub    *hub.Hub
	Logger *log.Logger
}

func (p Producer) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

// Notify persists a notification and pushes it to the owner's room. The row
// is written first; push failures cannot lose the notification, only delay it
// until the client's next full list fetch.
func (p Producer) Notify(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n, err := p.Repo.InsertNotification(ctx, n)
	if err != nil {
		return n, fmt.Errorf("insert notification: %w", err)
	}
	if p.Hub != nil {
		p.Hub.Broadcast(hub.UserRoom(n.UserID), hub.Envelope{Event: hub.EventNewNotification, Data: n})
	}
	return n, nil
}

// EmitTaskUpdate broadcasts a transient update to the team room. Nothing is
// persisted; subscribers disconnected right now never see it.
func (p Producer) EmitTaskUpdate(u domain.TaskUpdate) {
	if p.Hub == nil {
		return
	}
	p.Hub.Broadcast(hub.TeamRoom(u.TeamID), hub.Envelope{Event: hub.EventTaskUpdated, Data: u})
}

// TaskCreated notifies the assignee (if any) and emits a created update.
func (p Producer) TaskCreated(ctx context.Context, t domain.Task) {
	if t.AssigneeID != nil {
		_, err := p.Notify(ctx, domain.Notification{
			UserID:  *t.AssigneeID,
			Type:    domain.NotificationTaskAssigned,
			Title:   "Task assigned",
			Message: fmt.Sprintf("You were assigned %q", t.Title),
			TaskID:  &t.ID,
			TeamID:  &t.TeamID,
			Data:    map[string]any{"task_id": t.ID, "team_id": t.TeamID},
		})
		if err != nil {
			p.logger().Printf("producer: task-assigned notification failed: %v", err)
		}
	}
	p.EmitTaskUpdate(domain.TaskUpdate{
		Type:   domain.TaskUpdateCreated,
		TaskID: t.ID,
		TeamID: t.TeamID,
		Data:   map[string]any{"title": t.Title, "status": t.Status},
	})
}

// TaskChanged compares the previous and current task state, notifies the
// people concerned, and emits an updated update.
func (p Producer) TaskChanged(ctx context.Context, prev, t domain.Task) {
	if t.AssigneeID != nil && (prev.AssigneeID == nil || *prev.AssigneeID != *t.AssigneeID) {
		_, err := p.Notify(ctx, domain.Notification{
			UserID:  *t.AssigneeID,
			Type:    domain.NotificationTaskAssigned,
			Title:   "Task assigned",
			Message: fmt.Sprintf("You were assigned %q", t.Title),
			TaskID:  &t.ID,
			TeamID:  &t.TeamID,
			Data:    map[string]any{"task_id": t.ID, "team_id": t.TeamID},
		})
		if err != nil {
			p.logger().Printf("producer: task-assigned notification failed: %v", err)
		}
	}
	if prev.Status != t.Status && t.AssigneeID != nil {
		_, err := p.Notify(ctx, domain.Notification{
			UserID:  *t.AssigneeID,
			Type:    domain.NotificationStatusChanged,
			Title:   "Status changed",
			Message: fmt.Sprintf("%q moved from %s to %s", t.Title, prev.Status, t.Status),
			TaskID:  &t.ID,
			TeamID:  &t.TeamID,
			Data:    map[string]any{"task_id": t.ID, "team_id": t.TeamID, "from": prev.Status, "to": t.Status},
		})
		if err != nil {
			p.logger().Printf("producer: status-changed notification failed: %v", err)
		}
	}
	p.EmitTaskUpdate(domain.TaskUpdate{
		Type:   domain.TaskUpdateUpdated,
		TaskID: t.ID,
		TeamID: t.TeamID,
		Data:   map[string]any{"title": t.Title, "status": t.Status},
	})
}

// TaskDeleted emits a deleted update; no notification is produced.
func (p Producer) TaskDeleted(t domain.Task) {
	p.EmitTaskUpdate(domain.TaskUpdate{
		Type:   domain.TaskUpdateDeleted,
		TaskID: t.ID,
		TeamID: t.TeamID,
	})
}

// TeamMemberAdded records membership and notifies the new member. The
// notification message carries the stored team name, falling back to the id
// for unnamed teams.
func (p Producer) TeamMemberAdded(ctx context.Context, teamID, userID string) error {
	if err := p.Repo.AddTeamMember(ctx, teamID, userID); err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	teamName := teamID
	if team, err := p.Repo.GetTeam(ctx, teamID); err == nil && team.Name != "" {
		teamName = team.Name
	}
	_, err := p.Notify(ctx, domain.Notification{
		UserID:  userID,
		Type:    domain.NotificationTeamAdded,
		Title:   "Added to team",
		Message: fmt.Sprintf("You were added to %s", teamName),
		TeamID:  &teamID,
		Data:    map[string]any{"team_id": teamID},
	})
	return err
}
