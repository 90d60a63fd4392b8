package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"podline/internal/db"
	"podline/internal/domain"
	"podline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestNotificationInsertListAndUnread(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for i, title := range []string{"first", "second", "third"} {
		n := domain.Notification{
			ID:        "n-" + title,
			UserID:    "u1",
			Type:      domain.NotificationTaskAssigned,
			Title:     title,
			Data:      map[string]any{"seq": i},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format(time.RFC3339),
		}
		if _, err := r.InsertNotification(ctx, n); err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
	}
	if _, err := r.InsertNotification(ctx, domain.Notification{
		ID: "n-other", UserID: "u2", Type: domain.NotificationMention, Title: "other user",
	}); err != nil {
		t.Fatalf("insert other user: %v", err)
	}

	items, unread, err := r.ListNotifications(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 || unread != 3 {
		t.Fatalf("expected 3 unread, got len=%d unread=%d", len(items), unread)
	}
	if items[0].Title != "third" {
		t.Fatalf("expected newest first, got %q", items[0].Title)
	}
	if items[0].Data["seq"] == nil {
		t.Fatalf("data payload lost on round trip")
	}

	items, _, err = r.ListNotifications(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected limit 2, got %d", len(items))
	}
}

func TestMarkNotificationReadIsOneWay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	n, err := r.InsertNotification(ctx, domain.Notification{
		ID: "n-hello", UserID: "u1", Type: domain.NotificationMention, Title: "hello",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := r.MarkNotificationRead(ctx, "u1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if count, err := r.UnreadCount(ctx, "u1"); err != nil || count != 0 {
		t.Fatalf("unread after mark: count=%d err=%v", count, err)
	}

	// marking again is a no-op, not an error
	if err := r.MarkNotificationRead(ctx, "u1", n.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}

	if err := r.MarkNotificationRead(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	// another user cannot mark someone else's notification
	if err := r.MarkNotificationRead(ctx, "u2", n.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across users, got %v", err)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, title := range []string{"a", "b"} {
		if _, err := r.InsertNotification(ctx, domain.Notification{
			ID: "n-" + title, UserID: "u1", Type: domain.NotificationMention, Title: title,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := r.MarkAllNotificationsRead(ctx, "u1"); err != nil {
			t.Fatalf("mark all (pass %d): %v", i, err)
		}
	}
	if count, _ := r.UnreadCount(ctx, "u1"); count != 0 {
		t.Fatalf("expected 0 unread, got %d", count)
	}
}

func TestTaskCRUD(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	task := domain.Task{
		ID: "t-1", TeamID: "team-a", Title: "Ship it", Status: "todo",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertTask(ctx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	assignee := "u1"
	if err := r.UpdateTask(ctx, "t-1", "", "in_progress", &assignee, nil); err != nil {
		t.Fatalf("update task: %v", err)
	}
	got, err := r.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "in_progress" || got.AssigneeID == nil || *got.AssigneeID != "u1" {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.Title != "Ship it" {
		t.Fatalf("title must survive a partial update, got %q", got.Title)
	}

	if err := r.UpdateTask(ctx, "missing", "", "done", nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	tasks, err := r.ListTasks(ctx, "team-a")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list tasks: len=%d err=%v", len(tasks), err)
	}

	if err := r.DeleteTask(ctx, "t-1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := r.GetTask(ctx, "t-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTeamMembership(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	// idempotent
	if err := r.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team twice: %v", err)
	}
	if err := r.AddTeamMember(ctx, "team-a", "u1"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := r.AddTeamMember(ctx, "team-a", "u1"); err != nil {
		t.Fatalf("re-add member: %v", err)
	}

	member, err := r.IsTeamMember(ctx, "team-a", "u1")
	if err != nil || !member {
		t.Fatalf("expected membership, got member=%v err=%v", member, err)
	}
	member, err = r.IsTeamMember(ctx, "team-a", "u2")
	if err != nil || member {
		t.Fatalf("expected no membership, got member=%v err=%v", member, err)
	}

	members, err := r.TeamMembers(ctx, "team-a")
	if err != nil || len(members) != 1 || members[0] != "u1" {
		t.Fatalf("team members: %v err=%v", members, err)
	}
}

func TestAPIKeyLookup(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	hash := HashAPIKey("pl_secret")
	if err := r.InsertAPIKey(ctx, domain.APIKey{
		ID: "k-1", UserID: "u1", Name: "ci", KeyHash: hash,
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("lookup key: %v", err)
	}
	if key.UserID != "u1" {
		t.Fatalf("unexpected key %+v", key)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
