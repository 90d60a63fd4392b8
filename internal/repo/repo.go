package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"podline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// defaultListLimit bounds what the canonical listing returns; the client's
// local list is implicitly capped by it.
const defaultListLimit = 50

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// InsertNotification persists a notification at the moment of the triggering
// domain event. CreatedAt is set if empty.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		return n, errors.New("id required")
	}
	if n.UserID == "" {
		return n, errors.New("user_id required")
	}
	if n.CreatedAt == "" {
		n.CreatedAt = now()
	}
	var dataJSON any
	if len(n.Data) > 0 {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return n, fmt.Errorf("marshal notification data: %w", err)
		}
		dataJSON = string(b)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO notifications(id,user_id,type,title,message,data_json,task_id,team_id,is_read,created_at) VALUES (?,?,?,?,?,?,?,?,0,?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, dataJSON, nullablePtr(n.TaskID), nullablePtr(n.TeamID), n.CreatedAt)
	return n, err
}

func scanNotification(rows *sql.Rows) (domain.Notification, error) {
	var n domain.Notification
	var dataJSON, taskID, teamID sql.NullString
	var isRead int
	if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &dataJSON, &taskID, &teamID, &isRead, &n.CreatedAt); err != nil {
		return n, err
	}
	n.IsRead = isRead != 0
	if dataJSON.Valid && dataJSON.String != "" {
		// Unknown keys are kept as-is; consumers treat the payload tolerantly.
		_ = json.Unmarshal([]byte(dataJSON.String), &n.Data)
	}
	if taskID.Valid {
		n.TaskID = &taskID.String
	}
	if teamID.Valid {
		n.TeamID = &teamID.String
	}
	return n, nil
}

// ListNotifications returns a user's notifications newest first, bounded by
// limit (default applied when <=0), plus the user's unread count.
func (r Repo) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,user_id,type,title,message,data_json,task_id,team_id,is_read,created_at
		 FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []domain.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	unread, err := r.UnreadCount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (r Repo) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=? AND is_read=0`, userID).Scan(&count)
	return count, err
}

// MarkNotificationRead flips is_read for a single notification owned by the
// user. The transition is one-way; marking an already-read row is a no-op.
func (r Repo) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either unknown id or not owned; distinguish for callers.
		var exists int
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE id=? AND user_id=?`, id, userID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// MarkAllNotificationsRead marks every notification of the user read.
func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0`, userID)
	return err
}

// InsertTask persists a task.
func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO tasks(id,team_id,title,status,assignee_id,due_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamID, t.Title, t.Status, nullablePtr(t.AssigneeID), nullablePtr(t.DueAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,team_id,title,status,assignee_id,due_at,created_at,updated_at FROM tasks WHERE id=?`, id)
	var t domain.Task
	var assignee, dueAt sql.NullString
	err := row.Scan(&t.ID, &t.TeamID, &t.Title, &t.Status, &assignee, &dueAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	return t, nil
}

// UpdateTask applies the non-empty fields and bumps updated_at.
func (r Repo) UpdateTask(ctx context.Context, id string, title, status string, assigneeID *string, dueAt *string) error {
	var (
		fields []string
		args   []any
	)
	if title != "" {
		fields = append(fields, "title=?")
		args = append(args, title)
	}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if assigneeID != nil {
		fields = append(fields, "assignee_id=?")
		args = append(args, nullable(*assigneeID))
	}
	if dueAt != nil {
		fields = append(fields, "due_at=?")
		args = append(args, nullable(*dueAt))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now(), id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, teamID string) ([]domain.Task, error) {
	query := `SELECT id,team_id,title,status,assignee_id,due_at,created_at,updated_at FROM tasks`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id=?`
		args = append(args, teamID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var assignee, dueAt sql.NullString
		if err := rows.Scan(&t.ID, &t.TeamID, &t.Title, &t.Status, &assignee, &dueAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if assignee.Valid {
			t.AssigneeID = &assignee.String
		}
		if dueAt.Valid {
			t.DueAt = &dueAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// EnsureTeam inserts the team if it does not exist yet.
func (r Repo) EnsureTeam(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, name, now())
	return err
}

// GetTeam returns the stored team row.
func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Team{}, ErrNotFound
	}
	return t, err
}

// AddTeamMember records membership; inserting an existing pair is a no-op.
func (r Repo) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_members(team_id,user_id,added_at) VALUES (?,?,?) ON CONFLICT(team_id,user_id) DO NOTHING`,
		teamID, userID, now())
	return err
}

// TeamMembers returns the user ids belonging to a team.
func (r Repo) TeamMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM team_members WHERE team_id=? ORDER BY user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsTeamMember reports whether the user belongs to the team.
func (r Repo) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID).Scan(&count)
	return count > 0, err
}
