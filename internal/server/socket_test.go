package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"podline/internal/domain"
)

type socketEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func dialSocket(t *testing.T, srv *testServer, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/socket"
	header := http.Header{"X-User-Id": {userID}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendSocket(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write socket message: %v", err)
	}
}

func expectSocket(t *testing.T, ws *websocket.Conn, event string) socketEnvelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env socketEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("read socket message while waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
		t.Fatalf("expected event %s, got %s", event, env.Event)
	}
}

func TestSocketHandshakeAndNotificationDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	ws := dialSocket(t, srv, "u1")
	sendSocket(t, ws, map[string]any{"event": "join-notifications"})
	expectSocket(t, ws, "joined-notifications")

	if _, err := srv.App.Producer.Notify(ctx, domain.Notification{
		UserID: "u1", Type: domain.NotificationTaskAssigned, Title: "Task assigned",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	env := expectSocket(t, ws, "new-notification")
	var n domain.Notification
	if err := json.Unmarshal(env.Data, &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if n.Type != domain.NotificationTaskAssigned {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestSocketTaskUpdateFanOutWithEcho(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := srv.App.Repo.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if err := srv.App.Repo.AddTeamMember(ctx, "team-a", u); err != nil {
			t.Fatalf("add member %s: %v", u, err)
		}
	}

	sender := dialSocket(t, srv, "u1")
	receiver := dialSocket(t, srv, "u2")
	for _, ws := range []*websocket.Conn{sender, receiver} {
		sendSocket(t, ws, map[string]any{"event": "join-team", "team_id": "team-a"})
		expectSocket(t, ws, "joined-team")
	}

	update := domain.TaskUpdate{Type: domain.TaskUpdateUpdated, TaskID: "t-1", TeamID: "team-a"}
	raw, _ := json.Marshal(update)
	sendSocket(t, sender, map[string]any{
		"event":   "task-update",
		"team_id": "team-a",
		"data":    json.RawMessage(raw),
	})

	// every member receives the update, the sender included, and the
	// origin tag identifies the emitting connection on both copies
	var origins []string
	for _, ws := range []*websocket.Conn{receiver, sender} {
		env := expectSocket(t, ws, "task-updated")
		var got domain.TaskUpdate
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("unmarshal update: %v", err)
		}
		if got.TaskID != "t-1" || got.TeamID != "team-a" {
			t.Fatalf("unexpected update %+v", got)
		}
		if got.Origin == "" {
			t.Fatalf("expected origin tag on fan-out copy")
		}
		origins = append(origins, got.Origin)
	}
	if origins[0] != origins[1] {
		t.Fatalf("origin mismatch: %v", origins)
	}
}

func TestSocketJoinTeamRequiresMembership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := srv.App.Repo.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	if err := srv.App.Repo.AddTeamMember(ctx, "team-a", "member"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	ws := dialSocket(t, srv, "outsider")
	sendSocket(t, ws, map[string]any{"event": "join-notifications"})
	expectSocket(t, ws, "joined-notifications")

	// the join is ignored, the connection stays usable
	sendSocket(t, ws, map[string]any{"event": "join-team", "team_id": "team-a"})

	srv.App.Producer.EmitTaskUpdate(domain.TaskUpdate{
		Type: domain.TaskUpdateUpdated, TaskID: "t-1", TeamID: "team-a",
	})
	if _, err := srv.App.Producer.Notify(ctx, domain.Notification{
		UserID: "outsider", Type: domain.NotificationMention, Title: "hi",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	env := expectSocket(t, ws, "new-notification")
	if strings.Contains(string(env.Data), "t-1") {
		t.Fatalf("leaked team update to non-member: %s", env.Data)
	}
}

func TestSocketRejectsAnonymous(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/socket"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", res)
	}
}

func TestSocketDisconnectUnregistersConnection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ws := dialSocket(t, srv, "u1")
	sendSocket(t, ws, map[string]any{"event": "join-notifications"})
	expectSocket(t, ws, "joined-notifications")
	waitConnCount(t, srv, 1)

	if err := ws.Close(); err != nil {
		t.Fatalf("close socket: %v", err)
	}
	waitConnCount(t, srv, 0)
}
