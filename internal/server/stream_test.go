package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"podline/internal/domain"
)

type sseFrame struct {
	Event string
	Data  string
}

// readFrames consumes the stream in a goroutine and delivers parsed frames.
func readFrames(t *testing.T, body *bufio.Scanner) <-chan sseFrame {
	t.Helper()
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		var frame sseFrame
		for body.Scan() {
			line := body.Text()
			switch {
			case line == "":
				if frame.Event != "" {
					out <- frame
				}
				frame = sseFrame{}
			case strings.HasPrefix(line, "event:"):
				frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				frame.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", event)
			}
			if f.Event == "heartbeat" {
				continue
			}
			if f.Event == event {
				return f
			}
			t.Fatalf("expected frame %s, got %s", event, f.Event)
		case <-deadline:
			t.Fatalf("timed out waiting for frame %s", event)
		}
	}
}

func TestStreamDeliversNotificationsAndTeamUpdates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := srv.App.Repo.EnsureTeam(ctx, "team-a", "Team A"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	if err := srv.App.Repo.AddTeamMember(ctx, "team-a", "u1"); err != nil {
		t.Fatalf("add member: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/notifications/stream?teams=team-a", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", "u1")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	frames := readFrames(t, bufio.NewScanner(res.Body))
	nextFrame(t, frames, "connected")

	if _, err := srv.App.Producer.Notify(ctx, domain.Notification{
		UserID: "u1", Type: domain.NotificationMention, Title: "You were mentioned",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	f := nextFrame(t, frames, "NEW_NOTIFICATION")
	var n domain.Notification
	if err := json.Unmarshal([]byte(f.Data), &n); err != nil {
		t.Fatalf("unmarshal frame data: %v", err)
	}
	if n.Type != domain.NotificationMention || n.ID == "" {
		t.Fatalf("unexpected notification %+v", n)
	}

	srv.App.Producer.EmitTaskUpdate(domain.TaskUpdate{
		Type: domain.TaskUpdateUpdated, TaskID: "t-1", TeamID: "team-a",
	})
	f = nextFrame(t, frames, "TASK_UPDATED")
	var u domain.TaskUpdate
	if err := json.Unmarshal([]byte(f.Data), &u); err != nil {
		t.Fatalf("unmarshal frame data: %v", err)
	}
	if u.TaskID != "t-1" || u.TeamID != "team-a" {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestStreamIgnoresTeamsTheUserIsNotIn(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	if err := srv.App.Repo.EnsureTeam(ctx, "team-b", "Team B"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/notifications/stream?teams=team-b", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", "outsider")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()

	frames := readFrames(t, bufio.NewScanner(res.Body))
	nextFrame(t, frames, "connected")

	// the update must not reach a stream whose user is not a member
	srv.App.Producer.EmitTaskUpdate(domain.TaskUpdate{
		Type: domain.TaskUpdateUpdated, TaskID: "t-9", TeamID: "team-b",
	})
	// deliver something addressed to the user to prove the stream is live
	if _, err := srv.App.Producer.Notify(ctx, domain.Notification{
		UserID: "outsider", Type: domain.NotificationMention, Title: "hi",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	f := nextFrame(t, frames, "NEW_NOTIFICATION")
	if strings.Contains(f.Data, "t-9") {
		t.Fatalf("leaked team update into frame: %s", f.Data)
	}
}

func TestStreamRejectsAnonymous(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v0/notifications/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

// waitConnCount polls the hub until the connection count settles at want.
func waitConnCount(t *testing.T, srv *testServer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := srv.App.Hub.ConnCount(); got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("hub holds %d connections, want %d", srv.App.Hub.ConnCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamDisconnectUnregistersConnection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/notifications/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-User-Id", "u1")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()

	frames := readFrames(t, bufio.NewScanner(res.Body))
	nextFrame(t, frames, "connected")
	waitConnCount(t, srv, 1)

	// the client going away must tear the hub connection down with it
	cancel()
	waitConnCount(t, srv, 0)
}
