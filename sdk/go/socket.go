package podlinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socketTransport keeps a bidirectional websocket to the server's /socket
// endpoint. Reads run in a pump goroutine; writes are serialized by a mutex
// because both Emit and the ping loop touch the connection.
type socketTransport struct {
	client    *Client
	reconnect time.Duration
	heartbeat time.Duration

	onEvent func(Event)
	onState func(bool)

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	cancel    context.CancelFunc
}

func newSocketTransport(c *Client, reconnect, heartbeat time.Duration) *socketTransport {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	return &socketTransport{client: c, reconnect: reconnect, heartbeat: heartbeat}
}

func (t *socketTransport) Name() string { return TransportSocket }

func (t *socketTransport) OnEvent(fn func(Event))      { t.onEvent = fn }
func (t *socketTransport) OnStateChange(fn func(bool)) { t.onState = fn }

func (t *socketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *socketTransport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("transport closed")
	}
	t.cancel = cancel
	t.mu.Unlock()
	go t.run(ctx)
	return nil
}

// run dials, pumps messages until the connection drops, then waits out the
// reconnect delay and dials again. It exits only when the context is done.
func (t *socketTransport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		header := http.Header{}
		t.client.authorize(header)
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, t.socketURL(), header)
		if err == nil {
			t.setConn(ws)
			t.notifyState(true)
			t.pump(ctx, ws)
			t.setConn(nil)
			t.notifyState(false)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.reconnect):
		}
	}
}

func (t *socketTransport) pump(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	pongWait := 2 * t.heartbeat
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				ws.Close()
				return
			case <-ticker.C:
				t.writeControl(ws, websocket.PingMessage)
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			continue
		}
		if t.onEvent != nil {
			t.onEvent(Event{Name: env.Event, Data: env.Data})
		}
	}
}

func (t *socketTransport) Emit(event string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws == nil {
		return fmt.Errorf("socket not connected")
	}
	msg := map[string]any{"event": event}
	switch event {
	case eventJoinTeam, eventLeaveTeam:
		if teamID, ok := payload.(string); ok {
			msg["team_id"] = teamID
		}
	case eventTaskUpdate:
		if u, ok := payload.(TaskUpdate); ok {
			msg["team_id"] = u.TeamID
			raw, err := json.Marshal(u)
			if err != nil {
				return err
			}
			msg["data"] = json.RawMessage(raw)
		}
	}
	t.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.ws.WriteJSON(msg)
}

func (t *socketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	cancel := t.cancel
	ws := t.ws
	t.ws = nil
	t.connected = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	return nil
}

func (t *socketTransport) setConn(ws *websocket.Conn) {
	t.mu.Lock()
	t.ws = ws
	t.connected = ws != nil
	t.mu.Unlock()
}

func (t *socketTransport) notifyState(connected bool) {
	if t.onState != nil {
		t.onState(connected)
	}
}

func (t *socketTransport) writeControl(ws *websocket.Conn, messageType int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws.WriteControl(messageType, nil, time.Now().Add(10*time.Second))
}

func (t *socketTransport) socketURL() string {
	base := t.client.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := base + "/" + t.client.apiPath("socket")
	if q := t.client.authQuery(); len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
