package podlinesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// streamTransport consumes the server's push-stream (SSE) endpoint. The
// channel is read-only: task updates go upstream through the broadcast
// endpoint, and team subscriptions are carried as a query parameter, so a
// subscription change re-opens the stream.
type streamTransport struct {
	client    *Client
	reconnect time.Duration

	onEvent func(Event)
	onState func(bool)

	mu        sync.Mutex
	teams     map[string]struct{}
	body      io.Closer
	connected bool
	closed    bool
	cancel    context.CancelFunc
	restart   chan struct{}
}

func newStreamTransport(c *Client, reconnect time.Duration) *streamTransport {
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &streamTransport{
		client:    c,
		reconnect: reconnect,
		teams:     make(map[string]struct{}),
		restart:   make(chan struct{}, 1),
	}
}

func (t *streamTransport) Name() string { return TransportStream }

func (t *streamTransport) OnEvent(fn func(Event))      { t.onEvent = fn }
func (t *streamTransport) OnStateChange(fn func(bool)) { t.onState = fn }

func (t *streamTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *streamTransport) Connect(ctx context.Context) error {
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

// run opens the stream, reads frames until it drops, then retries on the
// fixed delay forever. A subscription change short-circuits the delay so the
// new team set takes effect immediately.
func (t *streamTransport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.consume(ctx); err == nil {
			// clean shutdown via context
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.restart:
		case <-time.After(t.reconnect):
		}
	}
}

func (t *streamTransport) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.client.authorize(req.Header)

	// the stream is long-lived, so the client must not carry a timeout
	hc := &http.Client{}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.body = resp.Body
	t.connected = true
	t.mu.Unlock()
	t.notifyState(true)
	defer func() {
		t.mu.Lock()
		t.body = nil
		t.connected = false
		t.mu.Unlock()
		t.notifyState(false)
	}()

	err = t.readFrames(resp.Body)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("stream closed")
	}
	return err
}

// readFrames parses the event-stream wire format: "event:" and "data:"
// lines accumulate into a frame that a blank line dispatches.
func (t *streamTransport) readFrames(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" {
				t.dispatch(name, data.String())
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (t *streamTransport) dispatch(name, data string) {
	if t.onEvent == nil {
		return
	}
	t.onEvent(Event{Name: name, Data: json.RawMessage(data)})
}

// Emit translates client events to HTTP. Only task-update reaches the
// server directly; join-team and leave-team adjust the team set carried on
// the stream URL and force a re-open when live.
func (t *streamTransport) Emit(event string, payload any) error {
	switch event {
	case eventJoinNotifications:
		// implicit: the stream always joins the caller's user room
		return nil
	case eventJoinTeam, eventLeaveTeam:
		teamID, ok := payload.(string)
		if !ok || teamID == "" {
			return fmt.Errorf("event %s needs a team id", event)
		}
		t.setTeam(teamID, event == eventJoinTeam)
		return nil
	case eventTaskUpdate:
		u, ok := payload.(TaskUpdate)
		if !ok {
			return fmt.Errorf("event %s needs a TaskUpdate", event)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return t.client.BroadcastTaskUpdate(ctx, u)
	}
	return fmt.Errorf("unsupported event %q on push-stream", event)
}

// setTeam adjusts the team set. A join or leave that does not change the
// set is a no-op: sessions re-emit join-team for every subscription on each
// (re)connect, and re-opening an already-correct stream would flap forever.
func (t *streamTransport) setTeam(teamID string, join bool) {
	t.mu.Lock()
	_, have := t.teams[teamID]
	if join == have {
		t.mu.Unlock()
		return
	}
	if join {
		t.teams[teamID] = struct{}{}
	} else {
		delete(t.teams, teamID)
	}
	body := t.body
	t.mu.Unlock()
	if body != nil {
		select {
		case t.restart <- struct{}{}:
		default:
		}
		body.Close()
	}
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	cancel := t.cancel
	body := t.body
	t.body = nil
	t.connected = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
	return nil
}

func (t *streamTransport) notifyState(connected bool) {
	if t.onState != nil {
		t.onState(connected)
	}
}

func (t *streamTransport) streamURL() string {
	q := t.client.authQuery()
	t.mu.Lock()
	teams := make([]string, 0, len(t.teams))
	for id := range t.teams {
		teams = append(teams, id)
	}
	t.mu.Unlock()
	if len(teams) > 0 {
		sort.Strings(teams)
		q.Set("teams", strings.Join(teams, ","))
	}
	u := t.client.base() + "/" + t.client.apiPath("notifications/stream")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
