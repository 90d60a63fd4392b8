package podlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

var errClosed = errors.New("session closed")

// SessionConfig configures a realtime session.
type SessionConfig struct {
	Client *Client
	// Transport forces a channel ("socket" or "push-stream"); empty or
	// "auto" lets the session pick.
	Transport string
	// PollInterval is the reconciliation poll cadence while disconnected.
	// Defaults to 10 seconds.
	PollInterval time.Duration
	// ReconnectDelay is the fixed transport retry delay. Defaults to 5
	// seconds.
	ReconnectDelay time.Duration
	// Heartbeat is the socket keep-alive interval. Defaults to 20 seconds.
	Heartbeat time.Duration
	// OnNotification fires once per newly delivered notification; the
	// notification id doubles as the dedupe tag for any user-facing alert.
	OnNotification func(Notification)
	Logger         *log.Logger

	// newTransport overrides transport construction in tests.
	newTransport func() Transport
}

// Session holds live notification state for one user. It mirrors the server
// over whichever delivery channel was selected and falls back to polling
// whenever the channel is down. All methods are safe for concurrent use.
type Session struct {
	cfg       SessionConfig
	transport Transport

	mu            sync.Mutex
	notifications []Notification
	seen          map[string]struct{}
	unread        int
	connected     bool
	subs          map[string]func(TaskUpdate)
	closed        bool

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session; Start connects it.
func NewSession(cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	return &Session{
		cfg:  cfg,
		seen: make(map[string]struct{}),
		subs: make(map[string]func(TaskUpdate)),
		done: make(chan struct{}),
	}
}

// Start loads the initial notification state, connects the transport and
// starts the reconciliation poller. A transport that cannot connect leaves
// the session in the disconnected state, where the poller keeps the list
// converging; Start fails only on setup errors.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return errClosed
	}
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	if s.cfg.newTransport != nil {
		s.transport = s.cfg.newTransport()
	} else {
		s.transport = ChooseTransport(s.cfg.Client, s.cfg.Transport, s.cfg.ReconnectDelay, s.cfg.Heartbeat)
	}
	s.transport.OnEvent(s.handleEvent)
	s.transport.OnStateChange(s.handleState)

	s.refresh(ctx)
	if err := s.transport.Connect(ctx); err != nil {
		s.logf("transport connect: %v", err)
	}
	go s.poll(ctx)
	return nil
}

// Notifications returns a copy of the current list, newest first.
func (s *Session) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// UnreadCount is the locally tracked unread counter. It never goes
// negative.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Connected reports the live connection state and the channel in use.
func (s *Session) Connected() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ""
	if s.transport != nil {
		name = s.transport.Name()
	}
	return s.connected, name
}

// Subscribe registers a callback for task updates scoped to a team. Each
// team carries at most one callback; subscribing again replaces it.
func (s *Session) Subscribe(teamID string, fn func(TaskUpdate)) {
	s.mu.Lock()
	s.subs[teamID] = fn
	connected := s.connected
	s.mu.Unlock()
	if connected {
		if err := s.transport.Emit(eventJoinTeam, teamID); err != nil {
			s.logf("join-team %s: %v", teamID, err)
		}
	}
}

// Unsubscribe removes the team callback and leaves the room.
func (s *Session) Unsubscribe(teamID string) {
	s.mu.Lock()
	_, had := s.subs[teamID]
	delete(s.subs, teamID)
	connected := s.connected
	s.mu.Unlock()
	if had && connected {
		if err := s.transport.Emit(eventLeaveTeam, teamID); err != nil {
			s.logf("leave-team %s: %v", teamID, err)
		}
	}
}

// EmitTaskUpdate pushes a transient task change to the team. Delivery is
// at-most-once: members connected right now receive it, nobody replays it.
func (s *Session) EmitTaskUpdate(u TaskUpdate) error {
	if s.transport == nil {
		return errClosed
	}
	return s.transport.Emit(eventTaskUpdate, u)
}

// MarkAsRead flips a notification read locally and persists the change.
// The local flip is optimistic and is not rolled back on failure; the next
// reconciliation poll restores the server's view.
func (s *Session) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			if !s.notifications[i].IsRead {
				s.notifications[i].IsRead = true
				s.decUnreadLocked()
			}
			break
		}
	}
	s.mu.Unlock()
	return s.cfg.Client.MarkRead(ctx, id)
}

// MarkAllAsRead marks everything read, optimistically then on the server.
// Safe to call repeatedly.
func (s *Session) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].IsRead = true
	}
	s.unread = 0
	s.mu.Unlock()
	return s.cfg.Client.MarkAllRead(ctx)
}

// Close tears the session down: transport, poller and subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.subs = make(map[string]func(TaskUpdate))
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.transport != nil {
		s.transport.Close()
	}
}

// handleEvent normalizes server events from either channel. The socket
// speaks "new-notification"/"task-updated"; the push-stream frames the same
// payloads as "NEW_NOTIFICATION"/"TASK_UPDATED".
func (s *Session) handleEvent(ev Event) {
	switch ev.Name {
	case "new-notification", "NEW_NOTIFICATION":
		var n Notification
		if err := json.Unmarshal(ev.Data, &n); err != nil || n.ID == "" {
			s.logf("bad notification payload: %v", err)
			return
		}
		s.addNotification(n)
	case "task-updated", "TASK_UPDATED":
		var u TaskUpdate
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			s.logf("bad task update payload: %v", err)
			return
		}
		s.dispatchTaskUpdate(u)
	case "connected", "heartbeat", "joined-notifications", "joined-team":
		// heartbeat absence is not treated as failure; actual drops
		// surface as read errors in the transport
	}
}

func (s *Session) addNotification(n Notification) {
	s.mu.Lock()
	if _, dup := s.seen[n.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[n.ID] = struct{}{}
	s.notifications = append([]Notification{n}, s.notifications...)
	if !n.IsRead {
		s.unread++
	}
	hook := s.cfg.OnNotification
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

// dispatchTaskUpdate routes an update to the team's callback. Updates for
// teams without a subscription are dropped.
func (s *Session) dispatchTaskUpdate(u TaskUpdate) {
	s.mu.Lock()
	fn := s.subs[u.TeamID]
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

// handleState tracks connectivity and re-establishes room membership on
// every successful (re)connection, since the server keeps no durable
// subscription state.
func (s *Session) handleState(connected bool) {
	s.mu.Lock()
	s.connected = connected
	teams := make([]string, 0, len(s.subs))
	for id := range s.subs {
		teams = append(teams, id)
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if !connected {
		return
	}
	if err := s.transport.Emit(eventJoinNotifications, nil); err != nil {
		s.logf("join-notifications: %v", err)
	}
	for _, id := range teams {
		if err := s.transport.Emit(eventJoinTeam, id); err != nil {
			s.logf("join-team %s: %v", id, err)
		}
	}
	// a reconnect may have missed events; converge right away. The refresh
	// runs on the session context so Close cancels it.
	go s.refresh(ctx)
}

// poll runs for the whole session but only fetches while the transport is
// down. Realtime delivery makes polling redundant, so it is suspended, not
// stopped, while connected.
func (s *Session) poll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			connected := s.connected
			s.mu.Unlock()
			if connected {
				continue
			}
			s.refresh(ctx)
		}
	}
}

// refresh replaces local state with the server's canonical list. Transport
// events and polling both funnel into the same list, so the replace also
// drops any optimistic read flips the server rejected.
func (s *Session) refresh(ctx context.Context) {
	list, err := s.cfg.Client.Notifications(ctx, 0)
	if err != nil {
		s.logf("refresh: %v", err)
		return
	}
	s.mu.Lock()
	s.notifications = list.Notifications
	s.unread = list.Count
	if s.unread < 0 {
		s.unread = 0
	}
	s.seen = make(map[string]struct{}, len(list.Notifications))
	for _, n := range list.Notifications {
		s.seen[n.ID] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Session) decUnreadLocked() {
	if s.unread > 0 {
		s.unread--
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
