// Package hub holds the in-process room registry used to fan events out to
// connected sessions. Rooms are per-user for notifications and per-team for
// task updates. The registry is process-local: in a multi-process deployment
// each process only sees its own connections, and a shared pub/sub backplane
// would have to sit behind this same interface.
package hub

import (
	"fmt"
	"sync"
)

// Event names pushed to subscribers.
const (
	EventConnected       = "connected"
	EventHeartbeat       = "heartbeat"
	EventNewNotification = "new-notification"
	EventTaskUpdated     = "task-updated"
	EventJoinedUser      = "joined-notifications"
	EventJoinedTeam      = "joined-team"
)

// Envelope is a realtime event delivered to a connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// UserRoom returns the notification room key for a user.
func UserRoom(userID string) string { return "user:" + userID }

// TeamRoom returns the task-update room key for a team.
func TeamRoom(teamID string) string { return "team:" + teamID }

// Hub is the shared connection/room table. All bookkeeping happens under one
// lock; delivery to a slow connection drops the event instead of blocking the
// producer.
type Hub struct {
	mu     sync.RWMutex
	nextID int64
	conns  map[int64]*Conn
	rooms  map[string]map[int64]*Conn
}

// Conn is one connected session's handle. Obtain with Register, release with
// Close; Close removes the connection from every room it joined.
type Conn struct {
	id     int64
	hub    *Hub
	ch     chan Envelope
	rooms  map[string]struct{}
	closed bool
}

func New() *Hub {
	return &Hub{
		conns: make(map[int64]*Conn),
		rooms: make(map[string]map[int64]*Conn),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register() *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &Conn{
		id:    h.nextID,
		hub:   h,
		ch:    make(chan Envelope, 32),
		rooms: make(map[string]struct{}),
	}
	h.conns[c.id] = c
	return c
}

// Broadcast delivers an event to every connection in the room, preserving no
// ordering beyond each individual connection's channel.
func (h *Hub) Broadcast(room string, evt Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		select {
		case c.ch <- evt:
		default:
			// Slow subscriber: drop rather than block the producer.
		}
	}
}

// RoomSize returns the number of connections joined to a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ConnCount returns the number of registered connections. Exposed so tests
// and health probes can verify that teardown leaves no entries behind.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ID identifies the connection; used as the origin tag on task-update echo.
func (c *Conn) ID() string { return fmt.Sprintf("c-%d", c.id) }

// Events is the connection's delivery channel. Closed by Close.
func (c *Conn) Events() <-chan Envelope { return c.ch }

// Join adds the connection to a room. Joining twice is a no-op.
func (c *Conn) Join(room string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return
	}
	members, ok := c.hub.rooms[room]
	if !ok {
		members = make(map[int64]*Conn)
		c.hub.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}
}

// Leave removes the connection from a room.
func (c *Conn) Leave(room string) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.leaveLocked(room)
}

func (c *Conn) leaveLocked(room string) {
	if members, ok := c.hub.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(c.hub.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Rooms returns the rooms the connection is currently joined to.
func (c *Conn) Rooms() []string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	res := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		res = append(res, room)
	}
	return res
}

// Send queues an event for this single connection, dropping it if the
// connection is closed or its buffer is full.
func (c *Conn) Send(evt Envelope) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- evt:
	default:
	}
}

// Close tears the connection down: it leaves every joined room, removes the
// registry entry, and closes the delivery channel. Safe to call more than
// once; every disconnect path must end up here or the table leaks.
func (c *Conn) Close() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for room := range c.rooms {
		c.leaveLocked(room)
	}
	delete(c.hub.conns, c.id)
	close(c.ch)
}
