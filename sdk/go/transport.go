package podlinesdk

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Transport names as reported by Session.Connected.
const (
	TransportSocket = "socket"
	TransportStream = "push-stream"
)

// Client-to-server event names. Stream transports translate these to HTTP
// calls; the socket transport sends them as socket messages.
const (
	eventJoinNotifications = "join-notifications"
	eventJoinTeam          = "join-team"
	eventLeaveTeam         = "leave-team"
	eventTaskUpdate        = "task-update"
)

// Event is a realtime event delivered by a transport.
type Event struct {
	Name string
	Data json.RawMessage
}

// Transport is a delivery channel for realtime events. Callbacks must be
// registered before Connect and are invoked from the transport's own
// goroutine. A transport keeps itself alive: after a dropped connection it
// reconnects on a fixed delay until Close.
type Transport interface {
	// Name reports which channel this is, one of TransportSocket or
	// TransportStream.
	Name() string
	// Connect starts the transport. A failed initial connection is not an
	// error; the transport stays in the disconnected state and retries.
	Connect(ctx context.Context) error
	// Emit sends a client event upstream. Payload type depends on the
	// event: a team id string for join-team/leave-team, a TaskUpdate for
	// task-update, nil for join-notifications.
	Emit(event string, payload any) error
	// OnEvent registers the handler for server events.
	OnEvent(fn func(Event))
	// OnStateChange registers the handler invoked with true on every
	// successful (re)connection and false on every drop.
	OnStateChange(fn func(connected bool))
	// Connected reports the live connection state.
	Connected() bool
	// Close tears the transport down permanently.
	Close() error
}

// ChooseTransport picks the delivery channel for a session. The choice is
// made once; there is no mid-session switching. In auto mode the socket
// transport is used against loopback hosts and the push-stream transport
// everywhere else, mirroring the proxy environments that buffer or strip
// long-lived bidirectional upgrades.
func ChooseTransport(c *Client, mode string, reconnect, heartbeat time.Duration) Transport {
	switch mode {
	case TransportSocket:
		return newSocketTransport(c, reconnect, heartbeat)
	case TransportStream, "stream":
		return newStreamTransport(c, reconnect)
	}
	if isLoopback(c.BaseURL) {
		return newSocketTransport(c, reconnect, heartbeat)
	}
	return newStreamTransport(c, reconnect)
}

func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
