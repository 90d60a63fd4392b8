package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"podline/internal/domain"
	"podline/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is same-origin in the deployed app; cross-origin dev
	// tooling still needs the handshake to succeed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketMessage is a client-to-server control frame.
type socketMessage struct {
	Event  string          `json:"event"`
	TeamID string          `json:"team_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client-emitted socket events.
const (
	socketJoinNotifications = "join-notifications"
	socketJoinTeam          = "join-team"
	socketLeaveTeam         = "leave-team"
	socketTaskUpdate        = "task-update"
)

// handleSocket serves the bidirectional transport. The client drives room
// membership with join/leave control messages and may push task updates
// upstream; the server rebroadcasts those to the whole team room, sender
// included, tagging the fan-out with the origin connection id.
func (s *server) handleSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || principal.UserID == "" {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	conn := s.hub.Register()
	// Teardown must run on every exit path or the room table leaks.
	defer conn.Close()
	defer ws.Close()

	pongWait := 2 * s.heartbeat
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.socketWriter(ws, conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg socketMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frame: drop it, keep the connection.
			continue
		}
		s.handleSocketMessage(r, conn, principal, msg)
	}
}

func (s *server) handleSocketMessage(r *http.Request, conn *hub.Conn, principal Principal, msg socketMessage) {
	switch msg.Event {
	case socketJoinNotifications:
		conn.Join(hub.UserRoom(principal.UserID))
		conn.Send(hub.Envelope{Event: hub.EventJoinedUser, Data: principal.UserID})
	case socketJoinTeam:
		if msg.TeamID == "" {
			return
		}
		member, err := s.repo.IsTeamMember(r.Context(), msg.TeamID, principal.UserID)
		if err != nil || !member {
			// Join is skipped, never fatal; the session stays degraded.
			return
		}
		conn.Join(hub.TeamRoom(msg.TeamID))
		conn.Send(hub.Envelope{Event: hub.EventJoinedTeam, Data: msg.TeamID})
	case socketLeaveTeam:
		if msg.TeamID != "" {
			conn.Leave(hub.TeamRoom(msg.TeamID))
		}
	case socketTaskUpdate:
		var update domain.TaskUpdate
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				return
			}
		}
		if update.TeamID == "" {
			update.TeamID = msg.TeamID
		}
		if update.TeamID == "" || update.TaskID == "" {
			return
		}
		member, err := s.repo.IsTeamMember(r.Context(), update.TeamID, principal.UserID)
		if err != nil || !member {
			return
		}
		update.Origin = conn.ID()
		s.hub.Broadcast(hub.TeamRoom(update.TeamID), hub.Envelope{Event: hub.EventTaskUpdated, Data: update})
	}
}

// socketWriter owns all writes to the websocket: fanned-out events plus
// keep-alive pings. It exits when the hub connection closes or a write
// fails, closing the websocket to unblock the read loop.
func (s *server) socketWriter(ws *websocket.Conn, conn *hub.Conn) {
	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()
	defer ws.Close()

	for {
		select {
		case evt, ok := <-conn.Events():
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(evt); err != nil {
				log.Printf("socket: write failed: %v", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
