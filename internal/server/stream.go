package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"podline/internal/hub"
)

// Frame names pushed on the one-way stream. The handshake ack and heartbeats
// carry no payload action; notification and task-update frames carry JSON.
const (
	frameConnected       = "connected"
	frameHeartbeat       = "heartbeat"
	frameNewNotification = "NEW_NOTIFICATION"
	frameTaskUpdated     = "TASK_UPDATED"
)

// handleStream serves the unidirectional push stream. The stream is keyed by
// the authenticated user; team subscriptions are taken from the teams query
// parameter, so a reconnecting client re-subscribes implicitly by re-opening
// the stream with its current team set. Writes (task-update broadcasts) go
// through POST /tasks/broadcast, never over the stream.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok || principal.UserID == "" {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := s.hub.Register()
	defer conn.Close()

	conn.Join(hub.UserRoom(principal.UserID))
	for _, teamID := range splitTeams(r.URL.Query().Get("teams")) {
		member, err := s.repo.IsTeamMember(r.Context(), teamID, principal.UserID)
		if err != nil || !member {
			continue
		}
		conn.Join(hub.TeamRoom(teamID))
	}

	writeFrame(w, frameConnected, nil)
	flusher.Flush()

	// Heartbeats only keep intermediaries from closing the idle connection;
	// clients do not treat their absence as a failure.
	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-conn.Events():
			if !ok {
				return
			}
			if err := writeFrame(w, frameName(evt.Event), evt.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if err := writeFrame(w, frameHeartbeat, nil); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func frameName(event string) string {
	switch event {
	case hub.EventNewNotification:
		return frameNewNotification
	case hub.EventTaskUpdated:
		return frameTaskUpdated
	default:
		return event
	}
}

func writeFrame(w http.ResponseWriter, event string, data any) error {
	if data == nil {
		_, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", event)
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		// A single unmarshalable payload is dropped, not fatal.
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func splitTeams(raw string) []string {
	if raw == "" {
		return nil
	}
	var teams []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			teams = append(teams, t)
		}
	}
	return teams
}
