package podlinesdk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer serves a scripted event stream and records each open.
type sseServer struct {
	mu     sync.Mutex
	opens  []string // teams query value per open
	frames []string // frames written on every open, after connected
	hold   bool     // keep the stream open until the client goes away
}

func (s *sseServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.opens = append(s.opens, r.URL.Query().Get("teams"))
		frames := make([]string, len(s.frames))
		copy(frames, s.frames)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		s.mu.Lock()
		hold := s.hold
		s.mu.Unlock()
		if hold {
			<-r.Context().Done()
			return
		}
		// end the stream; the transport should reconnect on its own
	})
}

func (s *sseServer) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.opens)
}

func (s *sseServer) lastTeams() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opens) == 0 {
		return ""
	}
	return s.opens[len(s.opens)-1]
}

func TestStreamTransportDeliversFramesAndReconnects(t *testing.T) {
	api := &sseServer{
		frames: []string{"event: NEW_NOTIFICATION\ndata: {\"id\":\"n1\",\"title\":\"hi\"}\n\n"},
	}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	tr := newStreamTransport(New(srv.URL), 20*time.Millisecond)
	var mu sync.Mutex
	var events []string
	var states []bool
	tr.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
	})
	tr.OnStateChange(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	// the scripted stream ends immediately, so the fixed-delay retry loop
	// keeps re-opening it
	require.Eventually(t, func() bool { return api.openCount() >= 2 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Contains(t, events, "NEW_NOTIFICATION")
	assert.Contains(t, events, "connected")
	// each open reports connected, each drop reports disconnected
	assert.Contains(t, states, true)
	assert.Contains(t, states, false)
}

func TestStreamTransportCarriesTeamSubscriptions(t *testing.T) {
	api := &sseServer{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	tr := newStreamTransport(New(srv.URL), 20*time.Millisecond)
	require.NoError(t, tr.Emit(eventJoinTeam, "team-a"))
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	require.Eventually(t, func() bool { return api.lastTeams() == "team-a" }, time.Second, 10*time.Millisecond)

	// a later join takes effect on the re-opened stream
	require.NoError(t, tr.Emit(eventJoinTeam, "team-b"))
	require.Eventually(t, func() bool { return api.lastTeams() == "team-a,team-b" }, time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Emit(eventLeaveTeam, "team-a"))
	require.Eventually(t, func() bool { return api.lastTeams() == "team-b" }, time.Second, 10*time.Millisecond)
}

func TestStreamHoldsSingleConnectionAcrossRejoins(t *testing.T) {
	api := &sseServer{hold: true}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	tr := newStreamTransport(New(srv.URL), 20*time.Millisecond)
	// sessions re-emit join-team for every subscription on each (re)connect;
	// an already-subscribed team must not tear the stream down
	tr.OnStateChange(func(connected bool) {
		if connected {
			tr.Emit(eventJoinTeam, "team-a")
		}
	})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	// the first join changes the team set and re-opens the stream once;
	// every rejoin after that is a no-op
	require.Eventually(t, func() bool { return api.lastTeams() == "team-a" }, time.Second, 10*time.Millisecond)
	opens := api.openCount()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, opens, api.openCount(), "subscribed stream should stay open instead of flapping")
	assert.True(t, tr.Connected())
}

func TestStreamTransportRejectsUnsupportedEmit(t *testing.T) {
	tr := newStreamTransport(New("http://127.0.0.1:0"), time.Second)
	assert.Error(t, tr.Emit("shout", nil))
	assert.NoError(t, tr.Emit(eventJoinNotifications, nil))
}
