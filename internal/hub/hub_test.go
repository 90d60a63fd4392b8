package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Envelope) []Envelope {
	var out []Envelope
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	t.Parallel()
	h := New()
	a := h.Register()
	b := h.Register()
	a.Join(TeamRoom("t1"))
	b.Join(TeamRoom("t1"))

	h.Broadcast(TeamRoom("t1"), Envelope{Event: EventTaskUpdated, Data: "x"})

	require.Len(t, drain(a.Events()), 1)
	require.Len(t, drain(b.Events()), 1)
}

func TestTeamIsolation(t *testing.T) {
	t.Parallel()
	h := New()
	a := h.Register()
	b := h.Register()
	a.Join(TeamRoom("t1"))
	b.Join(TeamRoom("t2"))

	h.Broadcast(TeamRoom("t1"), Envelope{Event: EventTaskUpdated})

	assert.Len(t, drain(a.Events()), 1)
	assert.Empty(t, drain(b.Events()))
}

func TestCloseRemovesEveryEntry(t *testing.T) {
	t.Parallel()
	h := New()
	c := h.Register()
	c.Join(UserRoom("u1"))
	c.Join(TeamRoom("t1"))
	c.Join(TeamRoom("t2"))
	require.Equal(t, 1, h.ConnCount())
	require.Equal(t, 1, h.RoomSize(TeamRoom("t1")))

	c.Close()

	assert.Equal(t, 0, h.ConnCount())
	assert.Equal(t, 0, h.RoomSize(UserRoom("u1")))
	assert.Equal(t, 0, h.RoomSize(TeamRoom("t1")))
	assert.Equal(t, 0, h.RoomSize(TeamRoom("t2")))

	// Closing again must not panic or resurrect anything.
	c.Close()
	assert.Equal(t, 0, h.ConnCount())
}

func TestLeaveEmptiesRoom(t *testing.T) {
	t.Parallel()
	h := New()
	c := h.Register()
	c.Join(TeamRoom("t1"))
	c.Leave(TeamRoom("t1"))
	assert.Equal(t, 0, h.RoomSize(TeamRoom("t1")))
	assert.Empty(t, c.Rooms())

	// Leaving a room never joined is a no-op.
	c.Leave(TeamRoom("t9"))
	assert.Equal(t, 1, h.ConnCount())
}

func TestJoinTwiceDeliversOnce(t *testing.T) {
	t.Parallel()
	h := New()
	c := h.Register()
	c.Join(TeamRoom("t1"))
	c.Join(TeamRoom("t1"))

	h.Broadcast(TeamRoom("t1"), Envelope{Event: EventTaskUpdated})
	assert.Len(t, drain(c.Events()), 1)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	h := New()
	c := h.Register()
	c.Join(UserRoom("u1"))

	// Overfill the buffer; Broadcast must return without blocking.
	for i := 0; i < 100; i++ {
		h.Broadcast(UserRoom("u1"), Envelope{Event: EventNewNotification})
	}
	got := drain(c.Events())
	assert.LessOrEqual(t, len(got), 32)
	assert.NotEmpty(t, got)
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	h := New()
	c := h.Register()
	c.Close()
	c.Send(Envelope{Event: EventHeartbeat})

	_, ok := <-c.Events()
	assert.False(t, ok)
}
