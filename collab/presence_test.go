package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets presence tests control time without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(timeout time.Duration) (*PresenceTracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewPresenceTracker(timeout, nil)
	tracker.now = clock.Now
	return tracker, clock
}

func TestPresenceTracker_ListActiveOrderedByJoinTime(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)

	tracker.OnJoin("p2", "Bea", RoleEditor)
	tracker.OnJoin("p1", "Ada", RoleOwner)
	tracker.OnJoin("p3", "Cal", RoleViewer)

	active := tracker.ListActive()
	require.Len(t, active, 3)
	assert.Equal(t, []string{"p2", "p1", "p3"}, []string{active[0].ID, active[1].ID, active[2].ID})
}

func TestPresenceTracker_RejoinKeepsRosterPosition(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)

	tracker.OnJoin("p1", "Ada", RoleOwner)
	tracker.OnJoin("p2", "Bea", RoleEditor)
	tracker.OnJoin("p1", "Ada Lovelace", RoleOwner)

	active := tracker.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "p1", active[0].ID)
	assert.Equal(t, "Ada Lovelace", active[0].DisplayName)
}

func TestPresenceTracker_CursorBeforeJoinIsImplicitJoin(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)

	tracker.OnCursorUpdate("ghost", Cursor{X: 10, Y: 20})

	active := tracker.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, UnknownDisplayName, active[0].DisplayName)
	require.NotNil(t, active[0].Cursor)
	assert.Equal(t, 10.0, active[0].Cursor.X)

	// A later join supplies the real name without losing the roster slot.
	tracker.OnJoin("ghost", "Gus", RoleEditor)
	active = tracker.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "Gus", active[0].DisplayName)
}

func TestPresenceTracker_CursorUpdatesOnlyCursorAndLastSeen(t *testing.T) {
	tracker, clock := newTestTracker(time.Minute)

	tracker.OnJoin("p1", "Ada", RoleOwner)
	joined := tracker.ListActive()[0]

	clock.Advance(2 * time.Second)
	tracker.OnCursorUpdate("p1", Cursor{X: 1, Y: 2})

	updated := tracker.ListActive()[0]
	assert.Equal(t, joined.DisplayName, updated.DisplayName)
	assert.Equal(t, joined.Role, updated.Role)
	require.NotNil(t, updated.Cursor)
	assert.True(t, updated.LastSeenAt.After(joined.LastSeenAt))
}

func TestPresenceTracker_SweepRemovesSilentParticipants(t *testing.T) {
	tracker, clock := newTestTracker(5 * time.Second)

	var events []PresenceEvent
	tracker.Observe(func(e PresenceEvent) { events = append(events, e) })

	tracker.OnJoin("quiet", "Quinn", RoleEditor)
	tracker.OnJoin("chatty", "Cher", RoleEditor)

	// chatty keeps sending cursors every 2s; quiet goes silent for 6s.
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Second)
		tracker.OnCursorUpdate("chatty", Cursor{X: float64(i)})
	}

	removed := tracker.Sweep()
	require.Len(t, removed, 1)
	assert.Equal(t, "quiet", removed[0].ID)

	active := tracker.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "chatty", active[0].ID)

	// The sweep emits a synthetic leave even though no leave frame arrived.
	last := events[len(events)-1]
	assert.Equal(t, PresenceLeft, last.Kind)
	assert.True(t, last.Synthetic)
	assert.Equal(t, "quiet", last.Participant.ID)
}

func TestPresenceTracker_RosterNeverHoldsStaleEntries(t *testing.T) {
	tracker, clock := newTestTracker(5 * time.Second)

	tracker.OnJoin("p1", "Ada", RoleOwner)
	clock.Advance(10 * time.Second)
	tracker.Sweep()

	cutoff := clock.Now().Add(-5 * time.Second)
	for _, p := range tracker.ListActive() {
		assert.False(t, p.LastSeenAt.Before(cutoff), "participant %s is stale", p.ID)
	}
	assert.Empty(t, tracker.ListActive())
}

func TestPresenceTracker_ExplicitLeave(t *testing.T) {
	tracker, _ := newTestTracker(time.Minute)

	var events []PresenceEvent
	tracker.Observe(func(e PresenceEvent) { events = append(events, e) })

	tracker.OnJoin("p1", "Ada", RoleOwner)
	tracker.OnLeave("p1")
	tracker.OnLeave("p1") // repeated leave is a no-op

	assert.Empty(t, tracker.ListActive())
	require.Len(t, events, 2)
	assert.Equal(t, PresenceLeft, events[1].Kind)
	assert.False(t, events[1].Synthetic)
}
