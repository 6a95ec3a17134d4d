package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ericfitz/huc/internal/slogging"
)

// UnknownDisplayName is shown for a participant whose cursor arrived before
// any presence:joined event supplied a name. A later join corrects it.
const UnknownDisplayName = "Unknown"

// PresenceEventKind classifies a roster change.
type PresenceEventKind string

const (
	PresenceJoined PresenceEventKind = "joined"
	PresenceLeft   PresenceEventKind = "left"
	PresenceCursor PresenceEventKind = "cursor"
)

// PresenceEvent describes one roster change. Synthetic is true for a leave
// generated locally by the staleness sweep rather than an explicit frame.
type PresenceEvent struct {
	Kind        PresenceEventKind
	Participant Participant
	Synthetic   bool
}

// PresenceTracker maintains the roster of active participants and their live
// cursor data. It is the sole writer of Participant entries. Participants
// silent for longer than the silence timeout are removed by a scheduled
// sweep, since transport close and application-level absence are distinct
// failure modes.
type PresenceTracker struct {
	mu             sync.Mutex
	participants   map[string]*Participant
	nextJoinOrder  uint64
	silenceTimeout time.Duration
	now            func() time.Time
	observers      []presenceObserver
	nextObs        uint64
	metrics        *Metrics
}

type presenceObserver struct {
	id uint64
	fn func(PresenceEvent)
}

// NewPresenceTracker creates a tracker with the given silence timeout.
func NewPresenceTracker(silenceTimeout time.Duration, metrics *Metrics) *PresenceTracker {
	return &PresenceTracker{
		participants:   make(map[string]*Participant),
		silenceTimeout: silenceTimeout,
		now:            time.Now,
		metrics:        metrics,
	}
}

// OnJoin inserts or replaces the participant keyed by id. A replacement
// keeps the participant's original roster position.
func (t *PresenceTracker) OnJoin(id, displayName string, role Role) {
	t.mu.Lock()
	now := t.now()
	existing, ok := t.participants[id]
	if ok {
		existing.DisplayName = displayName
		existing.Role = role
		existing.LastSeenAt = now
	} else {
		t.nextJoinOrder++
		t.participants[id] = &Participant{
			ID:          id,
			DisplayName: displayName,
			Role:        role,
			LastSeenAt:  now,
			joinOrder:   t.nextJoinOrder,
		}
	}
	p := *t.participants[id]
	count := len(t.participants)
	t.mu.Unlock()

	t.metrics.SetActiveParticipants(count)
	t.emit(PresenceEvent{Kind: PresenceJoined, Participant: p})
}

// OnLeave removes the participant, if present.
func (t *PresenceTracker) OnLeave(id string) {
	t.removeParticipant(id, false)
}

// OnCursorUpdate updates cursor position and last-seen time. An update for
// an unknown participant is treated as an implicit join with a placeholder
// display name; a subsequent join event supplies the real name.
func (t *PresenceTracker) OnCursorUpdate(id string, cursor Cursor) {
	t.mu.Lock()
	now := t.now()
	p, ok := t.participants[id]
	if !ok {
		t.nextJoinOrder++
		p = &Participant{
			ID:          id,
			DisplayName: UnknownDisplayName,
			Role:        RoleViewer,
			joinOrder:   t.nextJoinOrder,
		}
		t.participants[id] = p
	}
	c := cursor
	p.Cursor = &c
	p.LastSeenAt = now
	snapshot := *p
	count := len(t.participants)
	t.mu.Unlock()

	if !ok {
		t.metrics.SetActiveParticipants(count)
		t.emit(PresenceEvent{Kind: PresenceJoined, Participant: snapshot})
	}
	t.emit(PresenceEvent{Kind: PresenceCursor, Participant: snapshot})
}

// Touch refreshes a participant's last-seen time without other changes,
// used for heartbeat-style liveness signals.
func (t *PresenceTracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.participants[id]; ok {
		p.LastSeenAt = t.now()
	}
}

// ListActive returns the roster ordered by join time. The ordering is stable
// so rendering and tests are deterministic.
func (t *PresenceTracker) ListActive() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].joinOrder < out[j].joinOrder })
	return out
}

// Sweep removes participants whose last-seen time is older than the silence
// timeout and emits a synthetic leave for each, handling ungraceful
// disconnects that never produced a presence:left frame.
func (t *PresenceTracker) Sweep() []Participant {
	t.mu.Lock()
	cutoff := t.now().Add(-t.silenceTimeout)
	var stale []Participant
	for id, p := range t.participants {
		if p.LastSeenAt.Before(cutoff) {
			stale = append(stale, *p)
			delete(t.participants, id)
		}
	}
	count := len(t.participants)
	t.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].joinOrder < stale[j].joinOrder })
	t.metrics.SetActiveParticipants(count)
	for _, p := range stale {
		slogging.Get().Info("participant %s (%s) removed after silence timeout", p.ID, p.DisplayName)
		t.emit(PresenceEvent{Kind: PresenceLeft, Participant: p, Synthetic: true})
	}
	return stale
}

// StartSweeper runs periodic staleness sweeps until the context is canceled.
func (t *PresenceTracker) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Observe registers a callback for roster changes. The returned function
// cancels the registration.
func (t *PresenceTracker) Observe(fn func(PresenceEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextObs++
	id := t.nextObs
	t.observers = append(t.observers, presenceObserver{id: id, fn: fn})
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, obs := range t.observers {
			if obs.id == id {
				t.observers = append(t.observers[:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

func (t *PresenceTracker) removeParticipant(id string, synthetic bool) {
	t.mu.Lock()
	p, ok := t.participants[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	snapshot := *p
	delete(t.participants, id)
	count := len(t.participants)
	t.mu.Unlock()

	t.metrics.SetActiveParticipants(count)
	t.emit(PresenceEvent{Kind: PresenceLeft, Participant: snapshot, Synthetic: synthetic})
}

func (t *PresenceTracker) emit(event PresenceEvent) {
	t.mu.Lock()
	observers := make([]presenceObserver, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()
	for _, obs := range observers {
		obs.fn(event)
	}
}
