package collab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ericfitz/huc/internal/slogging"
)

// ErrUnknownMutation is returned when an ack or reject names a local id that
// is not pending.
var ErrUnknownMutation = errors.New("unknown mutation")

// Sender transmits outbound frames. ConnectionManager satisfies it.
type Sender interface {
	Send(frame []byte) error
}

// RejectionNotice surfaces a server rejection to the UI after the optimistic
// patch has been rolled back.
type RejectionNotice struct {
	LocalID string
	Reason  string
	Patch   Patch
}

type pendingMutation struct {
	mutation Mutation
	// rollback restores the pre-mutation values captured at propose time.
	rollback Patch
}

// MutationQueue buffers locally-originated changes, applies them
// optimistically, and correlates them with server acknowledgements or
// rejections. It is the sole writer of a Mutation's status transition.
type MutationQueue struct {
	mu            sync.Mutex
	store         *SessionStore
	sender        Sender
	resolver      *ConflictResolver
	sessionID     string
	participantID string
	pending       map[string]*pendingMutation
	order         []string
	rejectObs     []func(RejectionNotice)
	metrics       *Metrics
}

// NewMutationQueue creates a queue bound to the session's store and sender.
func NewMutationQueue(store *SessionStore, sender Sender, sessionID, participantID string, metrics *Metrics) *MutationQueue {
	return &MutationQueue{
		store:         store,
		sender:        sender,
		sessionID:     sessionID,
		participantID: participantID,
		pending:       make(map[string]*pendingMutation),
		metrics:       metrics,
	}
}

// SetResolver wires the conflict resolver; done once by the engine.
func (q *MutationQueue) SetResolver(r *ConflictResolver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resolver = r
}

// OnRejected registers a callback for rejection notices.
func (q *MutationQueue) OnRejected(fn func(RejectionNotice)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rejectObs = append(q.rejectObs, fn)
}

// Propose assigns a fresh local id, applies the patch optimistically so the
// UI reflects it with zero round-trip latency, records the mutation as
// pending, and sends it to the server. Returns the local id.
//
// The optimistic apply runs outside q.mu: store subscribers fire lock-free
// and may call back into the queue. Callers that race Propose against
// inbound frames are serialized by the engine's dispatch lock.
func (q *MutationQueue) Propose(patch Patch) (string, error) {
	if len(patch) == 0 {
		return "", fmt.Errorf("patch must contain at least one field")
	}
	patch = patch.Clone()

	baseVersion := q.store.Version()
	rollback := make(Patch, len(patch))
	for path := range patch {
		if value, ok := q.store.ValueAt(path); ok {
			rollback[path] = value
		} else {
			rollback[path] = nil
		}
	}
	if _, err := q.store.Apply(patch); err != nil {
		return "", fmt.Errorf("optimistic apply failed: %w", err)
	}

	localID := uuid.New().String()
	mutation := Mutation{
		LocalID:             localID,
		BaseVersion:         baseVersion,
		Patch:               patch,
		OriginParticipantID: q.participantID,
		Status:              MutationPending,
	}
	q.mu.Lock()
	q.pending[localID] = &pendingMutation{mutation: mutation, rollback: rollback}
	q.order = append(q.order, localID)
	q.mu.Unlock()

	frame, err := EncodeFrame(MessageTypeMutationPropose, q.sessionID, MutationProposePayload{
		LocalID:             localID,
		BaseVersion:         baseVersion,
		Patch:               patch,
		OriginParticipantID: q.participantID,
	})
	if err != nil {
		return "", err
	}

	q.metrics.RecordMutationProposed()
	if err := q.sender.Send(frame); err != nil {
		slogging.Get().Warn("failed to send mutation %s: %v", localID, err)
	}
	return localID, nil
}

// OnAck marks the mutation acknowledged and advances the document version to
// the server-assigned value. Replaying an ack for an already-acknowledged
// mutation has no effect.
func (q *MutationQueue) OnAck(localID string, newVersion uint64) {
	q.mu.Lock()
	pm, ok := q.pending[localID]
	if !ok {
		q.mu.Unlock()
		return
	}
	pm.mutation.Status = MutationAcknowledged
	q.removeLocked(localID)
	q.mu.Unlock()

	q.store.AdvanceTo(newVersion)
	q.metrics.RecordMutationFinalized(MutationAcknowledged)
	slogging.Get().Debug("mutation %s acknowledged at version %d", localID, newVersion)
}

// OnReject marks the mutation rejected, rolls back the optimistic patch, and
// surfaces the rejection to the UI.
func (q *MutationQueue) OnReject(localID, reason string) {
	q.mu.Lock()
	pm, ok := q.pending[localID]
	if !ok {
		q.mu.Unlock()
		return
	}
	pm.mutation.Status = MutationRejected
	q.removeLocked(localID)
	observers := make([]func(RejectionNotice), len(q.rejectObs))
	copy(observers, q.rejectObs)
	q.mu.Unlock()

	if _, err := q.store.Apply(pm.rollback); err != nil {
		slogging.Get().Error("rollback of rejected mutation %s failed: %v", localID, err)
	}
	q.metrics.RecordMutationFinalized(MutationRejected)
	slogging.Get().Info("mutation %s rejected: %s", localID, reason)

	notice := RejectionNotice{LocalID: localID, Reason: reason, Patch: pm.mutation.Patch}
	for _, obs := range observers {
		obs(notice)
	}
}

// OnRemoteMutation handles a broadcast change from another participant. A
// mutation with no path overlap against any pending local mutation applies
// directly; an overlapping one is handed to the conflict resolver instead.
func (q *MutationQueue) OnRemoteMutation(remote Mutation) {
	q.mu.Lock()
	var local *Mutation
	for _, localID := range q.order {
		pm := q.pending[localID]
		if pm.mutation.Patch.Overlaps(remote.Patch) {
			snapshot := pm.mutation
			local = &snapshot
			break
		}
	}
	resolver := q.resolver
	q.mu.Unlock()

	if local != nil && resolver != nil {
		if conflict := resolver.Raise(*local, remote); conflict != nil {
			return
		}
	}
	q.applyRemote(remote)
}

func (q *MutationQueue) applyRemote(remote Mutation) {
	if _, err := q.store.Apply(remote.Patch); err != nil {
		slogging.Get().Error("failed to apply remote mutation %s: %v", remote.LocalID, err)
		return
	}
	q.store.AdvanceTo(remote.NewVersion)
}

// PendingCount reports how many mutations await a server verdict.
func (q *MutationQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingMutations returns pending mutations in proposal order.
func (q *MutationQueue) PendingMutations() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Mutation, 0, len(q.order))
	for _, localID := range q.order {
		out = append(out, q.pending[localID].mutation)
	}
	return out
}

// DiscardPending drops all pending mutations without rollback side effects;
// used on session teardown, where the session is ending, not erroring.
func (q *MutationQueue) DiscardPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]*pendingMutation)
	q.order = nil
}

// supersede marks a pending mutation superseded and removes it, returning
// its rollback patch. Called by the conflict resolver.
func (q *MutationQueue) supersede(localID string) (Patch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pm, ok := q.pending[localID]
	if !ok {
		return nil, false
	}
	pm.mutation.Status = MutationSuperseded
	q.removeLocked(localID)
	q.metrics.RecordMutationFinalized(MutationSuperseded)
	return pm.rollback, true
}

func (q *MutationQueue) removeLocked(localID string) {
	delete(q.pending, localID)
	for i, id := range q.order {
		if id == localID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
