package collab

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ericfitz/huc/internal/slogging"
)

// ErrUnknownConflict is returned when a resolution names a conflict id that
// is not active.
var ErrUnknownConflict = errors.New("unknown conflict")

// ConflictChoice is the user's resolution decision. Conflicts are never
// silently resolved by last-writer-wins; the product surfaces an explicit
// choice dialog.
type ConflictChoice string

const (
	ChoiceKeepLocal  ConflictChoice = "keep-local"
	ChoiceKeepRemote ConflictChoice = "keep-remote"
)

// ConflictResolution is the recorded outcome of a conflict.
type ConflictResolution string

const (
	ResolutionUnresolved ConflictResolution = "unresolved"
	ResolutionKeepLocal  ConflictResolution = "keep-local"
	ResolutionKeepRemote ConflictResolution = "keep-remote"
	ResolutionMerged     ConflictResolution = "merged"
)

// Conflict pairs a pending local mutation with a remote one that touches
// overlapping paths without having observed the local change.
type Conflict struct {
	ID         string
	Local      Mutation
	Remote     Mutation
	Paths      []string
	Resolution ConflictResolution
}

// ConflictResolver detects concurrent overlapping edits and applies the
// user's resolution. At most one unresolved conflict is surfaced per
// overlapping path-set; later conflicting mutations queue behind it and are
// re-evaluated once it resolves. There is no resolution timeout — a conflict
// stays open until a user decision arrives.
type ConflictResolver struct {
	mu        sync.Mutex
	store     *SessionStore
	queue     *MutationQueue
	active    map[string]*Conflict
	byID      map[string]*Conflict
	waiting   map[string][]Mutation
	observers []func(Conflict)
	metrics   *Metrics
}

// NewConflictResolver creates a resolver and wires it into the queue.
func NewConflictResolver(store *SessionStore, queue *MutationQueue, metrics *Metrics) *ConflictResolver {
	r := &ConflictResolver{
		store:   store,
		queue:   queue,
		active:  make(map[string]*Conflict),
		byID:    make(map[string]*Conflict),
		waiting: make(map[string][]Mutation),
		metrics: metrics,
	}
	queue.SetResolver(r)
	return r
}

// OnConflict registers a callback invoked when a conflict is surfaced for
// user decision.
func (r *ConflictResolver) OnConflict(fn func(Conflict)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Detect reports whether the two mutations conflict: they must touch at
// least one common path, and the remote mutation must not have observed the
// local change. Path overlap is symmetric, so Detect(a, b) and Detect(b, a)
// agree on the overlap outcome.
func (r *ConflictResolver) Detect(local, remote Mutation) *Conflict {
	paths := local.Patch.OverlappingPaths(remote.Patch)
	if len(paths) == 0 {
		return nil
	}
	// The local optimistic apply put the in-flight version at base+1. A
	// remote mutation based at or above that already accounts for the local
	// change and is an ordinary update, not a conflict.
	if remote.BaseVersion > local.BaseVersion {
		return nil
	}
	return &Conflict{
		ID:         uuid.New().String(),
		Local:      local,
		Remote:     remote,
		Paths:      paths,
		Resolution: ResolutionUnresolved,
	}
}

// Raise runs detection and, on a conflict, either surfaces it or queues it
// behind the active conflict for the same path-set. Returns nil when the
// pair is not in conflict.
func (r *ConflictResolver) Raise(local, remote Mutation) *Conflict {
	conflict := r.Detect(local, remote)
	if conflict == nil {
		return nil
	}
	key := pathSetKey(conflict.Paths)

	r.mu.Lock()
	if _, busy := r.active[key]; busy {
		r.waiting[key] = append(r.waiting[key], remote)
		r.mu.Unlock()
		slogging.Get().Debug("conflict on %v queued behind active conflict", conflict.Paths)
		return conflict
	}
	r.active[key] = conflict
	r.byID[conflict.ID] = conflict
	observers := make([]func(Conflict), len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	r.metrics.RecordConflictDetected()
	slogging.Get().Info("conflict %s detected on %v (local %s vs remote %s)",
		conflict.ID, conflict.Paths, local.LocalID, remote.LocalID)
	for _, obs := range observers {
		obs(*conflict)
	}
	return conflict
}

// Resolve applies the user's choice for an active conflict.
//
// keep-local re-submits the local patch as a new mutation based on the
// current document version, applying only the remote patch's non-conflicting
// fields. keep-remote rolls back the local pending mutation and applies the
// remote patch in full. Either way the local mutation ends superseded.
func (r *ConflictResolver) Resolve(conflictID string, choice ConflictChoice) error {
	r.mu.Lock()
	conflict, ok := r.byID[conflictID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConflict, conflictID)
	}
	key := pathSetKey(conflict.Paths)
	delete(r.byID, conflictID)
	delete(r.active, key)
	requeued := r.waiting[key]
	delete(r.waiting, key)
	r.mu.Unlock()

	switch choice {
	case ChoiceKeepLocal:
		if residual := conflict.Remote.Patch.WithoutPaths(conflict.Paths); len(residual) > 0 {
			if _, err := r.store.Apply(residual); err != nil {
				slogging.Get().Error("failed to apply non-conflicting remote fields: %v", err)
			}
		}
		r.store.AdvanceTo(conflict.Remote.NewVersion)
		r.queue.supersede(conflict.Local.LocalID)
		if _, err := r.queue.Propose(conflict.Local.Patch); err != nil {
			return fmt.Errorf("failed to resubmit local patch: %w", err)
		}
		conflict.Resolution = ResolutionKeepLocal

	case ChoiceKeepRemote:
		if rollback, ok := r.queue.supersede(conflict.Local.LocalID); ok {
			if _, err := r.store.Apply(rollback); err != nil {
				slogging.Get().Error("rollback of superseded mutation failed: %v", err)
			}
		}
		if _, err := r.store.Apply(conflict.Remote.Patch); err != nil {
			return fmt.Errorf("failed to apply remote patch: %w", err)
		}
		r.store.AdvanceTo(conflict.Remote.NewVersion)
		conflict.Resolution = ResolutionKeepRemote

	default:
		return fmt.Errorf("unsupported resolution choice %q", choice)
	}

	r.metrics.RecordConflictResolved(choice)
	slogging.Get().Info("conflict %s resolved: %s", conflict.ID, choice)

	// Re-evaluate mutations that queued behind this conflict, in arrival
	// order. They may conflict with a still-pending local mutation or now
	// apply cleanly.
	for _, remote := range requeued {
		r.queue.OnRemoteMutation(remote)
	}
	return nil
}

// Unresolved returns the currently surfaced conflicts.
func (r *ConflictResolver) Unresolved() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, *c)
	}
	return out
}

func pathSetKey(paths []string) string {
	return strings.Join(paths, "\x00")
}
