package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/ericfitz/huc/internal/slogging"
)

// SessionStore is the authoritative in-memory projection of shared document
// state. It is the single read model the UI observes. Only MutationQueue and
// ConflictResolver write to it; UI code must never call Apply directly.
type SessionStore struct {
	mu       sync.RWMutex
	document []byte
	version  uint64
	subs     []storeSubscriber
	nextSub  uint64
}

type storeSubscriber struct {
	id uint64
	fn func(Snapshot)
}

// Snapshot is an immutable view of store state handed to subscribers.
type Snapshot struct {
	Version  uint64
	Document map[string]any
}

// NewSessionStore creates a store seeded with the initial document snapshot
// and version supplied by the REST layer at session start.
func NewSessionStore(initial map[string]any, version uint64) (*SessionStore, error) {
	if initial == nil {
		initial = map[string]any{}
	}
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize initial document: %w", err)
	}
	return &SessionStore{document: raw, version: version}, nil
}

// Version returns the current document version.
func (s *SessionStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns a snapshot of the current state.
func (s *SessionStore) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *SessionStore) snapshotLocked() Snapshot {
	var doc map[string]any
	// The document is always valid JSON produced by this store.
	_ = json.Unmarshal(s.document, &doc)
	return Snapshot{Version: s.version, Document: doc}
}

// ValueAt returns the value at a dot-separated field path and whether the
// path exists in the current document.
func (s *SessionStore) ValueAt(path string) (any, bool) {
	snap := s.Get()
	node := any(snap.Document)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// ApplyPatch merges a field-path patch into a JSON document and returns the
// patched document. Shared by the store and the reference broker.
func ApplyPatch(document []byte, patch Patch) ([]byte, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("patch must contain at least one field")
	}
	mergeBytes, err := patch.mergePatch()
	if err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(document, mergeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	return merged, nil
}

// Apply merges the patch into the document, increments the version by exactly
// one, and notifies all subscribers synchronously in subscription order.
func (s *SessionStore) Apply(patch Patch) (uint64, error) {
	s.mu.Lock()
	merged, err := ApplyPatch(s.document, patch)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.document = merged
	s.version++
	snap := s.snapshotLocked()
	subs := make([]storeSubscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snap)
	}
	return snap.Version, nil
}

// AdvanceTo raises the document version to the server-assigned value. The
// version is monotonic; an equal or lower value is a no-op, which makes
// replayed acknowledgements harmless.
func (s *SessionStore) AdvanceTo(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.version {
		s.version = version
	}
}

// Reset replaces the whole document and version, used when a session:state
// snapshot arrives. Subscribers are notified like any other apply.
func (s *SessionStore) Reset(document map[string]any, version uint64) error {
	if document == nil {
		document = map[string]any{}
	}
	raw, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to serialize document snapshot: %w", err)
	}

	s.mu.Lock()
	if version < s.version {
		slogging.Get().Warn("session snapshot version %d is behind local version %d; taking server state", version, s.version)
	}
	s.document = raw
	s.version = version
	snap := s.snapshotLocked()
	subs := make([]storeSubscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snap)
	}
	return nil
}

// Subscribe registers a callback invoked synchronously after every apply.
// The returned function cancels the subscription.
func (s *SessionStore) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, storeSubscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}
