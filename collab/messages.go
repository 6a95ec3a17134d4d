package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Wire Message Types
// These types implement the synchronization protocol envelope exchanged
// between the engine and its server counterpart. Every frame is a JSON
// Envelope whose payload is one of the typed payload structs below.

// MessageType identifies the kind of a wire frame.
type MessageType string

const (
	// Presence messages
	MessageTypePresenceJoined MessageType = "presence:joined"
	MessageTypePresenceLeft   MessageType = "presence:left"
	MessageTypePresenceCursor MessageType = "presence:cursor"

	// Mutation messages
	MessageTypeMutationPropose   MessageType = "mutation:propose"
	MessageTypeMutationAck       MessageType = "mutation:ack"
	MessageTypeMutationReject    MessageType = "mutation:reject"
	MessageTypeMutationBroadcast MessageType = "mutation:broadcast"

	// Liveness messages
	MessageTypeHeartbeatPing MessageType = "heartbeat:ping"
	MessageTypeHeartbeatPong MessageType = "heartbeat:pong"

	// Session lifecycle messages
	MessageTypeSessionState MessageType = "session:state"
	MessageTypeError        MessageType = "error"
)

// Envelope is the base structure for all frames on the wire.
type Envelope struct {
	MessageType MessageType     `json:"message_type"`
	SessionID   string          `json:"session_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope carries a message type.
func (e Envelope) Validate() error {
	if e.MessageType == "" {
		return fmt.Errorf("message_type is required")
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", e.MessageType)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.MessageType, err)
	}
	return nil
}

// Patch is a flat map of dot-separated field paths to new values,
// e.g. {"physics.gravity": 5.0}. A nil value deletes the field.
type Patch map[string]any

// Paths returns the patched field paths in sorted order.
func (p Patch) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Overlaps reports whether the two patches touch at least one common path.
func (p Patch) Overlaps(other Patch) bool {
	return len(p.OverlappingPaths(other)) > 0
}

// OverlappingPaths returns the sorted set of paths present in both patches.
func (p Patch) OverlappingPaths(other Patch) []string {
	var shared []string
	for path := range p {
		if _, ok := other[path]; ok {
			shared = append(shared, path)
		}
	}
	sort.Strings(shared)
	return shared
}

// WithoutPaths returns a copy of the patch with the given paths removed.
func (p Patch) WithoutPaths(paths []string) Patch {
	out := make(Patch, len(p))
	for path, value := range p {
		out[path] = value
	}
	for _, path := range paths {
		delete(out, path)
	}
	return out
}

// Clone returns a shallow copy of the patch.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for path, value := range p {
		out[path] = value
	}
	return out
}

// mergePatch expands the flat path map into a nested JSON merge patch
// document (RFC 7386). Nil values become JSON null, which deletes the field.
func (p Patch) mergePatch() ([]byte, error) {
	root := map[string]any{}
	for _, path := range p.Paths() {
		value := p[path]
		if path == "" {
			return nil, fmt.Errorf("empty field path")
		}
		segments := strings.Split(path, ".")
		node := root
		for _, segment := range segments[:len(segments)-1] {
			if segment == "" {
				return nil, fmt.Errorf("field path %q has an empty segment", path)
			}
			child, ok := node[segment].(map[string]any)
			if !ok {
				if existing, present := node[segment]; present {
					return nil, fmt.Errorf("field path %q conflicts with value at %v", path, existing)
				}
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		leaf := segments[len(segments)-1]
		if leaf == "" {
			return nil, fmt.Errorf("field path %q has an empty segment", path)
		}
		node[leaf] = value
	}
	return json.Marshal(root)
}

// Cursor is a participant's live position within the shared document view.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Role is a participant's permission level within a session.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is one connected user within a session.
type Participant struct {
	ID          string    `json:"participant_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// joinOrder preserves insertion order for stable roster listings.
	joinOrder uint64
}

// MutationStatus is the lifecycle state of a proposed change.
type MutationStatus string

const (
	MutationPending      MutationStatus = "pending"
	MutationAcknowledged MutationStatus = "acknowledged"
	MutationRejected     MutationStatus = "rejected"
	MutationSuperseded   MutationStatus = "superseded"
)

// Mutation is a single proposed change to shared document state.
type Mutation struct {
	LocalID             string         `json:"local_id"`
	BaseVersion         uint64         `json:"base_version"`
	NewVersion          uint64         `json:"new_version,omitempty"`
	Patch               Patch          `json:"patch"`
	OriginParticipantID string         `json:"origin_participant_id"`
	Status              MutationStatus `json:"-"`
}

// Validate checks the wire-required mutation fields.
func (m Mutation) Validate() error {
	if m.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if len(m.Patch) == 0 {
		return fmt.Errorf("patch must contain at least one field")
	}
	return nil
}

// Payload types, one per message type.

type PresenceJoinedPayload struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Role          Role   `json:"role,omitempty"`
}

func (p PresenceJoinedPayload) Validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	return nil
}

type PresenceLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}

func (p PresenceLeftPayload) Validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	return nil
}

type PresenceCursorPayload struct {
	ParticipantID string `json:"participant_id"`
	Cursor        Cursor `json:"cursor"`
}

func (p PresenceCursorPayload) Validate() error {
	if p.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	return nil
}

type MutationProposePayload struct {
	LocalID             string `json:"local_id"`
	BaseVersion         uint64 `json:"base_version"`
	Patch               Patch  `json:"patch"`
	OriginParticipantID string `json:"origin_participant_id"`
}

func (p MutationProposePayload) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if len(p.Patch) == 0 {
		return fmt.Errorf("patch must contain at least one field")
	}
	return nil
}

type MutationAckPayload struct {
	LocalID    string `json:"local_id"`
	NewVersion uint64 `json:"new_version"`
}

func (p MutationAckPayload) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	return nil
}

type MutationRejectPayload struct {
	LocalID string `json:"local_id"`
	Reason  string `json:"reason"`
}

func (p MutationRejectPayload) Validate() error {
	if p.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	return nil
}

type MutationBroadcastPayload struct {
	Mutation Mutation `json:"mutation"`
}

func (p MutationBroadcastPayload) Validate() error {
	return p.Mutation.Validate()
}

// SessionStatePayload carries a full document snapshot, sent on join and in
// answer to a resync after reconnection.
type SessionStatePayload struct {
	Document     map[string]any `json:"document"`
	Version      uint64         `json:"version"`
	Participants []Participant  `json:"participants,omitempty"`
}

func (p SessionStatePayload) Validate() error {
	if p.Document == nil {
		return fmt.Errorf("document is required")
	}
	return nil
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p ErrorPayload) Validate() error {
	if p.Code == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

// EncodeFrame marshals a typed payload into a wire frame.
func EncodeFrame(messageType MessageType, sessionID string, payload any) ([]byte, error) {
	env := Envelope{
		MessageType: messageType,
		SessionID:   sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", messageType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
