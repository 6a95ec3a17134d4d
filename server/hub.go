// Package server is a reference broker for the synchronization engine: a
// single-process, in-memory counterpart that satisfies the wire contract the
// client-side engine expects. It is the arbiter of documentVersion.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/huc/collab"
	"github.com/ericfitz/huc/internal/slogging"
)

// Hub maintains active collaboration sessions.
type Hub struct {
	// Registered sessions by session ID
	sessions map[string]*Session
	// Mutex for thread safety
	mu sync.RWMutex
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// GetOrCreateSession returns an existing session or creates a new one.
func (h *Hub) GetOrCreateSession(sessionID string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.sessions[sessionID]; ok {
		session.touch()
		return session
	}

	session := newSession(sessionID)
	h.sessions[sessionID] = session
	go session.Run()
	return session
}

// CleanupInactiveSessions removes sessions with no clients or no activity
// for 15+ minutes.
func (h *Hub) CleanupInactiveSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeout := time.Now().UTC().Add(-15 * time.Minute)
	for sessionID, session := range h.sessions {
		session.mu.RLock()
		lastActivity := session.lastActivity
		clientCount := len(session.clients)
		session.mu.RUnlock()

		if lastActivity.Before(timeout) || clientCount == 0 {
			session.close()
			delete(h.sessions, sessionID)
		}
	}
}

// StartCleanupTimer starts a periodic cleanup timer.
func (h *Hub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveSessions()
		case <-ctx.Done():
			return
		}
	}
}

// appliedMutation records the paths a past mutation touched, used to decide
// whether a stale proposal can be rebased.
type appliedMutation struct {
	version uint64
	paths   map[string]struct{}
}

type proposal struct {
	client  *Client
	payload collab.MutationProposePayload
}

type cursorUpdate struct {
	client *Client
	cursor collab.Cursor
}

// Session is one live collaborative editing context. Its Run goroutine is
// the single writer of the document, version, and roster.
type Session struct {
	// Session ID
	ID string
	// Connected clients
	clients map[*Client]bool
	// Participant roster keyed by participant id, in join order
	roster []collab.Participant
	// Authoritative document state
	document []byte
	version  uint64
	history  []appliedMutation
	// Register requests
	register chan *Client
	// Unregister requests
	unregister chan *Client
	// Mutation proposals awaiting arbitration
	proposals chan proposal
	// Cursor updates to fan out
	cursors chan cursorUpdate
	// Last activity timestamp
	lastActivity time.Time
	closed       chan struct{}
	closeOnce    sync.Once
	// Mutex guarding fields read outside the Run goroutine
	mu sync.RWMutex
}

func newSession(sessionID string) *Session {
	return &Session{
		ID:           sessionID,
		clients:      make(map[*Client]bool),
		document:     []byte("{}"),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		proposals:    make(chan proposal, 64),
		cursors:      make(chan cursorUpdate, 64),
		lastActivity: time.Now().UTC(),
		closed:       make(chan struct{}),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		for client := range s.clients {
			close(client.send)
		}
		s.clients = make(map[*Client]bool)
		s.mu.Unlock()
	})
}

// Version returns the current authoritative document version.
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Run processes registration, proposals, and cursor traffic for a session.
func (s *Session) Run() {
	for {
		select {
		case client := <-s.register:
			s.handleRegister(client)
		case client := <-s.unregister:
			s.handleUnregister(client)
		case p := <-s.proposals:
			s.handlePropose(p)
		case c := <-s.cursors:
			s.handleCursor(c)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handleRegister(client *Client) {
	s.mu.Lock()
	s.clients[client] = true
	s.lastActivity = time.Now().UTC()
	s.roster = append(s.roster, collab.Participant{
		ID:          client.participantID,
		DisplayName: client.displayName,
		Role:        client.role,
		LastSeenAt:  time.Now().UTC(),
	})
	snapshot := collab.SessionStatePayload{Version: s.version, Participants: append([]collab.Participant{}, s.roster...)}
	_ = json.Unmarshal(s.document, &snapshot.Document)
	s.mu.Unlock()

	// The joining client gets the full snapshot; everyone else learns of
	// the join.
	if frame, err := collab.EncodeFrame(collab.MessageTypeSessionState, s.ID, snapshot); err == nil {
		client.enqueue(frame)
	}
	s.broadcast(collab.MessageTypePresenceJoined, collab.PresenceJoinedPayload{
		ParticipantID: client.participantID,
		DisplayName:   client.displayName,
		Role:          client.role,
	}, client)
}

func (s *Session) handleUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	close(client.send)
	for i, p := range s.roster {
		if p.ID == client.participantID {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	s.broadcast(collab.MessageTypePresenceLeft, collab.PresenceLeftPayload{
		ParticipantID: client.participantID,
	}, client)
}

// handlePropose arbitrates a mutation proposal. A proposal based on the
// current version is applied. A stale proposal whose paths are disjoint from
// every mutation applied after its base version is rebased and applied.
// Anything else is rejected with version-conflict; the proposer resolves the
// overlap locally from the broadcast it already received.
func (s *Session) handlePropose(p proposal) {
	payload := p.payload

	s.mu.Lock()
	if payload.BaseVersion < s.version && s.overlapsSinceLocked(payload.BaseVersion, payload.Patch) {
		s.mu.Unlock()
		reject := collab.MutationRejectPayload{LocalID: payload.LocalID, Reason: "version-conflict"}
		if frame, err := collab.EncodeFrame(collab.MessageTypeMutationReject, s.ID, reject); err == nil {
			p.client.enqueue(frame)
		}
		slogging.Get().Info("session %s rejected mutation %s from %s (base %d, version %d)",
			s.ID, payload.LocalID, p.client.participantID, payload.BaseVersion, s.version)
		return
	}

	patched, err := collab.ApplyPatch(s.document, payload.Patch)
	if err != nil {
		s.mu.Unlock()
		reject := collab.MutationRejectPayload{LocalID: payload.LocalID, Reason: "invalid-patch"}
		if frame, encErr := collab.EncodeFrame(collab.MessageTypeMutationReject, s.ID, reject); encErr == nil {
			p.client.enqueue(frame)
		}
		slogging.Get().Warn("session %s mutation %s failed to apply: %v", s.ID, payload.LocalID, err)
		return
	}

	s.document = patched
	s.version++
	newVersion := s.version
	paths := make(map[string]struct{}, len(payload.Patch))
	for _, path := range payload.Patch.Paths() {
		paths[path] = struct{}{}
	}
	s.history = append(s.history, appliedMutation{version: newVersion, paths: paths})
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	ack := collab.MutationAckPayload{LocalID: payload.LocalID, NewVersion: newVersion}
	if frame, err := collab.EncodeFrame(collab.MessageTypeMutationAck, s.ID, ack); err == nil {
		p.client.enqueue(frame)
	}

	s.broadcast(collab.MessageTypeMutationBroadcast, collab.MutationBroadcastPayload{
		Mutation: collab.Mutation{
			LocalID:             payload.LocalID,
			BaseVersion:         payload.BaseVersion,
			NewVersion:          newVersion,
			Patch:               payload.Patch,
			OriginParticipantID: p.client.participantID,
		},
	}, p.client)
}

func (s *Session) handleCursor(c cursorUpdate) {
	s.mu.Lock()
	for i := range s.roster {
		if s.roster[i].ID == c.client.participantID {
			cursor := c.cursor
			s.roster[i].Cursor = &cursor
			s.roster[i].LastSeenAt = time.Now().UTC()
			break
		}
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	s.broadcast(collab.MessageTypePresenceCursor, collab.PresenceCursorPayload{
		ParticipantID: c.client.participantID,
		Cursor:        c.cursor,
	}, c.client)
}

// overlapsSinceLocked reports whether any mutation applied after baseVersion
// touched a path in the patch. Callers hold s.mu.
func (s *Session) overlapsSinceLocked(baseVersion uint64, patch collab.Patch) bool {
	for _, applied := range s.history {
		if applied.version <= baseVersion {
			continue
		}
		for _, path := range patch.Paths() {
			if _, ok := applied.paths[path]; ok {
				return true
			}
		}
	}
	return false
}

// broadcast sends a frame to every client except the origin.
func (s *Session) broadcast(messageType collab.MessageType, payload any, exclude *Client) {
	frame, err := collab.EncodeFrame(messageType, s.ID, payload)
	if err != nil {
		slogging.Get().Error("failed to encode %s broadcast: %v", messageType, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if client == exclude {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow consumer; drop it rather than stall the session.
			close(client.send)
			delete(s.clients, client)
		}
	}
}

// Client is one connected engine instance.
type Client struct {
	session *Session
	conn    *websocket.Conn
	// Buffered channel of outbound frames
	send          chan []byte
	participantID string
	displayName   string
	role          collab.Role
}

// NewClient wires a websocket connection into a session.
func NewClient(session *Session, conn *websocket.Conn, participantID, displayName string, role collab.Role) *Client {
	if participantID == "" {
		participantID = uuid.New().String()
	}
	return &Client{
		session:       session,
		conn:          conn,
		send:          make(chan []byte, 256),
		participantID: participantID,
		displayName:   displayName,
		role:          role,
	}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

// ReadPump pumps frames from the websocket into the session.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.session.unregister <- c:
		case <-c.session.closed:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slogging.Get().Warn("websocket error for %s: %v", c.participantID, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var env collab.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			slogging.Get().Debug("dropping malformed frame from %s: %v", c.participantID, err)
			continue
		}

		switch env.MessageType {
		case collab.MessageTypeHeartbeatPing:
			if frame, err := collab.EncodeFrame(collab.MessageTypeHeartbeatPong, c.session.ID, nil); err == nil {
				c.enqueue(frame)
			}
		case collab.MessageTypePresenceCursor:
			var p collab.PresenceCursorPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			select {
			case c.session.cursors <- cursorUpdate{client: c, cursor: p.Cursor}:
			case <-c.session.closed:
				return
			}
		case collab.MessageTypeMutationPropose:
			var p collab.MutationProposePayload
			if err := env.DecodePayload(&p); err != nil || p.Validate() != nil {
				continue
			}
			// Identity comes from the verified token, not the frame.
			p.OriginParticipantID = c.participantID
			select {
			case c.session.proposals <- proposal{client: c, payload: p}:
			case <-c.session.closed:
				return
			}
		default:
			slogging.Get().Debug("ignoring %s frame from %s", env.MessageType, c.participantID)
		}
	}
}

// WritePump pumps frames from the session to the websocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Session closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
