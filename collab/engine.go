package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ericfitz/huc/internal/slogging"
)

// ConflictPolicyManualChoice is the only supported conflict policy: conflicts
// are surfaced to the user for an explicit keep-local/keep-remote decision.
const ConflictPolicyManualChoice = "manual-choice"

// Config is the configuration surface the host application supplies for one
// engine instance.
type Config struct {
	ServerURL string
	SessionID string

	// Identity, supplied by the host's auth layer.
	ParticipantID string
	DisplayName   string
	Role          Role
	AuthToken     string

	BaseReconnectDelay     time.Duration
	MaxReconnectAttempts   int
	HeartbeatInterval      time.Duration
	PresenceSilenceTimeout time.Duration
	ConflictPolicy         string

	// InitialDocument and InitialVersion come from the REST layer's full
	// snapshot at session start.
	InitialDocument map[string]any
	InitialVersion  uint64

	// Registerer receives the engine's metrics; nil disables them.
	Registerer prometheus.Registerer

	// Dialer overrides the websocket dialer; used by tests.
	Dialer Dialer
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if c.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if c.ParticipantID == "" {
		return fmt.Errorf("participant id is required")
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictPolicyManualChoice
	}
	if c.ConflictPolicy != ConflictPolicyManualChoice {
		return fmt.Errorf("unsupported conflict policy %q", c.ConflictPolicy)
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PresenceSilenceTimeout <= 0 {
		c.PresenceSilenceTimeout = 90 * time.Second
	}
	if c.Role == "" {
		c.Role = RoleEditor
	}
	return nil
}

// Engine is the synchronization agent one collaborating client runs for one
// session. It exclusively owns the connection and the session store; no
// other subsystem mutates the store or holds a second handle to the live
// connection. Construct one per session and pass it by handle to consumers.
type Engine struct {
	cfg      Config
	conn     *ConnectionManager
	router   *MessageRouter
	presence *PresenceTracker
	queue    *MutationQueue
	resolver *ConflictResolver
	store    *SessionStore
	metrics  *Metrics

	// dispatchMu serializes inbound frame handling against local proposes,
	// so no two mutations apply concurrently to the store.
	dispatchMu sync.Mutex

	cancelSweep context.CancelFunc
	startOnce   sync.Once
	closeOnce   sync.Once
}

// NewEngine builds an engine for one session. It does not connect; call
// Start.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics = NewMetrics(cfg.Registerer)
	}

	store, err := NewSessionStore(cfg.InitialDocument, cfg.InitialVersion)
	if err != nil {
		return nil, err
	}

	conn := NewConnectionManager(ConnectionConfig{
		URL:                  cfg.ServerURL,
		AuthToken:            cfg.AuthToken,
		BaseReconnectDelay:   cfg.BaseReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		Dialer:               cfg.Dialer,
	}, metrics)

	e := &Engine{
		cfg:      cfg,
		conn:     conn,
		router:   NewMessageRouter(),
		presence: NewPresenceTracker(cfg.PresenceSilenceTimeout, metrics),
		store:    store,
		metrics:  metrics,
	}
	e.queue = NewMutationQueue(store, conn, cfg.SessionID, cfg.ParticipantID, metrics)
	e.resolver = NewConflictResolver(store, e.queue, metrics)

	e.registerHandlers()
	conn.SetFrameSink(e.handleFrame)
	e.router.Observe(func(event RouterEvent) {
		metrics.RecordFrameDropped(event.Kind)
	})
	return e, nil
}

// Start connects to the server and begins presence sweeping. Progress is
// observable via Connection().OnTransition.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(context.Background())
		e.cancelSweep = cancel
		interval := e.cfg.PresenceSilenceTimeout / 2
		if interval < time.Second {
			interval = time.Second
		}
		e.presence.StartSweeper(sweepCtx, interval)
		err = e.conn.Connect(e.cfg.SessionID)
	})
	return err
}

// Close tears the session down: pending mutations are discarded without
// rollback, the transport is closed immediately, and any reconnect wait is
// canceled.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.queue.DiscardPending()
		if e.cancelSweep != nil {
			e.cancelSweep()
		}
		e.conn.Disconnect()
		slogging.Get().Info("session %s engine closed", e.cfg.SessionID)
	})
}

// Propose applies a local edit optimistically and submits it to the server.
func (e *Engine) Propose(patch Patch) (string, error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	return e.queue.Propose(patch)
}

// Resolve applies a user decision to a surfaced conflict.
func (e *Engine) Resolve(conflictID string, choice ConflictChoice) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	return e.resolver.Resolve(conflictID, choice)
}

// UpdateCursor broadcasts the local participant's cursor position to the
// session. While not connected the frame queues like any other outbound send.
func (e *Engine) UpdateCursor(cursor Cursor) error {
	frame, err := EncodeFrame(MessageTypePresenceCursor, e.cfg.SessionID, PresenceCursorPayload{
		ParticipantID: e.cfg.ParticipantID,
		Cursor:        cursor,
	})
	if err != nil {
		return err
	}
	return e.conn.Send(frame)
}

// Store returns the session's read model.
func (e *Engine) Store() *SessionStore { return e.store }

// Presence returns the session's roster tracker.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Connection returns the session's connection manager.
func (e *Engine) Connection() *ConnectionManager { return e.conn }

// Router returns the session's message router, for diagnostics observers.
func (e *Engine) Router() *MessageRouter { return e.router }

// OnConflict registers a callback for conflicts awaiting user decision.
func (e *Engine) OnConflict(fn func(Conflict)) { e.resolver.OnConflict(fn) }

// OnMutationRejected registers a callback for server rejections.
func (e *Engine) OnMutationRejected(fn func(RejectionNotice)) { e.queue.OnRejected(fn) }

// Unresolved returns conflicts currently awaiting a decision.
func (e *Engine) Unresolved() []Conflict { return e.resolver.Unresolved() }

// handleFrame is the connection's frame sink. Frames dispatch one at a time,
// in arrival order, serialized against local proposes.
func (e *Engine) handleFrame(raw []byte) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	e.router.Dispatch(raw)
}

func (e *Engine) registerHandlers() {
	e.router.RegisterHandler(MessageTypePresenceJoined, func(env Envelope) {
		var p PresenceJoinedPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		role := p.Role
		if role == "" {
			role = RoleViewer
		}
		e.presence.OnJoin(p.ParticipantID, p.DisplayName, role)
	})

	e.router.RegisterHandler(MessageTypePresenceLeft, func(env Envelope) {
		var p PresenceLeftPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		e.presence.OnLeave(p.ParticipantID)
	})

	e.router.RegisterHandler(MessageTypePresenceCursor, func(env Envelope) {
		var p PresenceCursorPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		e.presence.OnCursorUpdate(p.ParticipantID, p.Cursor)
	})

	e.router.RegisterHandler(MessageTypeMutationAck, func(env Envelope) {
		var p MutationAckPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		e.queue.OnAck(p.LocalID, p.NewVersion)
	})

	e.router.RegisterHandler(MessageTypeMutationReject, func(env Envelope) {
		var p MutationRejectPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		e.queue.OnReject(p.LocalID, p.Reason)
	})

	e.router.RegisterHandler(MessageTypeMutationBroadcast, func(env Envelope) {
		var p MutationBroadcastPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		if p.Mutation.OriginParticipantID == e.cfg.ParticipantID {
			// Our own change echoed back; the ack path owns it.
			return
		}
		e.presence.Touch(p.Mutation.OriginParticipantID)
		e.queue.OnRemoteMutation(p.Mutation)
	})

	e.router.RegisterHandler(MessageTypeSessionState, func(env Envelope) {
		var p SessionStatePayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		if err := e.store.Reset(p.Document, p.Version); err != nil {
			slogging.Get().Error("failed to load session snapshot: %v", err)
			return
		}
		for _, participant := range p.Participants {
			if participant.ID == e.cfg.ParticipantID {
				continue
			}
			e.presence.OnJoin(participant.ID, participant.DisplayName, participant.Role)
		}
	})

	e.router.RegisterHandler(MessageTypeError, func(env Envelope) {
		var p ErrorPayload
		if err := e.decode(env, &p); err != nil {
			return
		}
		slogging.Get().Warn("server error %s: %s", p.Code, p.Message)
	})
}

// decode unmarshals a payload, downgrading failures to router events so a
// malformed payload can never crash the read path. Observers see these
// through MessageRouter.Observe like any other protocol error.
func (e *Engine) decode(env Envelope, dst interface{ Validate() error }) error {
	if err := env.DecodePayload(dst); err != nil {
		e.router.ReportMalformed(err.Error())
		return err
	}
	if err := dst.Validate(); err != nil {
		e.router.ReportMalformed(err.Error())
		return err
	}
	return nil
}
