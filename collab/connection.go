package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/ericfitz/huc/internal/slogging"
)

// ConnectionState is the lifecycle state of the one persistent connection a
// session owns. ConnectionManager is its exclusive owner.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransitionReason explains why a state transition occurred.
type TransitionReason string

const (
	ReasonManual           TransitionReason = "manual"
	ReasonTransportError   TransitionReason = "transport-error"
	ReasonHeartbeatTimeout TransitionReason = "heartbeat-timeout"
	ReasonServerClose      TransitionReason = "server-close"
)

// StateTransition is delivered to every transition observer.
type StateTransition struct {
	From    ConnectionState
	To      ConnectionState
	Reason  TransitionReason
	Attempt int
}

// Conn is the duplex transport owned by a ConnectionManager. A gorilla
// *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes transport connections; swapped out in tests.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func (d websocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ErrNotRunning is returned when Connect has not been called or the manager
// has been torn down.
var ErrNotRunning = errors.New("connection manager is not running")

// ConnectionConfig holds the tunables for one ConnectionManager.
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	Dialer               Dialer
}

// ConnectionManager owns the persistent duplex connection for one session.
// It handles connect, heartbeat, failure detection, and reconnection with
// exponential backoff. State transitions are published to any number of
// observers rather than to a single reassignable callback.
type ConnectionManager struct {
	cfg       ConnectionConfig
	sessionID string
	metrics   *Metrics

	mu          sync.Mutex
	state       ConnectionState
	conn        Conn
	writeMu     sync.Mutex
	sendQueue   [][]byte
	attempts    int
	observers   []transitionObserver
	nextObs     uint64
	frameSink   func([]byte)
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	transitions chan StateTransition

	// wait blocks for the backoff delay; tests replace it to avoid sleeping.
	wait func(ctx context.Context, d time.Duration) bool

	lastPongMu sync.Mutex
	lastPong   time.Time
}

type transitionObserver struct {
	id uint64
	fn func(StateTransition)
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnectionConfig, metrics *Metrics) *ConnectionManager {
	if cfg.Dialer == nil {
		cfg.Dialer = websocketDialer{dialer: websocket.DefaultDialer}
	}
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	m := &ConnectionManager{
		cfg:     cfg,
		metrics: metrics,
		state:   StateDisconnected,
	}
	m.wait = func(ctx context.Context, d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers an observer for state transitions. Observers are
// invoked synchronously in registration order; the returned function cancels
// the registration.
func (m *ConnectionManager) OnTransition(fn func(StateTransition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, transitionObserver{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, obs := range m.observers {
			if obs.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// SetFrameSink installs the consumer for inbound frames. Must be set before
// Connect; the engine points it at its router.
func (m *ConnectionManager) SetFrameSink(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameSink = fn
}

// Connect starts the connection loop for the given session. It returns
// immediately; progress is observable through state transitions.
func (m *ConnectionManager) Connect(sessionID string) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return fmt.Errorf("connect called in state %s", m.state)
	}
	m.sessionID = sessionID
	m.attempts = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	m.transitions = make(chan StateTransition, 64)
	go m.dispatchTransitions(m.transitions)
	tr, changed := m.transitionLocked(StateConnecting, ReasonManual)
	m.mu.Unlock()
	m.publish(tr, changed)

	go m.run()
	return nil
}

// Send transmits a frame when Connected. While not Connected, frames are
// queued in FIFO order and flushed, in order, immediately after the next
// Connected transition.
func (m *ConnectionManager) Send(frame []byte) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		if m.state == StateFailed {
			m.mu.Unlock()
			return ErrNotRunning
		}
		m.sendQueue = append(m.sendQueue, frame)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	return m.write(conn, frame)
}

// Disconnect closes the transport immediately, cancels any pending reconnect
// wait, and settles in Disconnected. This is session teardown, not an error.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	if m.state == StateDisconnected || cancel == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
}

func (m *ConnectionManager) run() {
	defer close(m.done)
	defer close(m.transitions)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.BaseReconnectDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0

	for {
		conn, err := m.cfg.Dialer.DialContext(m.ctx, m.cfg.URL, m.dialHeader())
		if err != nil {
			if m.ctx.Err() != nil {
				m.settle(StateDisconnected, ReasonManual)
				return
			}
			slogging.Get().Warn("dial %s failed: %v", m.cfg.URL, err)
			if !m.scheduleRetry(policy, ReasonTransportError) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.attempts = 0
		queued := m.sendQueue
		m.sendQueue = nil
		tr, changed := m.transitionLocked(StateConnected, ReasonManual)
		m.mu.Unlock()
		m.publish(tr, changed)
		policy.Reset()
		m.setLastPong(time.Now())

		for i, frame := range queued {
			if err := m.write(conn, frame); err != nil {
				slogging.Get().Warn("failed to flush queued frame: %v", err)
				// Requeue the remainder in order; the read loop notices the
				// broken transport and drives reconnection.
				m.mu.Lock()
				m.sendQueue = append(append([][]byte{}, queued[i:]...), m.sendQueue...)
				m.mu.Unlock()
				break
			}
		}

		reason := m.serve(conn)
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if reason == ReasonManual {
			m.settle(StateDisconnected, ReasonManual)
			return
		}
		if !m.scheduleRetry(policy, reason) {
			return
		}
	}
}

// serve pumps the connection until it breaks, returning the reason.
func (m *ConnectionManager) serve(conn Conn) TransitionReason {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if m.consumePong(data) {
				continue
			}
			m.mu.Lock()
			sink := m.frameSink
			m.mu.Unlock()
			if sink != nil {
				sink(data)
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			_ = conn.Close()
			<-readErr
			return ReasonManual
		case err := <-readErr:
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonServerClose
			}
			return ReasonTransportError
		case <-ticker.C:
			if time.Since(m.getLastPong()) > 2*m.cfg.HeartbeatInterval {
				slogging.Get().Warn("heartbeat pong missing for %s; forcing reconnect", 2*m.cfg.HeartbeatInterval)
				_ = conn.Close()
				<-readErr
				return ReasonHeartbeatTimeout
			}
			frame, err := EncodeFrame(MessageTypeHeartbeatPing, m.sessionID, nil)
			if err == nil {
				if err := m.write(conn, frame); err != nil {
					slogging.Get().Debug("heartbeat write failed: %v", err)
				}
			}
		}
	}
}

// scheduleRetry transitions to Reconnecting and waits out the backoff delay.
// It returns false when attempts are exhausted (Failed) or the manager was
// torn down (Disconnected).
func (m *ConnectionManager) scheduleRetry(policy backoff.BackOff, reason TransitionReason) bool {
	m.mu.Lock()
	m.attempts++
	if m.cfg.MaxReconnectAttempts > 0 && m.attempts > m.cfg.MaxReconnectAttempts {
		tr, changed := m.transitionLocked(StateFailed, reason)
		m.mu.Unlock()
		m.publish(tr, changed)
		return false
	}
	tr, changed := m.transitionLocked(StateReconnecting, reason)
	m.mu.Unlock()
	m.publish(tr, changed)

	m.metrics.RecordReconnectAttempt()
	delay := policy.NextBackOff()
	if !m.wait(m.ctx, delay) {
		m.settle(StateDisconnected, ReasonManual)
		return false
	}

	m.mu.Lock()
	tr, changed = m.transitionLocked(StateConnecting, reason)
	m.mu.Unlock()
	m.publish(tr, changed)
	return true
}

func (m *ConnectionManager) settle(state ConnectionState, reason TransitionReason) {
	m.mu.Lock()
	m.sendQueue = nil
	tr, changed := m.transitionLocked(state, reason)
	m.mu.Unlock()
	m.publish(tr, changed)
}

// transitionLocked records a state change and returns it for publication
// once m.mu is released. Callers hold m.mu.
func (m *ConnectionManager) transitionLocked(to ConnectionState, reason TransitionReason) (StateTransition, bool) {
	if m.state == to {
		return StateTransition{}, false
	}
	from := m.state
	m.state = to

	m.metrics.RecordStateTransition(to, reason)
	slogging.Get().Info("connection %s -> %s (%s)", from, to, reason)
	return StateTransition{From: from, To: to, Reason: reason, Attempt: m.attempts}, true
}

// publish queues a recorded transition for ordered delivery. It runs outside
// m.mu, so a full buffer behind a stalled observer blocks only the sender,
// never an observer re-entering the manager.
func (m *ConnectionManager) publish(tr StateTransition, changed bool) {
	if changed {
		m.transitions <- tr
	}
}

// dispatchTransitions delivers state changes to observers one at a time, in
// the order they occurred.
func (m *ConnectionManager) dispatchTransitions(transitions <-chan StateTransition) {
	for transition := range transitions {
		m.mu.Lock()
		observers := make([]transitionObserver, len(m.observers))
		copy(observers, m.observers)
		m.mu.Unlock()
		for _, obs := range observers {
			obs.fn(transition)
		}
	}
}

func (m *ConnectionManager) dialHeader() http.Header {
	header := http.Header{}
	if m.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}
	return header
}

func (m *ConnectionManager) write(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// consumePong handles heartbeat:pong frames internally so the router never
// sees liveness traffic.
func (m *ConnectionManager) consumePong(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	if env.MessageType != MessageTypeHeartbeatPong {
		return false
	}
	m.setLastPong(time.Now())
	return true
}

func (m *ConnectionManager) setLastPong(t time.Time) {
	m.lastPongMu.Lock()
	defer m.lastPongMu.Unlock()
	m.lastPong = t
}

func (m *ConnectionManager) getLastPong() time.Time {
	m.lastPongMu.Lock()
	defer m.lastPongMu.Unlock()
	return m.lastPong
}
