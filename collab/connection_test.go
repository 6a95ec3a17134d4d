package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Reads block until a frame is queued with
// deliver or the connection is broken with fail/Close.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	broken  chan struct{}
	once    sync.Once
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		broken:  make(chan struct{}),
		readErr: errors.New("use of closed network connection"),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.broken:
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.broken:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.broken) })
	return nil
}

func (c *fakeConn) deliver(frame []byte) { c.inbound <- frame }

// fail breaks the read loop with the given error, as a dropped transport would.
func (c *fakeConn) fail(err error) {
	c.readErr = err
	c.once.Do(func() { close(c.broken) })
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer returns scripted outcomes, one per dial attempt. A nil entry
// means the dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	script  []*fakeConn
	dials   int
	headers []http.Header
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header)
	i := d.dials
	d.dials++
	if i >= len(d.script) || d.script[i] == nil {
		return nil, errors.New("connection refused")
	}
	return d.script[i], nil
}

func observeTransitions(m *ConnectionManager) <-chan StateTransition {
	ch := make(chan StateTransition, 32)
	m.OnTransition(func(t StateTransition) { ch <- t })
	return ch
}

func nextTransition(t *testing.T, ch <-chan StateTransition) StateTransition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state transition")
		return StateTransition{}
	}
}

func instantWait(m *ConnectionManager) {
	m.wait = func(ctx context.Context, d time.Duration) bool {
		return ctx.Err() == nil
	}
}

func TestConnectionManager_ConnectAndDisconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test/ws/s1",
		AuthToken:         "tok",
		HeartbeatInterval: time.Hour,
		Dialer:            dialer,
	}, nil)
	transitions := observeTransitions(m)

	require.NoError(t, m.Connect("s1"))

	tr := nextTransition(t, transitions)
	assert.Equal(t, StateDisconnected, tr.From)
	assert.Equal(t, StateConnecting, tr.To)

	tr = nextTransition(t, transitions)
	assert.Equal(t, StateConnected, tr.To)
	assert.Equal(t, StateConnected, m.State())

	// The dial carried the bearer token.
	require.NotEmpty(t, dialer.headers)
	assert.Equal(t, "Bearer tok", dialer.headers[0].Get("Authorization"))

	m.Disconnect()
	tr = nextTransition(t, transitions)
	assert.Equal(t, StateDisconnected, tr.To)
	assert.Equal(t, ReasonManual, tr.Reason)
}

func TestConnectionManager_ConnectTwiceFails(t *testing.T) {
	conn := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: time.Hour,
		Dialer:            &fakeDialer{script: []*fakeConn{conn}},
	}, nil)
	transitions := observeTransitions(m)

	require.NoError(t, m.Connect("s1"))
	assert.Error(t, m.Connect("s1"))

	nextTransition(t, transitions) // connecting
	nextTransition(t, transitions) // connected
	m.Disconnect()
}

func TestConnectionManager_QueuesWhileDisconnectedAndFlushesFIFO(t *testing.T) {
	conn := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: time.Hour,
		Dialer:            &fakeDialer{script: []*fakeConn{conn}},
	}, nil)

	require.NoError(t, m.Send([]byte("one")))
	require.NoError(t, m.Send([]byte("two")))
	require.NoError(t, m.Send([]byte("three")))

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))
	nextTransition(t, transitions) // connecting
	nextTransition(t, transitions) // connected

	require.Eventually(t, func() bool { return len(conn.written()) == 3 }, 2*time.Second, 5*time.Millisecond)
	writes := conn.written()
	assert.Equal(t, "one", string(writes[0]))
	assert.Equal(t, "two", string(writes[1]))
	assert.Equal(t, "three", string(writes[2]))

	// Once connected, sends go straight out.
	require.NoError(t, m.Send([]byte("four")))
	require.Eventually(t, func() bool { return len(conn.written()) == 4 }, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
}

func TestConnectionManager_BackoffDoublesAndResetsOnConnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	// Three refused dials, a successful connect, a transport drop, reconnect.
	dialer := &fakeDialer{script: []*fakeConn{nil, nil, nil, first, second}}
	m := NewConnectionManager(ConnectionConfig{
		URL:                "ws://test",
		BaseReconnectDelay: time.Second,
		HeartbeatInterval:  time.Hour,
		Dialer:             dialer,
	}, nil)

	var delayMu sync.Mutex
	var delays []time.Duration
	m.wait = func(ctx context.Context, d time.Duration) bool {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()
		return ctx.Err() == nil
	}

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))

	waitFor := func(state ConnectionState) StateTransition {
		t.Helper()
		for {
			tr := nextTransition(t, transitions)
			if tr.To == state {
				return tr
			}
		}
	}

	waitFor(StateConnected)
	first.fail(errors.New("connection reset by peer"))
	tr := waitFor(StateReconnecting)
	assert.Equal(t, ReasonTransportError, tr.Reason)
	waitFor(StateConnected)

	delayMu.Lock()
	defer delayMu.Unlock()
	require.Len(t, delays, 4)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 4*time.Second, delays[2])
	// The successful connect reset the backoff to the base delay.
	assert.Equal(t, time.Second, delays[3])

	m.Disconnect()
}

func TestConnectionManager_FailsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{} // every dial refused
	m := NewConnectionManager(ConnectionConfig{
		URL:                  "ws://test",
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
		Dialer:               dialer,
	}, nil)
	instantWait(m)

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))

	var last StateTransition
	for {
		tr := nextTransition(t, transitions)
		if tr.To == StateFailed {
			last = tr
			break
		}
	}
	assert.Equal(t, ReasonTransportError, last.Reason)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, 4, last.Attempt, "fails on the attempt past the limit")

	// A Failed manager refuses sends instead of queueing them forever.
	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotRunning)

	// Connect may be called again after Failed.
	require.NoError(t, m.Connect("s1"))
	m.Disconnect()
}

func TestConnectionManager_ReentrantObserverDoesNotStallStateMachine(t *testing.T) {
	dialer := &fakeDialer{} // every dial refused
	m := NewConnectionManager(ConnectionConfig{
		URL:                  "ws://test",
		MaxReconnectAttempts: 100,
		HeartbeatInterval:    time.Hour,
		Dialer:               dialer,
	}, nil)
	instantWait(m)

	// The observer lags far behind the retry loop, so the transition buffer
	// fills, and it re-enters the manager on every delivery.
	failed := make(chan struct{})
	m.OnTransition(func(tr StateTransition) {
		time.Sleep(time.Millisecond)
		_ = m.State()
		if tr.To == StateFailed {
			close(failed)
		}
	})

	require.NoError(t, m.Connect("s1"))

	select {
	case <-failed:
		assert.Equal(t, StateFailed, m.State())
	case <-time.After(10 * time.Second):
		t.Fatal("state machine stalled behind a slow observer")
	}
}

func TestConnectionManager_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: 20 * time.Millisecond,
		Dialer:            &fakeDialer{script: []*fakeConn{first, second}},
	}, nil)
	instantWait(m)

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))

	// No pong ever arrives; after 2x the interval the connection is declared
	// dead and reconnection begins.
	var reconnect StateTransition
	for {
		tr := nextTransition(t, transitions)
		if tr.To == StateReconnecting {
			reconnect = tr
			break
		}
	}
	assert.Equal(t, ReasonHeartbeatTimeout, reconnect.Reason)

	// Pings were sent while the connection was up.
	sawPing := false
	for _, frame := range first.written() {
		var env Envelope
		if json.Unmarshal(frame, &env) == nil && env.MessageType == MessageTypeHeartbeatPing {
			sawPing = true
		}
	}
	assert.True(t, sawPing)

	m.Disconnect()
}

func TestConnectionManager_PongKeepsConnectionAlive(t *testing.T) {
	conn := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: 20 * time.Millisecond,
		Dialer:            &fakeDialer{script: []*fakeConn{conn}},
	}, nil)
	instantWait(m)

	var sinkMu sync.Mutex
	var sunk [][]byte
	m.SetFrameSink(func(frame []byte) {
		sinkMu.Lock()
		sunk = append(sunk, frame)
		sinkMu.Unlock()
	})

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))
	for {
		if tr := nextTransition(t, transitions); tr.To == StateConnected {
			break
		}
	}

	pong, err := EncodeFrame(MessageTypeHeartbeatPong, "s1", nil)
	require.NoError(t, err)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.deliver(pong)
			case <-stop:
				return
			}
		}
	}()

	// Well past several heartbeat windows the connection is still up.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	close(stop)

	// Pongs are liveness traffic, not application frames.
	sinkMu.Lock()
	assert.Empty(t, sunk)
	sinkMu.Unlock()

	m.Disconnect()
}

func TestConnectionManager_InboundFramesReachSink(t *testing.T) {
	conn := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: time.Hour,
		Dialer:            &fakeDialer{script: []*fakeConn{conn}},
	}, nil)

	frames := make(chan []byte, 4)
	m.SetFrameSink(func(frame []byte) { frames <- frame })

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))
	for {
		if tr := nextTransition(t, transitions); tr.To == StateConnected {
			break
		}
	}

	payload, err := EncodeFrame(MessageTypePresenceJoined, "s1", PresenceJoinedPayload{ParticipantID: "p1"})
	require.NoError(t, err)
	conn.deliver(payload)

	select {
	case got := <-frames:
		assert.JSONEq(t, string(payload), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the sink")
	}

	m.Disconnect()
}

func TestConnectionManager_ServerCloseReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	m := NewConnectionManager(ConnectionConfig{
		URL:               "ws://test",
		HeartbeatInterval: time.Hour,
		Dialer:            &fakeDialer{script: []*fakeConn{first, second}},
	}, nil)
	instantWait(m)

	transitions := observeTransitions(m)
	require.NoError(t, m.Connect("s1"))
	for {
		if tr := nextTransition(t, transitions); tr.To == StateConnected {
			break
		}
	}

	first.fail(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"})

	var reconnect StateTransition
	for {
		tr := nextTransition(t, transitions)
		if tr.To == StateReconnecting {
			reconnect = tr
			break
		}
	}
	assert.Equal(t, ReasonServerClose, reconnect.Reason)

	// It comes back on the next dial.
	for {
		if tr := nextTransition(t, transitions); tr.To == StateConnected {
			break
		}
	}
	m.Disconnect()
}
