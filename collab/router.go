package collab

import (
	"encoding/json"
	"sync"

	"github.com/ericfitz/huc/internal/slogging"
)

// RouterEventLevel classifies a protocol-level anomaly.
type RouterEventLevel string

const (
	RouterEventError   RouterEventLevel = "error"
	RouterEventWarning RouterEventLevel = "warning"
)

// RouterEventKind names the anomaly.
type RouterEventKind string

const (
	EventKindMalformedMessage   RouterEventKind = "malformed-message"
	EventKindUnknownMessageType RouterEventKind = "unknown-message-type"
)

// RouterEvent is emitted when an inbound frame cannot be dispatched.
// Protocol errors are per-frame and never fatal to the session.
type RouterEvent struct {
	Level  RouterEventLevel
	Kind   RouterEventKind
	Detail string
}

// HandlerFunc consumes a decoded inbound frame.
type HandlerFunc func(Envelope)

// MessageRouter decodes inbound frames into typed events and dispatches them
// to registered handlers in arrival order. Handlers for a frame run
// synchronously before the next frame is processed.
type MessageRouter struct {
	mu        sync.RWMutex
	handlers  map[MessageType]HandlerFunc
	observers []routerObserver
	nextObs   uint64
}

type routerObserver struct {
	id uint64
	fn func(RouterEvent)
}

// NewMessageRouter creates an empty router.
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{handlers: make(map[MessageType]HandlerFunc)}
}

// RegisterHandler binds a handler to a message type, replacing any previous
// handler for that type.
func (r *MessageRouter) RegisterHandler(messageType MessageType, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = handler
}

// Observe registers a callback for router events. The returned function
// cancels the registration.
func (r *MessageRouter) Observe(fn func(RouterEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, routerObserver{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, obs := range r.observers {
			if obs.id == id {
				r.observers = append(r.observers[:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

// Dispatch decodes a raw frame and invokes its handler. Malformed frames and
// frames with no registered handler are downgraded to router events and
// dropped; they never propagate an error into the read loop.
func (r *MessageRouter) Dispatch(rawFrame []byte) {
	var env Envelope
	if err := json.Unmarshal(rawFrame, &env); err != nil {
		r.emit(RouterEvent{Level: RouterEventError, Kind: EventKindMalformedMessage, Detail: err.Error()})
		return
	}
	if err := env.Validate(); err != nil {
		r.emit(RouterEvent{Level: RouterEventError, Kind: EventKindMalformedMessage, Detail: err.Error()})
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[env.MessageType]
	r.mu.RUnlock()

	if !ok {
		r.emit(RouterEvent{
			Level:  RouterEventWarning,
			Kind:   EventKindUnknownMessageType,
			Detail: string(env.MessageType),
		})
		return
	}
	handler(env)
}

// ReportMalformed surfaces a payload-level decode failure as a router event,
// so observers see every protocol error, not only envelope-level ones.
func (r *MessageRouter) ReportMalformed(detail string) {
	r.emit(RouterEvent{Level: RouterEventError, Kind: EventKindMalformedMessage, Detail: detail})
}

// Encode marshals a typed payload into an outbound frame.
func (r *MessageRouter) Encode(messageType MessageType, sessionID string, payload any) ([]byte, error) {
	return EncodeFrame(messageType, sessionID, payload)
}

func (r *MessageRouter) emit(event RouterEvent) {
	logger := slogging.Get()
	switch event.Level {
	case RouterEventError:
		logger.Error("dropping frame: %s (%s)", event.Kind, event.Detail)
	default:
		logger.Warn("dropping frame: %s (%s)", event.Kind, event.Detail)
	}

	r.mu.RLock()
	observers := make([]routerObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, obs := range observers {
		obs.fn(event)
	}
}
