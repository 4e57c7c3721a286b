package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	v1 "unimarket/shared/contracts/realtime/v1"
)

// Router relays ephemeral events to all live connections of a receiver.
//
// It is a pure relay: nothing here touches durable storage. The durable write
// for a message is a separate operation performed by the sender's client
// against the store, on its own clock. When the receiver has no live
// connection the event is dropped silently; the receiver recovers missed
// messages from the store (history fetch, unread snapshot).
type Router struct {
	log      *slog.Logger
	registry *Registry
}

// NewRouter constructs a Router over the given Registry.
func NewRouter(log *slog.Logger, registry *Registry) *Router {
	return &Router{log: log, registry: registry}
}

// RouteMessage delivers a message.received event to every live connection of
// the receiver. The timestamp is the relay time, not the store time.
func (rt *Router) RouteMessage(senderID, receiverID, text string) {
	payload, _ := json.Marshal(v1.MessageReceivedPayload{
		SenderID: senderID,
		Text:     text,
		TS:       time.Now().UTC(),
	})
	rt.relay(receiverID, v1.TypeMessageReceived, payload)
}

// RouteTyping delivers a typing.started event to the receiver's connections.
func (rt *Router) RouteTyping(senderID, receiverID string) {
	payload, _ := json.Marshal(v1.TypingEventPayload{SenderID: senderID})
	rt.relay(receiverID, v1.TypeTypingStarted, payload)
}

// RouteStopTyping delivers a typing.stopped event to the receiver's connections.
func (rt *Router) RouteStopTyping(senderID, receiverID string) {
	payload, _ := json.Marshal(v1.TypingEventPayload{SenderID: senderID})
	rt.relay(receiverID, v1.TypeTypingStopped, payload)
}

func (rt *Router) relay(receiverID, typ string, payload json.RawMessage) {
	if rt == nil || rt.registry == nil {
		return
	}

	conns := rt.registry.Lookup(receiverID)
	if len(conns) == 0 {
		// Best-effort delivery: no queueing, no retry, no error surfaced.
		metricOfflineDrops.WithLabelValues(typ).Inc()
		return
	}

	env := newEnvelope(typ, payload, time.Now().UTC())
	for _, c := range conns {
		if c.TryEnqueue(env) {
			metricRelayedEvents.WithLabelValues(typ).Inc()
		} else {
			metricDroppedEvents.WithLabelValues(typ).Inc()
		}
	}
}

// newEnvelope stamps a server-originated envelope.
func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}
