package realtime

import (
	"encoding/json"
	"testing"
	"time"

	v1 "unimarket/shared/contracts/realtime/v1"
)

func TestRouterRelaysToAllReceiverConnections(t *testing.T) {
	reg := NewRegistry(testLogger())
	rt := NewRouter(testLogger(), reg)

	sender := NewClient("alice", 8)
	tab1 := NewClient("bob", 8)
	tab2 := NewClient("bob", 8)
	reg.Register(sender)
	reg.Register(tab1)
	reg.Register(tab2)
	for _, c := range []*Client{sender, tab1, tab2} {
		drainAll(c)
	}

	rt.RouteMessage("alice", "bob", "is the bike still available?")

	for _, c := range []*Client{tab1, tab2} {
		env := drainType(t, c, v1.TypeMessageReceived)

		var p v1.MessageReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.SenderID != "alice" {
			t.Fatalf("sender: got %q, want alice", p.SenderID)
		}
		if p.Text != "is the bike still available?" {
			t.Fatalf("text: got %q", p.Text)
		}
		if p.TS.IsZero() || time.Since(p.TS) > time.Minute {
			t.Fatalf("ts not recent: %v", p.TS)
		}
	}

	// The sender gets nothing back from the relay.
	select {
	case env := <-sender.Send:
		t.Fatalf("unexpected envelope for sender: %s", env.Type)
	default:
	}
}

func TestRouterOfflineReceiverDropsSilently(t *testing.T) {
	reg := NewRegistry(testLogger())
	rt := NewRouter(testLogger(), reg)

	sender := NewClient("alice", 8)
	reg.Register(sender)
	drainAll(sender)

	// Must not panic, block, or surface an error.
	rt.RouteMessage("alice", "ghost", "anyone there?")
	rt.RouteTyping("alice", "ghost")
	rt.RouteStopTyping("alice", "ghost")

	select {
	case env := <-sender.Send:
		t.Fatalf("unexpected envelope for sender: %s", env.Type)
	default:
	}
}

func TestRouterTypingEvents(t *testing.T) {
	reg := NewRegistry(testLogger())
	rt := NewRouter(testLogger(), reg)

	bob := NewClient("bob", 8)
	reg.Register(bob)
	drainAll(bob)

	rt.RouteTyping("alice", "bob")
	env := drainType(t, bob, v1.TypeTypingStarted)

	var p v1.TypingEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.SenderID != "alice" {
		t.Fatalf("sender: got %q, want alice", p.SenderID)
	}

	rt.RouteStopTyping("alice", "bob")
	env = drainType(t, bob, v1.TypeTypingStopped)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.SenderID != "alice" {
		t.Fatalf("sender: got %q, want alice", p.SenderID)
	}
}

func TestRouterEnvelopeIsWellFormed(t *testing.T) {
	reg := NewRegistry(testLogger())
	rt := NewRouter(testLogger(), reg)

	bob := NewClient("bob", 8)
	reg.Register(bob)
	drainAll(bob)

	rt.RouteMessage("alice", "bob", "hi")
	env := drainType(t, bob, v1.TypeMessageReceived)

	if err := env.Validate(); err != nil {
		t.Fatalf("relayed envelope invalid: %v", err)
	}
	if env.ID == "" {
		t.Fatalf("relayed envelope missing id")
	}
}
