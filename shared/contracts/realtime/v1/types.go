// Package v1 defines the unimarket chat wire protocol contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeIdentify binds a connection to a user identity (client -> server).
	TypeIdentify = "identify"
	// TypeIdentifyAck confirms the identity binding (server -> client).
	TypeIdentifyAck = "identify.ack"

	// TypeMessageSend asks the server to relay a message to a receiver's
	// live connections (client -> server). It never persists anything; the
	// durable write goes through the REST store independently.
	TypeMessageSend = "message.send"
	// TypeMessageReceived delivers a relayed message (server -> client).
	TypeMessageReceived = "message.received"

	// TypeTypingStart / TypeTypingStop signal composing state (client -> server).
	TypeTypingStart = "typing.start"
	TypeTypingStop  = "typing.stop"
	// TypeTypingStarted / TypeTypingStopped relay composing state (server -> client).
	TypeTypingStarted = "typing.started"
	TypeTypingStopped = "typing.stopped"

	// TypePresenceList carries the full online user id set (server -> client).
	TypePresenceList = "presence.list"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeIdentifyAck,
		TypeMessageSend,
		TypeMessageReceived,
		TypeTypingStart,
		TypeTypingStop,
		TypeTypingStarted,
		TypeTypingStopped,
		TypePresenceList,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// IdentifyPayload binds the connection to a user. Token is issued by the
// marketplace auth layer; the realtime core only verifies it.
type IdentifyPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// Validate checks required identify fields.
func (p IdentifyPayload) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("missing field: user_id")
	}
	return nil
}

// IdentifyAckPayload returns the server-assigned connection id.
type IdentifyAckPayload struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

// MessageSendPayload requests relaying a message to the receiver.
type MessageSendPayload struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
}

// Validate checks required relay fields.
func (p MessageSendPayload) Validate() error {
	if strings.TrimSpace(p.SenderID) == "" {
		return errors.New("missing field: sender_id")
	}
	if strings.TrimSpace(p.ReceiverID) == "" {
		return errors.New("missing field: receiver_id")
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("missing field: text")
	}
	return nil
}

// MessageReceivedPayload is delivered to every live connection of the receiver.
// It carries no store-assigned message id: the durable record travels through
// the REST layer on an independent clock.
type MessageReceivedPayload struct {
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	TS       time.Time `json:"ts"`
}

// TypingPayload signals composing state toward a receiver.
type TypingPayload struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
}

// Validate checks required typing fields.
func (p TypingPayload) Validate() error {
	if strings.TrimSpace(p.SenderID) == "" {
		return errors.New("missing field: sender_id")
	}
	if strings.TrimSpace(p.ReceiverID) == "" {
		return errors.New("missing field: receiver_id")
	}
	return nil
}

// TypingEventPayload relays composing state to the receiver's connections.
type TypingEventPayload struct {
	SenderID string `json:"sender_id"`
}

// PresenceListPayload carries the full set of online user ids.
// It replaces, never patches, the client's view of who is online.
type PresenceListPayload struct {
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
