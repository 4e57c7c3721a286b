// Package chatclient implements the browser-session side of unimarket chat:
// a realtime session that owns the live connection lifecycle and surfaces
// online/unread state, and a conversation view that merges REST history,
// live pushes and send echoes into one ordered message list.
package chatclient

import (
	"errors"
	"time"
)

// Conversation mirrors the store's REST representation.
type Conversation struct {
	ID        string    `json:"id"`
	Members   [2]string `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID is one of the two members.
func (c Conversation) HasMember(userID string) bool {
	return c.Members[0] == userID || c.Members[1] == userID
}

// OtherMember returns the peer of userID, or "" when userID is not a member.
func (c Conversation) OtherMember(userID string) string {
	switch userID {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	default:
		return ""
	}
}

// Message mirrors the store's REST representation. Live-relayed messages have
// an empty ID: the relay carries no store-assigned id.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// ErrNotFound is returned when the store has no matching record.
var ErrNotFound = errors.New("chatclient: not found")

// ErrNotConnected is returned for relay operations on a session that is not
// in the Connected state.
var ErrNotConnected = errors.New("chatclient: not connected")

// ErrNoActiveConversation is returned when a view operation needs an open
// conversation and none is open.
var ErrNoActiveConversation = errors.New("chatclient: no active conversation")

// ErrStaleView marks a history fetch that finished after the view moved on to
// another conversation. The view swallows it; the stale result is discarded.
var ErrStaleView = errors.New("chatclient: stale view")
