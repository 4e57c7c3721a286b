// Package chat owns the durable conversation/message store and its REST
// surface. The realtime core never writes here; senders persist through this
// package on a clock independent of the relay.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a referenced conversation or message is absent.
var ErrNotFound = errors.New("chat: not found")

// ErrInvalidInput is returned for structurally invalid store requests
// (missing ids, empty text, degenerate member pairs).
var ErrInvalidInput = errors.New("chat: invalid input")

// Conversation is a persistent two-member thread container.
// Membership is immutable once created; creation is idempotent on the
// unordered member pair.
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

// Message is an append-only chat record. The only permitted mutation is the
// monotonic Read flip (false -> true, never back).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"read"`
}

// CreateMessageInput describes a durable message write.
type CreateMessageInput struct {
	ConversationID string
	Sender         string
	Text           string
}

// Validate checks required write fields.
func (in CreateMessageInput) Validate() error {
	if strings.TrimSpace(in.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Sender) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: missing text", ErrInvalidInput)
	}
	return nil
}

// Store persists conversations and messages.
//
// Requirements:
//   - CreateConversation is idempotent on the unordered member pair
//   - ListMessages is ordered ascending by creation time
//   - MarkRead is idempotent and only ever flips read false -> true
//   - UnreadConversations derives unread state, it is never stored as a field
type Store interface {
	CreateConversation(ctx context.Context, memberA, memberB string) (Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	FindConversation(ctx context.Context, memberA, memberB string) (Conversation, error)

	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// MarkRead sets read=true on every message in the conversation whose
	// sender is not readerID.
	MarkRead(ctx context.Context, conversationID, readerID string) error

	// UnreadConversations returns the distinct conversation ids holding at
	// least one unread message not authored by userID. Full rescan per call.
	UnreadConversations(ctx context.Context, userID string) ([]string, error)

	Close() error
}

// memberKey normalizes an unordered member pair into a stable lookup key.
func memberKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x1f" + b
}
