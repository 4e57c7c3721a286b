package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerConversation = 10_000

// InMemoryStore is the dev/test fallback when DB is not configured.
type InMemoryStore struct {
	mu     sync.Mutex
	convs  map[string]Conversation // conversation id -> conversation
	byPair map[string]string       // member key -> conversation id
	msgs   map[string][]Message    // conversation id -> messages, append order
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]Conversation),
		byPair: make(map[string]string),
		msgs:   make(map[string][]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateConversation returns the existing conversation for the member pair or
// creates a new one. Never produces duplicates for the same pair.
func (s *InMemoryStore) CreateConversation(ctx context.Context, memberA, memberB string) (Conversation, error) {
	if memberA == "" || memberB == "" || memberA == memberB {
		return Conversation{}, fmt.Errorf("%w: bad member pair", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey(memberA, memberB)
	if id, ok := s.byPair[key]; ok {
		return s.convs[id], nil
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	conv := Conversation{
		ID:        id,
		Members:   [2]string{memberA, memberB},
		CreatedAt: now,
	}
	s.convs[id] = conv
	s.byPair[key] = id
	return conv, nil
}

// ListConversations returns every conversation userID belongs to.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindConversation returns the conversation for the member pair or ErrNotFound.
func (s *InMemoryStore) FindConversation(ctx context.Context, memberA, memberB string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[memberKey(memberA, memberB)]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return s.convs[id], nil
}

// CreateMessage appends a durable message with read=false.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if err := in.Validate(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.ConversationID]; !ok {
		return Message{}, ErrNotFound
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Text:           in.Text,
		CreatedAt:      now,
		Read:           false,
	}

	msgs := append(s.msgs[in.ConversationID], msg)
	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerConversation {
		msgs = msgs[len(msgs)-memMaxMessagesPerConversation:]
	}
	s.msgs[in.ConversationID] = msgs

	return msg, nil
}

// ListMessages returns the conversation's messages ascending by creation time.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.convs[conversationID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	snap := append([]Message(nil), s.msgs[conversationID]...)
	s.mu.Unlock()

	// Append order is creation order, but sort defensively: ULIDs tie-break
	// equal timestamps.
	sort.Slice(snap, func(i, j int) bool {
		if !snap[i].CreatedAt.Equal(snap[j].CreatedAt) {
			return snap[i].CreatedAt.Before(snap[j].CreatedAt)
		}
		return snap[i].ID < snap[j].ID
	})
	return snap, nil
}

// MarkRead flips read=true on every message not authored by readerID.
// Idempotent: repeated calls converge to the same state.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if conversationID == "" || readerID == "" {
		return fmt.Errorf("%w: missing conversation_id or reader id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return ErrNotFound
	}

	msgs := s.msgs[conversationID]
	for i := range msgs {
		if msgs[i].Sender != readerID {
			msgs[i].Read = true
		}
	}
	return nil
}

// UnreadConversations derives the distinct set of conversations holding
// unread messages for userID.
func (s *InMemoryStore) UnreadConversations(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	seen := make(map[string]struct{})
	for id, c := range s.convs {
		if !c.HasMember(userID) {
			continue
		}
		for _, m := range s.msgs[id] {
			if m.Sender != userID && !m.Read {
				seen[id] = struct{}{}
				break
			}
		}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
