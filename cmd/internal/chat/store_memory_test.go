package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateConversationIdempotentOnPair(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.True(t, first.HasMember("alice"))
	require.True(t, first.HasMember("bob"))

	// Same pair, both orders.
	again, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	swapped, err := s.CreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, first.ID, swapped.ID)

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestCreateConversationRejectsBadPairs(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.CreateConversation(ctx, "alice", "alice")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateConversation(ctx, "", "bob")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFindConversation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	found, err := s.FindConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv.ID, found.ID)

	_, err = s.FindConversation(ctx, "alice", "carol")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAndListMessages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	m1, err := s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "alice", Text: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, m1.ID)
	require.False(t, m1.Read)

	m2, err := s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "bob", Text: "hey"})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, m1.ID, msgs[0].ID)
	require.Equal(t, m2.ID, msgs[1].ID)
	require.False(t, msgs[0].CreatedAt.After(msgs[1].CreatedAt))
}

func TestCreateMessageValidation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, err := s.CreateMessage(ctx, CreateMessageInput{Sender: "alice", Text: "hi"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: "nope", Sender: "alice", Text: "hi"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnreadAndMarkRead(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "alice", Text: "one"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "alice", Text: "two"})
	require.NoError(t, err)

	// Two unread messages, one conversation: the set is distinct by id.
	unread, err := s.UnreadConversations(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []string{conv.ID}, unread)

	// The sender never counts their own messages as unread.
	unread, err = s.UnreadConversations(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, unread)

	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob"))

	unread, err = s.UnreadConversations(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, unread)

	// Idempotent.
	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob"))
}

func TestMarkReadOnlyFlipsOthersMessages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "alice", Text: "from alice"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, CreateMessageInput{ConversationID: conv.ID, Sender: "bob", Text: "from bob"})
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, conv.ID, "bob"))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Sender == "alice" {
			require.True(t, m.Read, "alice's message must be read by bob")
		} else {
			require.False(t, m.Read, "bob's own message stays unread for alice")
		}
	}

	// Alice still has bob's message unread.
	unread, err := s.UnreadConversations(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{conv.ID}, unread)
}

func TestMarkReadUnknownConversation(t *testing.T) {
	s := NewInMemoryStore()
	require.ErrorIs(t, s.MarkRead(context.Background(), "nope", "bob"), ErrNotFound)
}
