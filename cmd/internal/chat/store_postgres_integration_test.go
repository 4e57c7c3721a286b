package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when UNIMARKET_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_ConversationIdempotentUnderConcurrency(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := "it-alice-" + randHexIT(4)
	b := "it-bob-" + randHexIT(4)

	const n = 16

	var wg sync.WaitGroup
	wg.Add(n)

	ids := make(chan string, n)
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		swap := i%2 == 1
		go func() {
			defer wg.Done()

			first, second := a, b
			if swap {
				first, second = b, a
			}
			conv, err := store.CreateConversation(ctx, first, second)
			if err != nil {
				errCh <- err
				return
			}
			ids <- conv.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent create: %v", err)
	}

	var want string
	for id := range ids {
		if want == "" {
			want = id
			continue
		}
		if id != want {
			t.Fatalf("conversation ids diverged: %s vs %s", want, id)
		}
	}

	found, err := store.FindConversation(ctx, b, a)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != want {
		t.Fatalf("find mismatch: got %s, want %s", found.ID, want)
	}
}

func TestPostgresStore_MessagesOrderAndUnread(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := "it-alice-" + randHexIT(4)
	b := "it-bob-" + randHexIT(4)

	conv, err := store.CreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.CreateMessage(ctx, CreateMessageInput{
			ConversationID: conv.ID,
			Sender:         a,
			Text:           fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		// Distinct timestamps keep the asc ordering assertion deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("message count: got %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i); m.Text != want {
			t.Fatalf("message %d: got %q, want %q", i, m.Text, want)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("timestamps must be non-decreasing: %v then %v",
				msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}

	unread, err := store.UnreadConversations(ctx, b)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(unread) != 1 || unread[0] != conv.ID {
		t.Fatalf("unread for %s: got %v", b, unread)
	}

	if err := store.MarkRead(ctx, conv.ID, b); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Idempotent.
	if err := store.MarkRead(ctx, conv.ID, b); err != nil {
		t.Fatalf("mark read again: %v", err)
	}

	unread, err = store.UnreadConversations(ctx, b)
	if err != nil {
		t.Fatalf("unread after mark read: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("unread must be empty, got %v", unread)
	}

	// The sender's own messages never read-flip for the sender.
	if _, err := store.CreateMessage(ctx, CreateMessageInput{
		ConversationID: conv.ID,
		Sender:         b,
		Text:           "reply",
	}); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	unread, err = store.UnreadConversations(ctx, a)
	if err != nil {
		t.Fatalf("unread for %s: %v", a, err)
	}
	if len(unread) != 1 {
		t.Fatalf("reply must be unread for %s, got %v", a, unread)
	}
}

func TestPostgresStore_NotFoundPaths(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := store.FindConversation(ctx, "nobody", "noone"); err != ErrNotFound {
		t.Fatalf("find: got %v, want ErrNotFound", err)
	}
	if _, err := store.ListMessages(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("list: got %v, want ErrNotFound", err)
	}
	if _, err := store.CreateMessage(ctx, CreateMessageInput{
		ConversationID: "missing", Sender: "a", Text: "x",
	}); err != ErrNotFound {
		t.Fatalf("create message: got %v, want ErrNotFound", err)
	}
	if err := store.MarkRead(ctx, "missing", "a"); err != ErrNotFound {
		t.Fatalf("mark read: got %v, want ErrNotFound", err)
	}
}

// ---- helpers ----

func randHexIT(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "deadbeef"
	}
	return hex.EncodeToString(b)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("UNIMARKET_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: UNIMARKET_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse UNIMARKET_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "unimarket_it_" + randHexIT(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  member_a   TEXT NOT NULL,
  member_b   TEXT NOT NULL,
  member_key TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_members CHECK (member_a <> member_b)
);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender          TEXT NOT NULL,
  text            TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  read            BOOLEAN NOT NULL DEFAULT FALSE,

  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4096)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at ASC, id ASC);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %s (conversation_id) WHERE read = FALSE;
`, conversations, messages, conversations, messages, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}
