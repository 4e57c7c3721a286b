package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Conversation creation takes a per-pair transactional advisory lock so
//     concurrent "chat with seller" clicks converge on one row.
//   - MarkRead needs no locking: the read flag only transitions false -> true,
//     so concurrent readers see either state, both valid.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "unimarket").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "unimarket",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateConversation returns the existing conversation for the member pair or
// inserts a new one under a per-pair advisory lock.
func (s *PostgresStore) CreateConversation(ctx context.Context, memberA, memberB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if memberA == "" || memberB == "" || memberA == memberB {
		return Conversation{}, fmt.Errorf("%w: bad member pair", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	key := memberKey(memberA, memberB)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")

	// Serialize creation per member pair so concurrent requests cannot race
	// past the conflict check and the first writer wins deterministically.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanConversation(tx.QueryRow(ctx,
		`SELECT id, member_a, member_b, created_at FROM `+conversations+` WHERE member_key = $1`,
		key,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Conversation{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, err
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return Conversation{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, member_a, member_b, member_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, memberA, memberB, key, now,
	); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}

	return Conversation{ID: id, Members: [2]string{memberA, memberB}, CreatedAt: now}, nil
}

// ListConversations returns every conversation userID belongs to, oldest first.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, member_a, member_b, created_at
		   FROM `+conversations+`
		  WHERE member_a = $1 OR member_b = $1
		  ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindConversation returns the conversation for the member pair or ErrNotFound.
func (s *PostgresStore) FindConversation(ctx context.Context, memberA, memberB string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, member_a, member_b, created_at FROM `+conversations+` WHERE member_key = $1`,
		memberKey(memberA, memberB),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// CreateMessage appends a durable message with read=false.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if err := in.Validate(); err != nil {
		return Message{}, err
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+` WHERE id = $1`,
		in.ConversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	now := time.Now().UTC()
	id, err := NewID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender, text, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		id, in.ConversationID, in.Sender, in.Text, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Text:           in.Text,
		CreatedAt:      now,
		Read:           false,
	}, nil
}

// ListMessages returns the conversation's messages ascending by creation time.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender, text, created_at, read
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.CreatedAt, &m.Read); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead flips read=true on every message not authored by readerID.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if conversationID == "" || readerID == "" {
		return fmt.Errorf("%w: missing conversation_id or reader id", ErrInvalidInput)
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+conversations+` WHERE id = $1`,
		conversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read = TRUE
		  WHERE conversation_id = $1 AND sender <> $2 AND read = FALSE`,
		conversationID, readerID,
	)
	return err
}

// UnreadConversations derives the distinct conversations with unread messages
// for userID via a full rescan of the user's conversations.
func (s *PostgresStore) UnreadConversations(ctx context.Context, userID string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT m.conversation_id
		   FROM `+messages+` m
		   JOIN `+conversations+` c ON c.id = m.conversation_id
		  WHERE (c.member_a = $1 OR c.member_b = $1)
		    AND m.sender <> $1
		    AND m.read = FALSE
		  ORDER BY m.conversation_id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanConversation(row pgRow) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Members[0], &c.Members[1], &c.CreatedAt)
	return c, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
