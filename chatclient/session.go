package chatclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "unimarket/shared/contracts/realtime/v1"
)

// State is the session connection state.
type State int

const (
	// Disconnected means no live connection and no reconnect in flight.
	Disconnected State = iota
	// Connecting means a dial or identify is in flight, or a reconnect
	// backoff is pending.
	Connecting
	// Connected means the connection is identified and the event loop runs.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	sessionSubprotocol  = "unimarket.chat.v1"
	sessionWriteTimeout = 5 * time.Second

	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Handlers receive relayed events. They are invoked from the session's event
// loop goroutine, one at a time, so implementations need no locking of their
// own against other handler calls.
type Handlers struct {
	OnMessage       func(senderID, text string, ts time.Time)
	OnTypingStarted func(senderID string)
	OnTypingStopped func(senderID string)
	OnPresence      func(online []string)
	OnUnread        func(conversationIDs []string)
}

// SessionConfig carries everything a Session needs to run.
type SessionConfig struct {
	// WSURL is the websocket endpoint, e.g. "ws://127.0.0.1:8080/ws".
	WSURL string
	// UserID is the marketplace user this session acts as.
	UserID string
	// Token is the opaque auth token presented in identify.
	Token string
	// Store is used for unread snapshots and read marking.
	Store *StoreClient
	// Origin, when set, is sent as the HTTP Origin header on dial.
	Origin string

	Log *slog.Logger

	// BackoffBase and BackoffMax bound the reconnect delay. Zero values pick
	// the defaults (500ms base, 30s cap).
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Session owns one user's live chat connection. It tracks connection state,
// the online user set and the unread conversation set, relays outbound
// events, and reconnects with bounded backoff after unexpected drops.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	connID   string
	conn     *websocket.Conn
	online   map[string]struct{}
	unread   map[string]struct{}
	handlers Handlers
	closed   bool

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession builds a session. Call Connect to go live.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("chatclient: missing ws url")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("chatclient: missing user id")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("chatclient: missing store client")
	}

	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Session{
		cfg:    cfg,
		log:    log.With("user_id", cfg.UserID),
		online: make(map[string]struct{}),
		unread: make(map[string]struct{}),
		done:   make(chan struct{}),
	}, nil
}

// SetHandlers installs event hooks. Safe to call before or after Connect.
func (s *Session) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

// Connect dials, identifies, takes the initial unread snapshot and starts the
// event loop. The first dial is synchronous so callers observe auth failures
// directly; later drops reconnect in the background until Close.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("chatclient: session closed")
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return fmt.Errorf("chatclient: already %s", s.state)
	}
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	conn, connID, err := s.dialAndIdentify(ctx)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(Disconnected)
		s.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connID = connID
	s.cancel = cancel
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.refreshUnread(ctx)

	go s.eventLoop(loopCtx, conn)
	return nil
}

// Close tears the session down: the connection is closed, reconnects stop,
// and the online and unread snapshots are cleared. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.connID = ""
	s.online = make(map[string]struct{})
	s.unread = make(map[string]struct{})
	s.setStateLocked(Disconnected)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	close(s.done)
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnID returns the server-assigned connection id, or "" when not connected.
func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// UserID returns the user this session acts as.
func (s *Session) UserID() string { return s.cfg.UserID }

// Store returns the REST client the session was built with.
func (s *Session) Store() *StoreClient { return s.cfg.Store }

// OnlineUsers returns a sorted snapshot of online user ids.
func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID appeared in the latest presence snapshot.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// UnreadConversations returns a sorted snapshot of conversation ids with
// unread messages for this user.
func (s *Session) UnreadConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.unread))
	for id := range s.unread {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkRead clears the local unread flag for the conversation immediately and
// persists the read state through the store. A failed write restores the
// flag so the snapshot keeps matching the store.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	_, wasUnread := s.unread[conversationID]
	delete(s.unread, conversationID)
	s.mu.Unlock()

	err := s.cfg.Store.MarkRead(ctx, conversationID, s.cfg.UserID)
	if err != nil && wasUnread {
		s.mu.Lock()
		if !s.closed {
			s.unread[conversationID] = struct{}{}
		}
		s.mu.Unlock()
	}
	return err
}

// SendRelay asks the server to push text to the receiver's live connections.
// Best effort: an offline receiver is not an error.
func (s *Session) SendRelay(ctx context.Context, receiverID, text string) error {
	payload := v1.MessageSendPayload{SenderID: s.cfg.UserID, ReceiverID: receiverID, Text: text}
	return s.write(ctx, v1.TypeMessageSend, payload)
}

// SendTyping signals composing state toward receiverID.
func (s *Session) SendTyping(ctx context.Context, receiverID string) error {
	payload := v1.TypingPayload{SenderID: s.cfg.UserID, ReceiverID: receiverID}
	return s.write(ctx, v1.TypeTypingStart, payload)
}

// SendStopTyping clears composing state toward receiverID.
func (s *Session) SendStopTyping(ctx context.Context, receiverID string) error {
	payload := v1.TypingPayload{SenderID: s.cfg.UserID, ReceiverID: receiverID}
	return s.write(ctx, v1.TypeTypingStop, payload)
}

// ---- connection lifecycle ----

func (s *Session) dialAndIdentify(ctx context.Context) (*websocket.Conn, string, error) {
	opts := &websocket.DialOptions{
		Subprotocols: []string{sessionSubprotocol},
	}
	if s.cfg.Origin != "" {
		opts.HTTPHeader = http.Header{"Origin": {s.cfg.Origin}}
	}

	conn, _, err := websocket.Dial(ctx, s.cfg.WSURL, opts)
	if err != nil {
		return nil, "", fmt.Errorf("chatclient: dial: %w", err)
	}

	identify := v1.IdentifyPayload{UserID: s.cfg.UserID, Token: s.cfg.Token}
	if err := writeClientEnvelope(ctx, conn, v1.TypeIdentify, identify); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "identify write failed")
		return nil, "", fmt.Errorf("chatclient: identify: %w", err)
	}

	env, err := readClientEnvelope(ctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "identify read failed")
		return nil, "", fmt.Errorf("chatclient: identify ack: %w", err)
	}
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		_ = conn.Close(websocket.StatusNormalClosure, "identify rejected")
		return nil, "", fmt.Errorf("chatclient: identify rejected: %s: %s", p.Code, p.Message)
	}
	if env.Type != v1.TypeIdentifyAck {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, "", fmt.Errorf("chatclient: expected %s, got %s", v1.TypeIdentifyAck, env.Type)
	}

	var ack v1.IdentifyAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad ack")
		return nil, "", fmt.Errorf("chatclient: decode identify.ack: %w", err)
	}

	return conn, ack.ConnID, nil
}

// eventLoop reads server envelopes until the connection drops, then
// reconnects with backoff unless the session was closed.
func (s *Session) eventLoop(ctx context.Context, conn *websocket.Conn) {
	bo := newBackoff(
		nonZero(s.cfg.BackoffBase, defaultBackoffBase),
		nonZero(s.cfg.BackoffMax, defaultBackoffMax),
	)

	for {
		err := s.readFrames(ctx, conn)
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		s.log.Info("session.conn.lost", "err", err)

		s.mu.Lock()
		s.conn = nil
		s.connID = ""
		s.online = make(map[string]struct{})
		s.setStateLocked(Connecting)
		s.mu.Unlock()
		s.notifyPresence()

		for {
			delay := bo.next()
			s.log.Info("session.reconnect.wait", "delay", delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			next, connID, err := s.dialAndIdentify(ctx)
			if err != nil {
				if ctx.Err() != nil || s.isClosed() {
					return
				}
				s.log.Info("session.reconnect.fail", "err", err)
				continue
			}

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = next.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			s.conn = next
			s.connID = connID
			s.setStateLocked(Connected)
			s.mu.Unlock()

			bo.reset()
			conn = next
			s.refreshUnread(ctx)
			break
		}
	}
}

// readFrames dispatches server envelopes until a read error.
func (s *Session) readFrames(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readClientEnvelope(ctx, conn)
		if err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			s.log.Info("session.frame.invalid", "err", err)
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *Session) dispatch(ctx context.Context, env v1.Envelope) {
	switch env.Type {
	case v1.TypePresenceList:
		var p v1.PresenceListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("session.presence.bad_payload", "err", err)
			return
		}
		next := make(map[string]struct{}, len(p.UserIDs))
		for _, id := range p.UserIDs {
			next[id] = struct{}{}
		}
		s.mu.Lock()
		s.online = next
		s.mu.Unlock()
		s.notifyPresence()

	case v1.TypeMessageReceived:
		var p v1.MessageReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Info("session.message.bad_payload", "err", err)
			return
		}
		s.mu.Lock()
		h := s.handlers.OnMessage
		s.mu.Unlock()
		if h != nil {
			h(p.SenderID, p.Text, p.TS)
		}
		// A relayed message may have created unread state in a conversation
		// this client is not looking at.
		s.refreshUnread(ctx)

	case v1.TypeTypingStarted:
		s.dispatchTyping(env, true)

	case v1.TypeTypingStopped:
		s.dispatchTyping(env, false)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Info("session.server.error", "code", p.Code, "message", p.Message)

	default:
		s.log.Info("session.frame.unhandled", "type", env.Type)
	}
}

func (s *Session) dispatchTyping(env v1.Envelope, started bool) {
	var p v1.TypingEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Info("session.typing.bad_payload", "err", err)
		return
	}

	s.mu.Lock()
	h := s.handlers.OnTypingStarted
	if !started {
		h = s.handlers.OnTypingStopped
	}
	s.mu.Unlock()

	if h != nil {
		h(p.SenderID)
	}
}

// refreshUnread replaces the unread snapshot from the store. Failures keep
// the previous snapshot; the next event retries.
func (s *Session) refreshUnread(ctx context.Context) {
	ids, err := s.cfg.Store.UnreadConversations(ctx, s.cfg.UserID)
	if err != nil {
		s.log.Info("session.unread.fetch_fail", "err", err)
		return
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	s.mu.Lock()
	s.unread = next
	h := s.handlers.OnUnread
	s.mu.Unlock()

	if h != nil {
		h(ids)
	}
}

func (s *Session) notifyPresence() {
	s.mu.Lock()
	h := s.handlers.OnPresence
	s.mu.Unlock()
	if h != nil {
		h(s.OnlineUsers())
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.log.Info("session.state", "from", s.state.String(), "to", next.String())
	s.state = next
}

// write marshals and sends one envelope on the live connection.
func (s *Session) write(ctx context.Context, typ string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeClientEnvelope(ctx, conn, typ, payload)
}

// ---- envelope IO ----

func writeClientEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEventID(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func readClientEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func newEventID() string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
