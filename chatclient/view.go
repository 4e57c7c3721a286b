package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// defaultTypingIdle is how long after the last keystroke the sender-side
	// typing indicator auto-stops.
	defaultTypingIdle = 2 * time.Second
	// defaultTypingExpiry bounds how long a received typing indicator is shown
	// when the stop event is lost.
	defaultTypingExpiry = 6 * time.Second
	// dedupeWindow bounds the timestamp skew tolerated when matching a
	// live-relayed message against its durable record in a history refresh.
	dedupeWindow = 2 * time.Minute

	markReadTimeout = 5 * time.Second
)

// ViewOption customizes a ConversationView.
type ViewOption func(*ConversationView)

// WithTypingIdle overrides the sender-side auto-stop delay.
func WithTypingIdle(d time.Duration) ViewOption {
	return func(v *ConversationView) {
		if d > 0 {
			v.typingIdle = d
		}
	}
}

// WithTypingExpiry overrides the receiver-side indicator expiry.
func WithTypingExpiry(d time.Duration) ViewOption {
	return func(v *ConversationView) {
		if d > 0 {
			v.typingExpiry = d
		}
	}
}

// ConversationView merges three message sources for one open conversation:
// durable history fetched over REST, live relayed pushes, and the local echo
// of sends. It also owns the typing indicator state on both sides.
//
// A view binds itself to the session's event handlers on construction; one
// view per session is live at a time, matching one open chat panel.
type ConversationView struct {
	session *Session
	store   *StoreClient
	userID  string

	typingIdle   time.Duration
	typingExpiry time.Duration

	mu       sync.Mutex
	conv     *Conversation
	gen      uint64
	messages []Message

	peerTyping  bool
	expiryTimer *time.Timer

	selfTyping bool
	idleTimer  *time.Timer
}

// NewConversationView builds a view bound to the session's events.
func NewConversationView(session *Session, opts ...ViewOption) *ConversationView {
	v := &ConversationView{
		session:      session,
		store:        session.Store(),
		userID:       session.UserID(),
		typingIdle:   defaultTypingIdle,
		typingExpiry: defaultTypingExpiry,
	}
	for _, opt := range opts {
		opt(v)
	}

	session.SetHandlers(Handlers{
		OnMessage:       v.handleMessage,
		OnTypingStarted: v.handleTypingStarted,
		OnTypingStopped: v.handleTypingStopped,
	})
	return v
}

// Open switches the view to conv: the message list and typing state reset,
// history is fetched and replaces the list, and the conversation is marked
// read. A concurrent Open wins over an older in-flight fetch.
func (v *ConversationView) Open(ctx context.Context, conv Conversation) error {
	if !conv.HasMember(v.userID) {
		return fmt.Errorf("chatclient: user %s is not a member of conversation %s", v.userID, conv.ID)
	}

	v.mu.Lock()
	c := conv
	v.conv = &c
	v.gen++
	gen := v.gen
	v.messages = nil
	v.resetTypingLocked()
	v.mu.Unlock()

	if err := v.fetchHistory(ctx, conv.ID, gen); err != nil {
		if errors.Is(err, ErrStaleView) {
			// A newer Open superseded this one; it owns the mark-read.
			return nil
		}
		return err
	}
	return v.session.MarkRead(ctx, conv.ID)
}

// Refresh refetches history for the open conversation and replaces the list.
// Live messages newer than the fetch that the store has not yet surfaced are
// retained.
func (v *ConversationView) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.conv == nil {
		v.mu.Unlock()
		return ErrNoActiveConversation
	}
	convID := v.conv.ID
	gen := v.gen
	v.mu.Unlock()

	if err := v.fetchHistory(ctx, convID, gen); err != nil && !errors.Is(err, ErrStaleView) {
		return err
	}
	return nil
}

// Close detaches the view: typing timers stop and the conversation is cleared.
func (v *ConversationView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conv = nil
	v.gen++
	v.messages = nil
	v.resetTypingLocked()
}

// Active returns the open conversation, if any.
func (v *ConversationView) Active() (Conversation, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.conv == nil {
		return Conversation{}, false
	}
	return *v.conv, true
}

// Messages returns a snapshot of the merged message list in display order.
func (v *ConversationView) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// PeerTyping reports whether the peer is currently composing.
func (v *ConversationView) PeerTyping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerTyping
}

// Send relays text to the peer's live connections and persists it through the
// store. The message only appears in the view once the durable write
// succeeds; a store failure returns the error and appends nothing.
func (v *ConversationView) Send(ctx context.Context, text string) (Message, error) {
	v.mu.Lock()
	if v.conv == nil {
		v.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	convID := v.conv.ID
	peer := v.conv.OtherMember(v.userID)
	gen := v.gen
	v.mu.Unlock()

	// The relay is best effort. An offline receiver or a dropped connection
	// must not block the durable write.
	if err := v.session.SendRelay(ctx, peer, text); err != nil {
		v.session.log.Info("view.relay.skip", "err", err)
	}
	v.stopTypingNow(ctx, peer)

	msg, err := v.store.CreateMessage(ctx, convID, v.userID, text)
	if err != nil {
		return Message{}, err
	}

	v.mu.Lock()
	if v.conv != nil && v.gen == gen && v.conv.ID == convID {
		v.messages = append(v.messages, msg)
	}
	v.mu.Unlock()

	return msg, nil
}

// NotifyTyping reports a keystroke. The first call emits a typing start; the
// indicator auto-stops after the idle delay with no further keystrokes.
func (v *ConversationView) NotifyTyping(ctx context.Context) {
	v.mu.Lock()
	if v.conv == nil {
		v.mu.Unlock()
		return
	}
	peer := v.conv.OtherMember(v.userID)
	gen := v.gen
	first := !v.selfTyping
	v.selfTyping = true

	if v.idleTimer != nil {
		v.idleTimer.Stop()
	}
	v.idleTimer = time.AfterFunc(v.typingIdle, func() {
		v.mu.Lock()
		stale := v.gen != gen || !v.selfTyping
		v.selfTyping = false
		v.mu.Unlock()
		if stale {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), sessionWriteTimeout)
		defer cancel()
		_ = v.session.SendStopTyping(sctx, peer)
	})
	v.mu.Unlock()

	if first {
		_ = v.session.SendTyping(ctx, peer)
	}
}

// StopTyping clears the composing state immediately, e.g. when the input is
// cleared or the panel loses focus.
func (v *ConversationView) StopTyping(ctx context.Context) {
	v.mu.Lock()
	if v.conv == nil {
		v.mu.Unlock()
		return
	}
	peer := v.conv.OtherMember(v.userID)
	v.mu.Unlock()

	v.stopTypingNow(ctx, peer)
}

// ---- session event handlers ----

// handleMessage appends a live relayed message when it belongs to the open
// conversation. Viewing a conversation keeps it read, so the read state is
// persisted immediately.
func (v *ConversationView) handleMessage(senderID, text string, ts time.Time) {
	v.mu.Lock()
	if v.conv == nil || senderID == v.userID || !v.conv.HasMember(senderID) {
		v.mu.Unlock()
		return
	}
	convID := v.conv.ID
	v.messages = append(v.messages, Message{
		ConversationID: convID,
		Sender:         senderID,
		Text:           text,
		CreatedAt:      ts,
	})
	v.clearPeerTypingLocked()
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := v.session.MarkRead(ctx, convID); err != nil {
		v.session.log.Info("view.mark_read.fail", "conversation_id", convID, "err", err)
	}
}

func (v *ConversationView) handleTypingStarted(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conv == nil || senderID != v.conv.OtherMember(v.userID) {
		return
	}

	v.peerTyping = true
	gen := v.gen
	if v.expiryTimer != nil {
		v.expiryTimer.Stop()
	}
	v.expiryTimer = time.AfterFunc(v.typingExpiry, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.gen == gen {
			v.peerTyping = false
		}
	})
}

func (v *ConversationView) handleTypingStopped(senderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conv == nil || senderID != v.conv.OtherMember(v.userID) {
		return
	}
	v.clearPeerTypingLocked()
}

// ---- internals ----

// fetchHistory replaces the list with the store's ordered history, retaining
// only live messages the fetch has not caught up with. The generation guard
// drops the result when a newer Open superseded this fetch.
func (v *ConversationView) fetchHistory(ctx context.Context, convID string, gen uint64) error {
	history, err := v.store.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conv == nil || v.gen != gen || v.conv.ID != convID {
		return ErrStaleView
	}

	retained := retainUnmatched(v.messages, history)
	v.messages = append(history, retained...)
	return nil
}

// retainUnmatched returns the live (id-less) messages from local that have no
// durable counterpart in history. Matching is best effort: same sender, same
// text, timestamps within the dedupe window.
func retainUnmatched(local, history []Message) []Message {
	var out []Message
	for _, m := range local {
		if m.ID != "" {
			// Durable records are authoritative in history.
			continue
		}
		if !matchedInHistory(m, history) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func matchedInHistory(m Message, history []Message) bool {
	for _, h := range history {
		if h.Sender != m.Sender || h.Text != m.Text {
			continue
		}
		d := h.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= dedupeWindow {
			return true
		}
	}
	return false
}

func (v *ConversationView) stopTypingNow(ctx context.Context, peer string) {
	v.mu.Lock()
	wasTyping := v.selfTyping
	v.selfTyping = false
	if v.idleTimer != nil {
		v.idleTimer.Stop()
		v.idleTimer = nil
	}
	v.mu.Unlock()

	if wasTyping {
		_ = v.session.SendStopTyping(ctx, peer)
	}
}

func (v *ConversationView) resetTypingLocked() {
	v.peerTyping = false
	v.selfTyping = false
	if v.expiryTimer != nil {
		v.expiryTimer.Stop()
		v.expiryTimer = nil
	}
	if v.idleTimer != nil {
		v.idleTimer.Stop()
		v.idleTimer = nil
	}
}

func (v *ConversationView) clearPeerTypingLocked() {
	v.peerTyping = false
	if v.expiryTimer != nil {
		v.expiryTimer.Stop()
		v.expiryTimer = nil
	}
}
