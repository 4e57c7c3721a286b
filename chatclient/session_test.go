package chatclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSessionValidatesConfig(t *testing.T) {
	_, sc := newFakeStore(t)

	cases := []struct {
		name string
		cfg  SessionConfig
	}{
		{"missing ws url", SessionConfig{UserID: "alice", Store: sc}},
		{"missing user id", SessionConfig{WSURL: "ws://x/ws", Store: sc}},
		{"missing store", SessionConfig{WSURL: "ws://x/ws", UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSession(tc.cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestSessionConnectFailureReturnsToDisconnected(t *testing.T) {
	_, sc := newFakeStore(t)

	sess, err := NewSession(SessionConfig{
		WSURL:  "ws://127.0.0.1:1/ws", // nothing listens here
		UserID: "alice",
		Store:  sc,
		Log:    discardLog(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err == nil {
		t.Fatalf("expected dial failure")
	}
	if got := sess.State(); got != Disconnected {
		t.Fatalf("state after failed connect: got %v, want disconnected", got)
	}
}

func TestSessionRelayRequiresConnection(t *testing.T) {
	_, sc := newFakeStore(t)

	sess, err := NewSession(SessionConfig{WSURL: "ws://127.0.0.1:1/ws", UserID: "alice", Store: sc, Log: discardLog()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)

	ctx := context.Background()
	if err := sess.SendRelay(ctx, "bob", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := sess.SendTyping(ctx, "bob"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionMarkReadClearsLocalStateAndPersists(t *testing.T) {
	f, sc := newFakeStore(t)

	sess, err := NewSession(SessionConfig{WSURL: "ws://127.0.0.1:1/ws", UserID: "bob", Store: sc, Log: discardLog()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)

	sess.mu.Lock()
	sess.unread["c1"] = struct{}{}
	sess.mu.Unlock()

	if err := sess.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := sess.UnreadConversations(); len(got) != 0 {
		t.Fatalf("unread after mark read: %v", got)
	}
	if got := f.markReadCount(); got != 1 {
		t.Fatalf("persisted mark read calls: got %d, want 1", got)
	}
}

func TestSessionMarkReadFailureRestoresUnreadFlag(t *testing.T) {
	f, sc := newFakeStore(t)

	sess, err := NewSession(SessionConfig{WSURL: "ws://127.0.0.1:1/ws", UserID: "bob", Store: sc, Log: discardLog()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(sess.Close)

	sess.mu.Lock()
	sess.unread["c1"] = struct{}{}
	sess.mu.Unlock()

	f.mu.Lock()
	f.failMarkRead = true
	f.mu.Unlock()

	if err := sess.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatalf("expected mark read failure")
	}
	if got := sess.UnreadConversations(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("failed mark read must keep the conversation unread: %v", got)
	}

	f.mu.Lock()
	f.failMarkRead = false
	f.mu.Unlock()

	if err := sess.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("mark read retry: %v", err)
	}
	if got := sess.UnreadConversations(); len(got) != 0 {
		t.Fatalf("unread after successful retry: %v", got)
	}
}

func TestSessionCloseIsIdempotentAndClearsState(t *testing.T) {
	_, sc := newFakeStore(t)

	sess, err := NewSession(SessionConfig{WSURL: "ws://127.0.0.1:1/ws", UserID: "alice", Store: sc, Log: discardLog()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	sess.mu.Lock()
	sess.online["bob"] = struct{}{}
	sess.unread["c1"] = struct{}{}
	sess.mu.Unlock()

	sess.Close()
	sess.Close()

	select {
	case <-sess.Done():
	default:
		t.Fatalf("Done must be closed after Close")
	}

	if got := sess.OnlineUsers(); len(got) != 0 {
		t.Fatalf("online after close: %v", got)
	}
	if got := sess.UnreadConversations(); len(got) != 0 {
		t.Fatalf("unread after close: %v", got)
	}
	if got := sess.State(); got != Disconnected {
		t.Fatalf("state after close: got %v", got)
	}

	if err := sess.Connect(context.Background()); err == nil {
		t.Fatalf("connect after close must fail")
	}
}

func TestStateString(t *testing.T) {
	if Disconnected.String() != "disconnected" || Connecting.String() != "connecting" || Connected.String() != "connected" {
		t.Fatalf("state strings wrong: %v %v %v", Disconnected, Connecting, Connected)
	}
}
