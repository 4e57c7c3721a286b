// Package main provides a CI-friendly smoke test for unimarket realtime chat.
//
// It validates:
//   - handshake + subprotocol selection
//   - identify -> identify.ack binding
//   - presence.list fanout on connect
//   - message.send -> message.received relay to the peer
//   - typing.start/stop relay
//   - durable message + unread flow through the REST API
//   - unread cleared after mark-read
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"

	"unimarket/chatclient"
	v1 "unimarket/shared/contracts/realtime/v1"
)

const (
	subprotocol  = "unimarket.chat.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	connID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "REST base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "First user id")
		userB   = flag.String("user-b", "smoke-bob", "Second user id")
		hmacKey = flag.String("hmac-key", "", "Token HMAC key; empty means the server runs with auth disabled")
		text    = flag.String("text", "hello unimarket 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, mintToken(*hmacKey, *userA), *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, mintToken(*hmacKey, *userB), *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connID, b.connID, *origin)
	}

	// B connected after A, so both must eventually see both users online.
	mustSeePresence(root, a, []string{*userA, *userB}, *timeout)
	mustSeePresence(root, b, []string{*userA, *userB}, *timeout)

	mustRelayMessage(root, a, b, *text, *timeout)
	mustRelayTyping(root, a, b, *timeout)

	store := chatclient.NewStoreClient(*apiURL)
	mustDurableUnreadFlow(root, store, *userA, *userB, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s\n", a.connID, b.connID)
}

// mintToken issues a compact "userID.expiresUnix.signature" token, the same
// format the gateway's HMAC verifier checks. In production the marketplace
// auth layer does this; the smoke tool simulates it against a shared key.
func mintToken(hmacKey, userID string) string {
	if strings.TrimSpace(hmacKey) == "" {
		return ""
	}
	exp := time.Now().Add(10 * time.Minute).UTC().Unix()
	mac := hmac.New(sha256.New, []byte(hmacKey))
	fmt.Fprintf(mac, "%s.%d", userID, exp)
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s.%d.%s", userID, exp, sig)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	// Identify is read/written directly; the read loop starts after the ack.
	identify := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeIdentify,
		ID:      fmt.Sprintf("%s-identify", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.IdentifyPayload{UserID: userID, Token: token}),
	}
	mustWriteWithTimeout(parent, conn, identify, stepTimeout)

	ackEnv := mustReadDirect(parent, conn, stepTimeout)
	if ackEnv.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(ackEnv.Payload, &ep)
		fatalf("identify rejected (%s): code=%q msg=%q", name, ep.Code, ep.Message)
	}
	if ackEnv.Type != v1.TypeIdentifyAck {
		fatalf("expected identify.ack (%s), got %q", name, ackEnv.Type)
	}

	var ack v1.IdentifyAckPayload
	if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
		fatalf("unmarshal identify.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(ack.ConnID) == "" {
		fatalf("identify.ack missing conn_id (%s)", name)
	}
	if ack.UserID != userID {
		fatalf("identify.ack user mismatch (%s): got=%q want=%q", name, ack.UserID, userID)
	}

	c := &smokeClient{
		name:   name,
		userID: userID,
		connID: ack.ConnID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustSeePresence reads presence.list frames until one contains every wanted
// user id.
func mustSeePresence(parent context.Context, c *smokeClient, want []string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilType(ctx, v1.TypePresenceList, stepTimeout, anySkip())

		var p v1.PresenceListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal presence.list payload (%s): %v", c.name, err)
		}

		ok := true
		for _, id := range want {
			if !slices.Contains(p.UserIDs, id) {
				ok = false
				break
			}
		}
		if ok {
			return
		}
		// An earlier snapshot from before the second connect; keep reading.
	}
}

func mustRelayMessage(parent context.Context, from, to *smokeClient, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send", from.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			SenderID:   from.userID,
			ReceiverID: to.userID,
			Text:       text,
		}),
	}
	mustWriteWithTimeout(parent, from.conn, env, stepTimeout)

	got := to.mustReadUntilType(parent, v1.TypeMessageReceived, stepTimeout, anySkip())

	var p v1.MessageReceivedPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		fatalf("unmarshal message.received payload (%s): %v", to.name, err)
	}
	if p.SenderID != from.userID {
		fatalf("relay sender mismatch (%s): got=%q want=%q", to.name, p.SenderID, from.userID)
	}
	if p.Text != text {
		fatalf("relay text mismatch (%s): got=%q want=%q", to.name, p.Text, text)
	}
	if p.TS.IsZero() {
		fatalf("relay ts missing/zero (%s)", to.name)
	}
}

func mustRelayTyping(parent context.Context, from, to *smokeClient, stepTimeout time.Duration) {
	start := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStart,
		ID:      fmt.Sprintf("%s-typing-start", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{SenderID: from.userID, ReceiverID: to.userID}),
	}
	mustWriteWithTimeout(parent, from.conn, start, stepTimeout)

	started := to.mustReadUntilType(parent, v1.TypeTypingStarted, stepTimeout, anySkip())
	assertTypingSender(started, to, from.userID)

	stop := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeTypingStop,
		ID:      fmt.Sprintf("%s-typing-stop", from.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.TypingPayload{SenderID: from.userID, ReceiverID: to.userID}),
	}
	mustWriteWithTimeout(parent, from.conn, stop, stepTimeout)

	stopped := to.mustReadUntilType(parent, v1.TypeTypingStopped, stepTimeout, anySkip())
	assertTypingSender(stopped, to, from.userID)
}

func assertTypingSender(env v1.Envelope, c *smokeClient, wantSender string) {
	var p v1.TypingEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", c.name, err)
	}
	if p.SenderID != wantSender {
		fatalf("typing sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, wantSender)
	}
}

// mustDurableUnreadFlow exercises the REST store end to end: conversation
// creation is idempotent, a stored message shows up as unread for the
// receiver only, and mark-read clears it.
func mustDurableUnreadFlow(parent context.Context, store *chatclient.StoreClient, userA, userB, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conv, err := store.CreateConversation(ctx, userA, userB)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	again, err := store.CreateConversation(ctx, userB, userA)
	if err != nil {
		fatalf("create conversation (swapped): %v", err)
	}
	if again.ID != conv.ID {
		fatalf("conversation creation not idempotent: %s vs %s", conv.ID, again.ID)
	}

	msg, err := store.CreateMessage(ctx, conv.ID, userA, text)
	if err != nil {
		fatalf("create message: %v", err)
	}
	if msg.ID == "" {
		fatalf("stored message missing id")
	}

	unreadB, err := store.UnreadConversations(ctx, userB)
	if err != nil {
		fatalf("unread for %s: %v", userB, err)
	}
	if !slices.Contains(unreadB, conv.ID) {
		fatalf("expected %s unread for %s, got %v", conv.ID, userB, unreadB)
	}

	unreadA, err := store.UnreadConversations(ctx, userA)
	if err != nil {
		fatalf("unread for %s: %v", userA, err)
	}
	if slices.Contains(unreadA, conv.ID) {
		fatalf("sender %s must not see own message as unread", userA)
	}

	if err := store.MarkRead(ctx, conv.ID, userB); err != nil {
		fatalf("mark read: %v", err)
	}

	unreadB, err = store.UnreadConversations(ctx, userB)
	if err != nil {
		fatalf("unread for %s after mark-read: %v", userB, err)
	}
	if slices.Contains(unreadB, conv.ID) {
		fatalf("expected %s cleared for %s, got %v", conv.ID, userB, unreadB)
	}
}

// anySkip tolerates interleaved presence/typing frames while waiting for a
// specific type.
func anySkip() map[string]struct{} {
	return map[string]struct{}{
		v1.TypePresenceList:  {},
		v1.TypeTypingStarted: {},
		v1.TypeTypingStopped: {},
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustReadDirect(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("bad json: %v", err)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
