package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StoreClient is a typed client for the unimarket chat REST API.
type StoreClient struct {
	baseURL string
	httpc   *http.Client
}

// StoreOption customizes a StoreClient.
type StoreOption func(*StoreClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) StoreOption {
	return func(s *StoreClient) {
		if c != nil {
			s.httpc = c
		}
	}
}

// NewStoreClient builds a client against baseURL, e.g. "http://127.0.0.1:8080".
func NewStoreClient(baseURL string, opts ...StoreOption) *StoreClient {
	s := &StoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateConversation creates (or returns the existing) conversation between
// the two users. The store treats the member pair as unordered.
func (s *StoreClient) CreateConversation(ctx context.Context, senderID, receiverID string) (Conversation, error) {
	body := map[string]string{"senderId": senderID, "receiverId": receiverID}
	var conv Conversation
	err := s.do(ctx, http.MethodPost, "/api/conversations", body, &conv)
	return conv, err
}

// ListConversations returns every conversation userID is a member of.
func (s *StoreClient) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	err := s.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(userID), nil, &convs)
	return convs, err
}

// FindConversation looks up the conversation for an exact member pair.
// Returns ErrNotFound when the pair has never chatted.
func (s *StoreClient) FindConversation(ctx context.Context, firstUserID, secondUserID string) (Conversation, error) {
	p := "/api/conversations/find/" + url.PathEscape(firstUserID) + "/" + url.PathEscape(secondUserID)
	var conv Conversation
	err := s.do(ctx, http.MethodGet, p, nil, &conv)
	return conv, err
}

// CreateMessage appends a message to a conversation and returns the stored
// record, including its assigned id.
func (s *StoreClient) CreateMessage(ctx context.Context, conversationID, sender, text string) (Message, error) {
	body := map[string]string{
		"conversationId": conversationID,
		"sender":         sender,
		"text":           text,
	}
	var msg Message
	err := s.do(ctx, http.MethodPost, "/api/messages", body, &msg)
	return msg, err
}

// ListMessages returns the full ordered history of a conversation.
func (s *StoreClient) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	err := s.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, &msgs)
	return msgs, err
}

// UnreadConversations returns the ids of conversations holding at least one
// message addressed to userID that has not been marked read.
func (s *StoreClient) UnreadConversations(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.do(ctx, http.MethodGet, "/api/messages/unread/"+url.PathEscape(userID), nil, &ids)
	return ids, err
}

// MarkRead marks every message in the conversation not sent by readerID as read.
func (s *StoreClient) MarkRead(ctx context.Context, conversationID, readerID string) error {
	body := map[string]string{"readerId": readerID}
	p := "/api/messages/read/" + url.PathEscape(conversationID)
	return s.do(ctx, http.MethodPut, p, body, nil)
}

func (s *StoreClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chatclient: encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("chatclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("chatclient: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		return fmt.Errorf("chatclient: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chatclient: decode response: %w", err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(raw) == 0 {
		return "no body"
	}

	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Code != "" {
		return payload.Error.Code + ": " + payload.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
