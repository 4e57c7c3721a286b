package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*httptest.Server, *InMemoryStore) {
	t.Helper()

	store := NewInMemoryStore()
	mux := http.NewServeMux()
	NewHandler(nil, store).Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func putJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPIConversationLifecycle(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "alice", "receiverId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decodeBody[Conversation](t, resp)
	require.NotEmpty(t, conv.ID)

	// Repeated creation returns the same conversation.
	resp = postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "bob", "receiverId": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeBody[Conversation](t, resp)
	require.Equal(t, conv.ID, again.ID)

	resp, err := http.Get(ts.URL + "/api/conversations/alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decodeBody[[]Conversation](t, resp)
	require.Len(t, convs, 1)

	resp, err = http.Get(ts.URL + "/api/conversations/find/bob/alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decodeBody[Conversation](t, resp)
	require.Equal(t, conv.ID, found.ID)

	resp, err = http.Get(ts.URL + "/api/conversations/find/alice/carol")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPICreateConversationValidation(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "alice"})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "alice", "receiverId": "alice"})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown fields are rejected.
	resp = postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "a", "receiverId": "b", "extra": "x"})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIMessageAndUnreadFlow(t *testing.T) {
	ts, _ := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"senderId": "alice", "receiverId": "bob"})
	conv := decodeBody[Conversation](t, resp)

	resp = postJSON(t, ts.URL+"/api/messages", map[string]string{
		"conversationId": conv.ID,
		"sender":         "alice",
		"text":           "textbook for sale",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeBody[Message](t, resp)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Read)

	resp, err := http.Get(ts.URL + "/api/messages/" + conv.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]Message](t, resp)
	require.Len(t, msgs, 1)
	require.Equal(t, "textbook for sale", msgs[0].Text)

	resp, err = http.Get(ts.URL + "/api/messages/unread/bob")
	require.NoError(t, err)
	unread := decodeBody[[]string](t, resp)
	require.Equal(t, []string{conv.ID}, unread)

	resp = putJSON(t, ts.URL+"/api/messages/read/"+conv.ID, map[string]string{"readerId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/messages/unread/bob")
	require.NoError(t, err)
	unread = decodeBody[[]string](t, resp)
	require.Empty(t, unread)
}

func TestAPIMessageErrors(t *testing.T) {
	ts, _ := newTestAPI(t)

	// Message into a conversation that does not exist.
	resp := postJSON(t, ts.URL+"/api/messages", map[string]string{
		"conversationId": "missing",
		"sender":         "alice",
		"text":           "hi",
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Missing text.
	resp = postJSON(t, ts.URL+"/api/messages", map[string]string{
		"conversationId": "whatever",
		"sender":         "alice",
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// History of an unknown conversation.
	getResp, err := http.Get(ts.URL + "/api/messages/missing")
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)

	// Mark-read without a reader id.
	resp = putJSON(t, ts.URL+"/api/messages/read/whatever", map[string]string{})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
