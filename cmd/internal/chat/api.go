package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxBodyBytes = 64 << 10 // 64 KiB

// Handler exposes the store contract over REST, matching the paths the
// marketplace client consumes.
type Handler struct {
	log   *slog.Logger
	store Store
}

// NewHandler constructs the chat REST handler.
func NewHandler(log *slog.Logger, store Store) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, store: store}
}

// Register mounts all chat routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversations", h.createConversation)
	mux.HandleFunc("GET /api/conversations/{userId}", h.listConversations)
	mux.HandleFunc("GET /api/conversations/find/{firstUserId}/{secondUserId}", h.findConversation)

	mux.HandleFunc("POST /api/messages", h.createMessage)
	mux.HandleFunc("GET /api/messages/{conversationId}", h.listMessages)
	mux.HandleFunc("GET /api/messages/unread/{userId}", h.unreadConversations)
	mux.HandleFunc("PUT /api/messages/read/{conversationId}", h.markRead)
}

type createConversationRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// createConversation is idempotent on the member pair: repeated "chat with
// seller" clicks return the same conversation.
func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SenderID) == "" || strings.TrimSpace(req.ReceiverID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "senderId and receiverId required")
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), req.SenderID, req.ReceiverID)
	if err != nil {
		h.fail(w, "conversation.create", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	convs, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, "conversation.list", err)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) findConversation(w http.ResponseWriter, r *http.Request) {
	first := r.PathValue("firstUserId")
	second := r.PathValue("secondUserId")

	conv, err := h.store.FindConversation(r.Context(), first, second)
	if err != nil {
		h.fail(w, "conversation.find", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type createMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	Text           string `json:"text"`
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg, err := h.store.CreateMessage(r.Context(), CreateMessageInput{
		ConversationID: req.ConversationID,
		Sender:         req.Sender,
		Text:           req.Text,
	})
	if err != nil {
		h.fail(w, "message.create", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")

	msgs, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		h.fail(w, "message.list", err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) unreadConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	ids, err := h.store.UnreadConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, "message.unread", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

type markReadRequest struct {
	ReaderID string `json:"readerId"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")

	var req markReadRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ReaderID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "readerId required")
		return
	}

	if err := h.store.MarkRead(r.Context(), conversationID, req.ReaderID); err != nil {
		h.fail(w, "message.mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps store errors onto HTTP statuses. NotFound surfaces to the caller;
// everything else is a 500 with details only in the server log.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such conversation")
		return
	}
	if errors.Is(err, ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	h.log.Error("chat.api.fail", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// ---- JSON helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
