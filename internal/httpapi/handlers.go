package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tutorly/peerchat/internal/chat"
	"github.com/tutorly/peerchat/internal/securelog"
)

const (
	maxBodyBytes    = 1 << 20
	timeLayout      = time.RFC3339Nano
	requestIDHeader = "X-Request-ID"
)

var validate = validator.New()

type ctxKey int

const requestIDKey ctxKey = iota

type Handler struct {
	chat           *chat.Service
	log            *slog.Logger
	userHeader     string
	adminTokenHash []byte
}

// NewHandler serves the chat REST surface. userHeader names the header an
// upstream gateway sets to the authenticated user id. An empty
// adminTokenHash disables the admin routes.
func NewHandler(svc *chat.Service, log *slog.Logger, userHeader, adminTokenHash string) *Handler {
	if log == nil {
		log = securelog.Discard()
	}
	if strings.TrimSpace(userHeader) == "" {
		userHeader = "X-User-ID"
	}
	return &Handler{
		chat:           svc,
		log:            log,
		userHeader:     userHeader,
		adminTokenHash: []byte(strings.TrimSpace(adminTokenHash)),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/chat/messages", h.withRequestID(h.handleMessages))
	mux.Handle("/chat/read", h.withRequestID(h.handleRead))
	mux.Handle("/chat/unread", h.withRequestID(h.handleUnread))
	mux.Handle("/chat/conversations", h.withRequestID(h.handleConversations))
}

type sendMessageRequest struct {
	PeerID string `json:"peer_id" validate:"required"`
	Body   string `json:"body" validate:"required"`
}

type markReadRequest struct {
	PeerID string `json:"peer_id" validate:"required"`
}

type messageResponse struct {
	ID                int64  `json:"message_id"`
	SenderID          string `json:"sender_id"`
	SenderDisplayName string `json:"sender_display_name"`
	Body              string `json:"body"`
	Type              string `json:"message_type"`
	IsRead            bool   `json:"is_read"`
	Timestamp         string `json:"timestamp"`
	IsOwn             bool   `json:"is_own"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type conversationResponse struct {
	ConversationID     string           `json:"conversation_id"`
	Peer               chat.PeerProfile `json:"peer"`
	LastMessagePreview string           `json:"last_message_preview"`
	LastMessageAt      *string          `json:"last_message_at"`
	UnreadCount        int              `json:"unread_count"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.sendMessage(w, r)
	case http.MethodGet:
		h.getMessages(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("peer_id and body are required"))
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), userID, req.PeerID, req.Body)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	peerID := strings.TrimSpace(q.Get("peer_id"))
	if peerID == "" {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("peer_id is required"))
		return
	}

	var opts chat.FetchOptions
	if v := strings.TrimSpace(q.Get("since_id")); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil || since < 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("since_id must be a non-negative integer"))
			return
		}
		opts.SinceID = since
	}
	if v := strings.TrimSpace(q.Get("raw")); v != "" {
		raw, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("raw must be a boolean"))
			return
		}
		opts.Raw = raw
	}

	msgs, err := h.chat.GetMessages(r.Context(), userID, peerID, opts)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	resp := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req markReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", errors.New("peer_id is required"))
		return
	}

	n, err := h.chat.MarkAsRead(r.Context(), userID, req.PeerID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var (
		n   int
		err error
	)
	if peerID := strings.TrimSpace(r.URL.Query().Get("peer_id")); peerID != "" {
		n, err = h.chat.GetUnreadCount(r.Context(), userID, peerID)
	} else {
		n, err = h.chat.GetTotalUnread(r.Context(), userID)
	}
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listConversations(w, r)
	case http.MethodDelete:
		h.deleteConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	summaries, err := h.chat.GetAllConversations(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}

	resp := conversationsResponse{Conversations: make([]conversationResponse, 0, len(summaries))}
	for _, s := range summaries {
		item := conversationResponse{
			ConversationID:     s.ConversationID,
			Peer:               s.Peer,
			LastMessagePreview: s.LastMessagePreview,
			UnreadCount:        s.UnreadCount,
		}
		if s.LastMessageAt != nil {
			at := s.LastMessageAt.UTC().Format(timeLayout)
			item.LastMessageAt = &at
		}
		resp.Conversations = append(resp.Conversations, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if status, err := h.authenticateAdmin(r); err != nil {
		h.writeError(w, r, status, "forbidden", err)
		return
	}

	q := r.URL.Query()
	deleted, err := h.chat.DeleteConversation(r.Context(), strings.TrimSpace(q.Get("user_a")), strings.TrimSpace(q.Get("user_b")))
	if err != nil {
		h.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// authenticateAdmin compares the bearer token against the configured bcrypt
// hash.
func (h *Handler) authenticateAdmin(r *http.Request) (int, error) {
	if len(h.adminTokenHash) == 0 {
		return http.StatusForbidden, errors.New("admin access is disabled")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return http.StatusUnauthorized, errors.New("missing bearer token")
	}
	if err := bcrypt.CompareHashAndPassword(h.adminTokenHash, []byte(strings.TrimSpace(token))); err != nil {
		return http.StatusForbidden, errors.New("invalid admin token")
	}
	return http.StatusOK, nil
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(h.userHeader))
	if userID == "" {
		h.writeError(w, r, http.StatusUnauthorized, "unauthenticated", errors.New("missing caller identity"))
		return "", false
	}
	return userID, true
}

func (h *Handler) withRequestID(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// writeChatError maps service sentinels to statuses. Storage and corruption
// details stay in the log; the client gets a fixed message.
func (h *Handler) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrMessageTooLong):
		h.writeError(w, r, http.StatusBadRequest, "message_too_long", err)
	case errors.Is(err, chat.ErrValidation):
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, chat.ErrConversationNotFound):
		h.writeError(w, r, http.StatusNotFound, "not_found", err)
	case errors.Is(err, chat.ErrCorruptRecord), errors.Is(err, chat.ErrIDConflict):
		h.writeError(w, r, http.StatusInternalServerError, "corrupt_record", errors.New("conversation record is unreadable"))
		securelog.Error(h.requestLog(r), "httpapi.chat", err)
	case errors.Is(err, chat.ErrStorage):
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", errors.New("storage unavailable"))
		securelog.Error(h.requestLog(r), "httpapi.chat", err)
	default:
		h.writeError(w, r, http.StatusInternalServerError, "internal", errors.New("internal error"))
		securelog.Error(h.requestLog(r), "httpapi.chat", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	h.requestLog(r).Debug("request failed", "status", status, "code", code)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (h *Handler) requestLog(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return h.log.With("request_id", id, "path", r.URL.Path)
	}
	return h.log.With("path", r.URL.Path)
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:                m.ID,
		SenderID:          m.SenderID,
		SenderDisplayName: m.SenderDisplayName,
		Body:              m.Body,
		Type:              m.Type,
		IsRead:            m.IsRead,
		Timestamp:         m.Timestamp.UTC().Format(timeLayout),
		IsOwn:             m.IsOwn,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
