package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/core"
	"github.com/voxgate/voxgate/pkg/storage"
)

const (
	userIDHeader     = "X-User-ID"
	defaultChatTitle = "New chat"
	maxChatBodyBytes = 64 << 10
	maxMessagesPage  = 200
)

type wireChat struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

type wireChatMessage struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	ChatID    int64     `json:"chatId"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"isBot"`
	DBType    string    `json:"dbType"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatsHandler serves the chat management REST surface:
//
//	GET    /v1/chats                 list the caller's chats
//	POST   /v1/chats                 create a chat
//	GET    /v1/chats/{id}           fetch one chat
//	GET    /v1/chats/{id}/messages  list messages oldest-first
//	DELETE /v1/chats/{id}/messages  clear the chat's history
//
// The caller's identity arrives in the X-User-ID header; the edge proxy in
// front of the gateway is responsible for authenticating it.
type ChatsHandler struct {
	Store  storage.Store
	Logger *slog.Logger
}

func (h ChatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/chats"), "/")
	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			h.listChats(w, r, userID)
		case http.MethodPost:
			h.createChat(w, r, userID)
		default:
			h.methodNotAllowed(w, r)
		}
		return
	}

	parts := strings.Split(rest, "/")
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("chat id must be an integer", "id"))
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			h.methodNotAllowed(w, r)
			return
		}
		h.getChat(w, r, userID, chatID)
	case len(parts) == 2 && parts[1] == "messages":
		switch r.Method {
		case http.MethodGet:
			h.listMessages(w, r, userID, chatID)
		case http.MethodDelete:
			h.clearHistory(w, r, userID, chatID)
		default:
			h.methodNotAllowed(w, r)
		}
	default:
		NotFoundHandler{}.ServeHTTP(w, r)
	}
}

func (h ChatsHandler) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, r, core.NewAuthenticationError("missing X-User-ID header"))
		return "", false
	}
	return userID, true
}

func (h ChatsHandler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	writeCoreErrorJSON(w, reqID, &core.Error{
		Type:    core.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

func (h ChatsHandler) listChats(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := h.Store.ListChats(r.Context(), userID)
	if err != nil {
		h.logStoreError(r, "list chats", err)
		writeError(w, r, err)
		return
	}
	out := make([]wireChat, 0, len(chats))
	for _, c := range chats {
		out = append(out, toWireChat(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (h ChatsHandler) createChat(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		Title string `json:"title"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		writeError(w, r, core.NewInvalidRequestError("failed to read request body"))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, r, core.NewInvalidRequestError("request body must be JSON"))
			return
		}
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = defaultChatTitle
	}

	chat, err := h.Store.CreateChat(r.Context(), userID, title)
	if err != nil {
		h.logStoreError(r, "create chat", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWireChat(*chat))
}

func (h ChatsHandler) getChat(w http.ResponseWriter, r *http.Request, userID string, chatID int64) {
	chat, ok := h.ownedChat(w, r, userID, chatID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toWireChat(*chat))
}

func (h ChatsHandler) listMessages(w http.ResponseWriter, r *http.Request, userID string, chatID int64) {
	if _, ok := h.ownedChat(w, r, userID, chatID); !ok {
		return
	}

	limit := maxMessagesPage
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxMessagesPage {
			writeError(w, r, core.NewInvalidRequestErrorWithParam("limit must be a positive integer", "limit"))
			return
		}
		limit = n
	}

	msgs, err := h.Store.RecentMessages(r.Context(), chatID, limit, 0)
	if err != nil {
		h.logStoreError(r, "list messages", err)
		writeError(w, r, err)
		return
	}

	// RecentMessages returns newest-first; the API presents oldest-first.
	out := make([]wireChatMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, toWireChatMessage(msgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h ChatsHandler) clearHistory(w http.ResponseWriter, r *http.Request, userID string, chatID int64) {
	if _, ok := h.ownedChat(w, r, userID, chatID); !ok {
		return
	}
	deleted, err := h.Store.ClearHistory(r.Context(), userID, chatID)
	if err != nil {
		h.logStoreError(r, "clear history", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// ownedChat loads the chat and enforces ownership. Foreign chats report not
// found so callers cannot probe for other users' chat ids.
func (h ChatsHandler) ownedChat(w http.ResponseWriter, r *http.Request, userID string, chatID int64) (*storage.Chat, bool) {
	chat, err := h.Store.GetChat(r.Context(), chatID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, core.NewNotFoundError("Chat not found"))
		return nil, false
	}
	if err != nil {
		h.logStoreError(r, "get chat", err)
		writeError(w, r, err)
		return nil, false
	}
	if chat.UserID != userID {
		writeError(w, r, core.NewNotFoundError("Chat not found"))
		return nil, false
	}
	return chat, true
}

func (h ChatsHandler) logStoreError(r *http.Request, op string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Error("chats handler store error",
		"op", op,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
}

func toWireChat(c storage.Chat) wireChat {
	return wireChat{ID: c.ID, UserID: c.UserID, Title: c.Title, CreatedAt: c.CreatedAt}
}

func toWireChatMessage(m storage.Message) wireChatMessage {
	return wireChatMessage{
		ID:        m.ID,
		UserID:    m.UserID,
		ChatID:    m.ChatID,
		Content:   m.Content,
		IsBot:     m.IsBot,
		DBType:    m.DBType,
		CreatedAt: m.CreatedAt,
	}
}
