package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/service"
	"github.com/vedran77/skillswap/internal/transport/http/middleware"
	"github.com/vedran77/skillswap/pkg/validator"
)

type ChatHandler struct {
	chatService *service.ChatService
	log         zerolog.Logger
}

func NewChatHandler(chatService *service.ChatService, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{chatService: chatService, log: log}
}

type SendResponse struct {
	Message *domain.Message `json:"message"`
	Warning string          `json:"warning,omitempty"`
}

func (h *ChatHandler) OpenOrCreate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if errs := validator.ValidateOpenConversation(userID, input.UserID); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	conv, err := h.chatService.OpenOrCreate(r.Context(), userID, input.UserID)
	if err != nil {
		writeServiceError(w, h.log, "open conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.chatService.ListConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, "list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	conv, err := h.chatService.GetConversation(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, "get conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	msgs, err := h.chatService.ListMessages(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, "list messages", err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input struct {
		Text      string `json:"text"`
		ClientKey string `json:"client_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	errs := validator.ValidateMessage(input.Text)
	for field, msg := range validator.ValidateClientKey(input.ClientKey) {
		errs.Add(field, msg)
	}
	if errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	msg, err := h.chatService.Send(r.Context(), r.PathValue("id"), userID, input.Text, input.ClientKey)
	if err != nil {
		var partial *domain.PartialSendError
		if errors.As(err, &partial) {
			writeJSON(w, http.StatusAccepted, SendResponse{
				Message: partial.Message,
				Warning: "Message sent but the conversation summary is out of date",
			})
			return
		}
		writeServiceError(w, h.log, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, SendResponse{Message: msg})
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.chatService.MarkRead(r.Context(), r.PathValue("id"), userID); err != nil {
		writeServiceError(w, h.log, "mark read", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := r.PathValue("id")

	var input struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if _, err := h.chatService.GetConversation(r.Context(), userID, convID); err != nil {
		writeServiceError(w, h.log, "set typing", err)
		return
	}

	h.chatService.SetTyping(r.Context(), convID, userID, input.IsTyping)
	w.WriteHeader(http.StatusNoContent)
}

// RetrySummary re-applies a stored message to the conversation summary after
// a send came back with a warning.
func (h *ChatHandler) RetrySummary(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	messageID, err := uuid.Parse(r.PathValue("messageID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE_ID", "Invalid message ID")
		return
	}

	msg, err := h.chatService.RetrySummaryByID(r.Context(), r.PathValue("id"), userID, messageID)
	if err != nil {
		var partial *domain.PartialSendError
		if errors.As(err, &partial) {
			writeJSON(w, http.StatusAccepted, SendResponse{
				Message: partial.Message,
				Warning: "Message sent but the conversation summary is out of date",
			})
			return
		}
		writeServiceError(w, h.log, "retry summary", err)
		return
	}

	writeJSON(w, http.StatusOK, SendResponse{Message: msg})
}

// Resync recomputes the caller's unread counter for one conversation.
func (h *ChatHandler) Resync(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	n, err := h.chatService.Resync(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeServiceError(w, h.log, "resync", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// Register mounts the chat routes on mux behind auth.
func (h *ChatHandler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/conversations", auth(http.HandlerFunc(h.OpenOrCreate)))
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(h.ListConversations)))
	mux.Handle("GET /api/v1/conversations/{id}", auth(http.HandlerFunc(h.GetConversation)))
	mux.Handle("GET /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(h.ListMessages)))
	mux.Handle("POST /api/v1/conversations/{id}/messages", auth(http.HandlerFunc(h.SendMessage)))
	mux.Handle("POST /api/v1/conversations/{id}/messages/{messageID}/summary", auth(http.HandlerFunc(h.RetrySummary)))
	mux.Handle("POST /api/v1/conversations/{id}/read", auth(http.HandlerFunc(h.MarkRead)))
	mux.Handle("POST /api/v1/conversations/{id}/typing", auth(http.HandlerFunc(h.SetTyping)))
	mux.Handle("POST /api/v1/conversations/{id}/resync", auth(http.HandlerFunc(h.Resync)))
}
