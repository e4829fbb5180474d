package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/pkg/validator"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"code":   "VALIDATION_ERROR",
			"fields": errs,
		},
	})
}

// writeServiceError maps chat errors onto HTTP statuses. Anything unknown
// is logged and reported as internal.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
	case errors.Is(err, domain.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "MESSAGE_NOT_FOUND", "Message not found")
	case errors.Is(err, domain.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "NOT_PARTICIPANT", "You are not a participant of this conversation")
	case errors.Is(err, domain.ErrCannotChatSelf):
		writeError(w, http.StatusBadRequest, "CANNOT_CHAT_SELF", "Cannot start a conversation with yourself")
	case errors.Is(err, domain.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "INVALID_USER_ID", "Invalid user ID")
	case errors.Is(err, domain.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "EMPTY_MESSAGE", "Message text is required")
	case errors.Is(err, domain.ErrMessageTooLong):
		writeError(w, http.StatusBadRequest, "MESSAGE_TOO_LONG", "Message is too long")
	case errors.Is(err, domain.ErrStoreUnavailable):
		log.Error().Err(err).Str("op", op).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Chat storage is temporarily unavailable")
	default:
		log.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Something went wrong")
	}
}
