package ws

import (
	"errors"

	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/session"
)

// Session callbacks. Each runs on its subscription's delivery goroutine and
// only queues the event for WritePump.

func (c *Client) onConversations(convs []domain.Conversation) {
	total := 0
	for _, conv := range convs {
		total += conv.Unread(c.userID)
	}
	c.pushEvent(EventTypeConversationsSnapshot, "", ConversationsPayload{
		Conversations: convs,
		TotalUnread:   total,
		OutOfSync:     c.session.OutOfSync(),
	})
}

func (c *Client) onMessages(conversationID string) func([]domain.Message) {
	return func(msgs []domain.Message) {
		c.pushEvent(EventTypeMessagesSnapshot, conversationID, MessagesPayload{Messages: msgs})
	}
}

func (c *Client) onTyping(conversationID string) func(domain.Typing) {
	return func(t domain.Typing) {
		c.pushEvent(EventTypeTyping, conversationID, TypingPayload{UserID: t.UserID, IsTyping: t.IsTyping})
	}
}

// sendServiceError reports a failed client request with the same codes the
// HTTP API uses.
func (c *Client) sendServiceError(conversationID, clientKey string, err error) {
	code, message := "INTERNAL", "Something went wrong"
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		code, message = "NOT_FOUND", "Conversation not found"
	case errors.Is(err, domain.ErrMessageNotFound):
		code, message = "MESSAGE_NOT_FOUND", "Message not found"
	case errors.Is(err, domain.ErrNotParticipant):
		code, message = "NOT_PARTICIPANT", "You are not a participant of this conversation"
	case errors.Is(err, domain.ErrCannotChatSelf):
		code, message = "CANNOT_CHAT_SELF", "Cannot start a conversation with yourself"
	case errors.Is(err, domain.ErrInvalidIdentity):
		code, message = "INVALID_USER_ID", "Invalid user ID"
	case errors.Is(err, domain.ErrEmptyMessage):
		code, message = "EMPTY_MESSAGE", "Message text is required"
	case errors.Is(err, domain.ErrMessageTooLong):
		code, message = "MESSAGE_TOO_LONG", "Message is too long"
	case errors.Is(err, domain.ErrStoreUnavailable):
		code, message = "STORE_UNAVAILABLE", "Chat storage is temporarily unavailable"
	case errors.Is(err, session.ErrClosed):
		code, message = "SESSION_CLOSED", "Session closed"
	}
	if code == "INTERNAL" || code == "STORE_UNAVAILABLE" {
		c.log.Error().Err(err).Str("conversation_id", conversationID).Msg("ws request failed")
	}

	c.pushEvent(EventTypeError, conversationID, ErrorPayload{
		Code:      code,
		Message:   message,
		ClientKey: clientKey,
	})
}
