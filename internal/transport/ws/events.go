package ws

import (
	"encoding/json"
	"time"

	"github.com/vedran77/skillswap/internal/domain"
)

// Event types - Client → Server
const (
	EventTypeConversationsSubscribe = "conversations.subscribe"
	EventTypeConversationSubscribe  = "conversation.subscribe"
	EventTypeConversationUnsub      = "conversation.unsubscribe"
	EventTypeMessageSend            = "message.send"
	EventTypeMessageRead            = "message.read"
	EventTypeMessageSummaryRetry    = "message.summary_retry"
	EventTypeTypingStart            = "typing.start"
	EventTypeTypingStop             = "typing.stop"
	EventTypePing                   = "ping"
)

// Event types - Server → Client
const (
	EventTypeConversationsSnapshot = "conversations.snapshot"
	EventTypeMessagesSnapshot      = "messages.snapshot"
	EventTypeTyping                = "typing"
	EventTypeMessageAck            = "message.ack"
	EventTypePong                  = "pong"
	EventTypeError                 = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

// ConversationSubscribePayload opens the conversation with UserID when the
// envelope carries no conversation_id.
type ConversationSubscribePayload struct {
	UserID string `json:"user_id,omitempty"`
}

type MessageSendPayload struct {
	Text      string `json:"text"`
	ClientKey string `json:"client_key,omitempty"`
}

// MessageSummaryRetryPayload names a message whose send was acked with a
// summary warning.
type MessageSummaryRetryPayload struct {
	MessageID string `json:"message_id"`
}

// --- Server → Client payloads ---

type ConversationsPayload struct {
	Conversations []domain.Conversation `json:"conversations"`
	TotalUnread   int                   `json:"total_unread"`
	OutOfSync     []string              `json:"out_of_sync,omitempty"`
}

type MessagesPayload struct {
	Messages []domain.Message `json:"messages"`
}

type TypingPayload struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type MessageAckPayload struct {
	ClientKey string          `json:"client_key,omitempty"`
	Message   *domain.Message `json:"message"`
	Warning   string          `json:"warning,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientKey string `json:"client_key,omitempty"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, conversationID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        data,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}
