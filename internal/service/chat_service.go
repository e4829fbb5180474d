package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
	"github.com/vedran77/skillswap/internal/repository"
	"github.com/vedran77/skillswap/pkg/validator"
)

// ChatService holds no per-user state; sessions and HTTP handlers share one.
type ChatService struct {
	convs  repository.ConversationRepository
	msgs   repository.MessageRepository
	typing presence.Channel
	retry  RetryPolicy
	log    zerolog.Logger
}

func NewChatService(store repository.Store, typing presence.Channel, log zerolog.Logger) *ChatService {
	return &ChatService{
		convs:  store.Conversations,
		msgs:   store.Messages,
		typing: typing,
		retry:  DefaultRetryPolicy(),
		log:    log,
	}
}

func (s *ChatService) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// OpenOrCreate returns the conversation between userID and otherUserID,
// creating it on first contact. The result does not depend on argument order.
func (s *ChatService) OpenOrCreate(ctx context.Context, userID, otherUserID string) (*domain.Conversation, error) {
	if err := domain.ValidateIdentity(userID); err != nil {
		return nil, err
	}
	if err := domain.ValidateIdentity(otherUserID); err != nil {
		return nil, err
	}
	if userID == otherUserID {
		return nil, domain.ErrCannotChatSelf
	}

	conv, err := retry(ctx, s.retry, s.log, "get or create conversation", func() (*domain.Conversation, error) {
		return s.convs.GetOrCreate(ctx, userID, otherUserID)
	})
	if err != nil {
		return nil, fmt.Errorf("opening conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns one conversation the user belongs to.
func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := retry(ctx, s.retry, s.log, "get conversation", func() (*domain.Conversation, error) {
		return s.convs.Get(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, domain.ErrNotParticipant
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	convs, err := retry(ctx, s.retry, s.log, "list conversations", func() ([]domain.Conversation, error) {
		return s.convs.ListForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs, nil
}

// ListMessages returns the full ordered message log.
func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msgs, err := retry(ctx, s.retry, s.log, "list messages", func() ([]domain.Message, error) {
		return s.msgs.List(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Send stores a message and then updates the conversation summary.
//
// The append is retried only because clientKey makes it deduplicable; an
// empty clientKey gets a fresh one. If the message is stored but the summary
// update keeps failing, the message is returned together with a
// *domain.PartialSendError. Sending again with the same clientKey finishes
// whatever an earlier attempt left undone.
func (s *ChatService) Send(ctx context.Context, conversationID, senderID, text, clientKey string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > validator.MaxMessageLength {
		return nil, domain.ErrMessageTooLong
	}

	if _, err := s.GetConversation(ctx, senderID, conversationID); err != nil {
		return nil, err
	}

	if clientKey == "" {
		clientKey = uuid.NewString()
	}

	msg, err := retry(ctx, s.retry, s.log, "append message", func() (*domain.Message, error) {
		msg, created, err := s.msgs.Append(ctx, conversationID, senderID, text, clientKey)
		if err == nil && !created {
			s.log.Debug().
				Str("conversation_id", conversationID).
				Str("client_key", clientKey).
				Msg("send matched an earlier append")
		}
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	if msg.Summarized {
		return msg, nil
	}

	if err := s.RetrySummary(ctx, msg); err != nil {
		s.log.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("message_id", msg.ID.String()).
			Msg("conversation summary not updated")
		return msg, &domain.PartialSendError{Message: msg, Err: err}
	}
	return msg, nil
}

// RetrySummary re-runs only the summary step of a send: last message
// fields and the recipient's unread counter. The store applies each message
// once, so retrying after an ambiguous failure never double counts.
func (s *ChatService) RetrySummary(ctx context.Context, msg *domain.Message) error {
	if msg.Summarized {
		return nil
	}
	err := retryErr(ctx, s.retry, s.log, "record message sent", func() error {
		return s.convs.RecordMessageSent(ctx, msg.ConversationID, msg.ID)
	})
	if err != nil {
		return err
	}
	msg.Summarized = true
	return nil
}

// RetrySummaryByID is RetrySummary for callers that only hold the message
// id, such as a client that got a partial send back.
func (s *ChatService) RetrySummaryByID(ctx context.Context, conversationID, userID string, messageID uuid.UUID) (*domain.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msg, err := retry(ctx, s.retry, s.log, "get message", func() (*domain.Message, error) {
		return s.msgs.Get(ctx, conversationID, messageID)
	})
	if err != nil {
		return nil, err
	}
	if msg.Summarized {
		return msg, nil
	}
	if err := s.RetrySummary(ctx, msg); err != nil {
		return msg, &domain.PartialSendError{Message: msg, Err: err}
	}
	return msg, nil
}

// MarkRead acknowledges every message from the other member. The store
// lowers the reader's counter in the same step, so a send landing
// concurrently is never erased. Retrying is safe.
func (s *ChatService) MarkRead(ctx context.Context, conversationID, userID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}

	err := retryErr(ctx, s.retry, s.log, "mark messages read", func() error {
		_, err := s.msgs.MarkRead(ctx, conversationID, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// Resync recomputes the user's unread counter from the message log.
func (s *ChatService) Resync(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	n, err := retry(ctx, s.retry, s.log, "count unread", func() (int, error) {
		return s.msgs.CountUnread(ctx, conversationID, userID)
	})
	if err != nil {
		return 0, err
	}

	err = retryErr(ctx, s.retry, s.log, "set unread", func() error {
		return s.convs.SetUnread(ctx, conversationID, userID, n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetTyping publishes the indicator and mirrors it on the conversation
// record. Failures are logged and never returned.
func (s *ChatService) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) {
	if s.typing != nil {
		s.typing.Publish(ctx, conversationID, userID, isTyping)
	}
	if err := s.convs.SetTyping(ctx, conversationID, userID, isTyping); err != nil {
		s.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Bool("is_typing", isTyping).
			Msg("typing state not stored")
	}
}

// Typing exposes the presence channel for watchers.
func (s *ChatService) Typing() presence.Channel {
	return s.typing
}
