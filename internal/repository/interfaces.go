package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
)

// ConversationRepository stores conversation records. Counter mutations are
// relative (increment, decrement) and tied to the message transition that
// causes them, so concurrent writers never clobber each other.
type ConversationRepository interface {
	// GetOrCreate is an idempotent upsert keyed by the derived conversation id.
	GetOrCreate(ctx context.Context, userA, userB string) (*domain.Conversation, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	// RecordMessageSent applies a stored message to the summary and bumps the
	// recipient's counter unless the recipient already read it. The message
	// is flagged Summarized in the same step, so repeating the call is a
	// no-op. Summary fields come from the stored message.
	RecordMessageSent(ctx context.Context, conversationID string, messageID uuid.UUID) error
	// SetUnread overwrites a counter. Only used to reconcile drift.
	SetUnread(ctx context.Context, id, userID string, n int) error
	SetTyping(ctx context.Context, id, userID string, isTyping bool) error
}

// MessageRepository is the append-only per-conversation message log.
type MessageRepository interface {
	// Append deduplicates on (conversationID, clientKey) when clientKey is
	// set. created is false when an earlier append with the same key won.
	Append(ctx context.Context, conversationID, senderID, text, clientKey string) (msg *domain.Message, created bool, err error)
	Get(ctx context.Context, conversationID string, id uuid.UUID) (*domain.Message, error)
	List(ctx context.Context, conversationID string) ([]domain.Message, error)
	// MarkRead adds readerID to every message that lacks it and, in the same
	// step, lowers the reader's counter by the number of those messages that
	// were already summarized. It returns how many messages gained readerID.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
}

type ChangeKind string

const (
	ChangeConversation ChangeKind = "conversation"
	ChangeMessages     ChangeKind = "messages"
)

// Change describes one committed mutation. Members may be empty when the
// store can't cheaply provide them; consumers then look them up.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	Members        []string   `json:"members,omitempty"`
}

// ChangeFeed is the store's change-subscription primitive. Watch blocks,
// calling fn in commit order, until ctx is done or the feed fails.
type ChangeFeed interface {
	Watch(ctx context.Context, fn func(Change)) error
}

// Store bundles one backing-store driver.
type Store struct {
	Conversations ConversationRepository
	Messages      MessageRepository
	Feed          ChangeFeed
	Close         func()
}
