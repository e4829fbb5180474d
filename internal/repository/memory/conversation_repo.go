package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

type ConversationRepo struct {
	db *DB
}

func NewConversationRepo(db *DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ repository.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) GetOrCreate(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	conv, err := domain.NewConversation(userA, userB, time.Now())
	if err != nil {
		return nil, err
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if existing, ok := r.db.convs[conv.ID]; ok {
		out := existing.Clone()
		return &out, nil
	}
	conv.CreatedAt = r.db.now()
	conv.UpdatedAt = conv.CreatedAt
	conv.LastMessageTime = conv.CreatedAt
	r.db.convs[conv.ID] = conv
	r.db.emit(repository.ChangeConversation, conv)

	out := conv.Clone()
	return &out, nil
}

func (r *ConversationRepo) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	out := conv.Clone()
	return &out, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	convs := []domain.Conversation{}
	for _, conv := range r.db.convs {
		if conv.HasMember(userID) {
			convs = append(convs, conv.Clone())
		}
	}
	domain.SortConversations(convs)
	return convs, nil
}

func (r *ConversationRepo) RecordMessageSent(ctx context.Context, conversationID string, messageID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	msg := r.db.findMessage(conversationID, messageID)
	if msg == nil {
		return domain.ErrMessageNotFound
	}
	if msg.Summarized {
		return nil
	}
	other, ok := conv.Other(msg.SenderID)
	if !ok {
		return domain.ErrNotParticipant
	}

	// A late summary for an older message only touches the counter.
	if conv.LastMessageSender == "" || !msg.CreatedAt.Before(conv.LastMessageTime) {
		conv.LastMessageText = msg.Text
		conv.LastMessageTime = msg.CreatedAt
		conv.LastMessageSender = msg.SenderID
	}
	if !msg.IsReadBy(other) {
		conv.UnreadCounts[other]++
	}
	msg.Summarized = true
	conv.Typing = domain.Typing{}
	conv.UpdatedAt = r.db.now()
	r.db.emit(repository.ChangeConversation, conv)
	return nil
}

func (r *ConversationRepo) SetUnread(ctx context.Context, id, userID string, n int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	if !conv.HasMember(userID) {
		return domain.ErrNotParticipant
	}
	if conv.UnreadCounts[userID] == n {
		return nil
	}
	conv.UnreadCounts[userID] = n
	conv.UpdatedAt = r.db.now()
	r.db.emit(repository.ChangeConversation, conv)
	return nil
}

func (r *ConversationRepo) SetTyping(ctx context.Context, id, userID string, isTyping bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Typing = domain.Typing{UserID: userID, IsTyping: isTyping}
	conv.UpdatedAt = r.db.now()
	r.db.emit(repository.ChangeConversation, conv)
	return nil
}
