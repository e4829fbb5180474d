package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ repository.MessageRepository = (*MessageRepo)(nil)

func clientKeyIndex(conversationID, clientKey string) string {
	return conversationID + "\x00" + clientKey
}

func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID, text, clientKey string) (*domain.Message, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[conversationID]
	if !ok {
		return nil, false, domain.ErrConversationNotFound
	}
	if clientKey != "" {
		if existing, ok := r.db.keys[clientKeyIndex(conversationID, clientKey)]; ok {
			out := existing.Clone()
			return &out, false, nil
		}
	}

	// Server clock, forced strictly past the previous message so two senders
	// never share a timestamp.
	now := r.db.now().UTC().Truncate(time.Microsecond)
	log := r.db.msgs[conversationID]
	if n := len(log); n > 0 && !now.After(log[n-1].CreatedAt) {
		now = log[n-1].CreatedAt.Add(time.Microsecond)
	}

	msg, err := domain.NewMessage(conversationID, senderID, text, clientKey, now)
	if err != nil {
		return nil, false, err
	}
	r.db.seq++
	msg.Seq = r.db.seq

	r.db.msgs[conversationID] = append(log, msg)
	if clientKey != "" {
		r.db.keys[clientKeyIndex(conversationID, clientKey)] = msg
	}
	r.db.emit(repository.ChangeMessages, conv)

	out := msg.Clone()
	return &out, true, nil
}

func (r *MessageRepo) Get(ctx context.Context, conversationID string, id uuid.UUID) (*domain.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.convs[conversationID]; !ok {
		return nil, domain.ErrConversationNotFound
	}
	msg := r.db.findMessage(conversationID, id)
	if msg == nil {
		return nil, domain.ErrMessageNotFound
	}
	out := msg.Clone()
	return &out, nil
}

func (r *MessageRepo) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.convs[conversationID]; !ok {
		return nil, domain.ErrConversationNotFound
	}
	log := r.db.msgs[conversationID]
	out := make([]domain.Message, 0, len(log))
	for _, m := range log {
		out = append(out, m.Clone())
	}
	domain.SortMessages(out)
	return out, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	conv, ok := r.db.convs[conversationID]
	if !ok {
		return 0, domain.ErrConversationNotFound
	}
	if !conv.HasMember(readerID) {
		return 0, domain.ErrNotParticipant
	}
	changed, counted := 0, 0
	for _, m := range r.db.msgs[conversationID] {
		if m.NeedsReadBy(readerID) {
			m.ReadBy = append(m.ReadBy, readerID)
			changed++
			if m.Summarized {
				counted++
			}
		}
	}
	if changed > 0 {
		r.db.emit(repository.ChangeMessages, conv)
	}
	if counted > 0 {
		conv.UnreadCounts[readerID] -= counted
		conv.UpdatedAt = r.db.now()
		r.db.emit(repository.ChangeConversation, conv)
	}
	return changed, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.convs[conversationID]; !ok {
		return 0, domain.ErrConversationNotFound
	}
	n := 0
	for _, m := range r.db.msgs[conversationID] {
		if m.NeedsReadBy(userID) {
			n++
		}
	}
	return n, nil
}
