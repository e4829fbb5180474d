package domain

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Message is immutable once created except for ReadBy, which only grows.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []string  `json:"read_by"`
	// ClientKey is the sender's idempotency key for this send attempt.
	ClientKey string `json:"client_key,omitempty"`
	// Seq breaks ties between messages stored in the same instant.
	Seq int64 `json:"seq"`
	// Summarized is set once the conversation summary and the recipient's
	// unread counter reflect this message. It never goes back to false.
	Summarized bool `json:"summarized"`
}

// NewMessage builds a message with a time-ordered id. The sender has read
// their own message.
func NewMessage(conversationID, senderID, text, clientKey string, now time.Time) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
		ReadBy:         []string{senderID},
		ClientKey:      clientKey,
	}, nil
}

func (m *Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// NeedsReadBy reports whether markRead for userID would change m.
func (m *Message) NeedsReadBy(userID string) bool {
	return m.SenderID != userID && !m.IsReadBy(userID)
}

func (m *Message) Clone() Message {
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}

// SortMessages orders by creation time, then sequence, then id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID.String() < b.ID.String()
	})
}

// CountUnread counts messages userID has not read and did not send.
func CountUnread(msgs []Message, userID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].NeedsReadBy(userID) {
			n++
		}
	}
	return n
}
