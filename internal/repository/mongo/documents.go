package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	conversationsColl = "conversations"
	messagesColl      = "messages"
	clocksColl        = "conversation_clocks"
)

// Unread counters are kept as an array of {user_id, count} rather than a
// map because identities are opaque and may contain '.' or '$'.
type unreadDoc struct {
	UserID string `bson:"user_id"`
	Count  int    `bson:"count"`
}

type typingDoc struct {
	UserID   string `bson:"user_id"`
	IsTyping bool   `bson:"is_typing"`
}

type conversationDoc struct {
	ID                string      `bson:"_id,omitempty"`
	Members           []string    `bson:"members"`
	LastMessageText   string      `bson:"last_message_text"`
	LastMessageTime   time.Time   `bson:"last_message_time"`
	LastMessageSender string      `bson:"last_message_sender"`
	Unread            []unreadDoc `bson:"unread"`
	Typing            typingDoc   `bson:"typing"`
	CreatedAt         time.Time   `bson:"created_at"`
	UpdatedAt         time.Time   `bson:"updated_at"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Text           string    `bson:"text"`
	CreatedAt      time.Time `bson:"created_at"`
	ReadBy         []string  `bson:"read_by"`
	ClientKey      string    `bson:"client_key,omitempty"`
	Seq            int64     `bson:"seq"`
	Summarized     bool      `bson:"summarized"`
}

type clockDoc struct {
	ID    string    `bson:"_id"`
	Seq   int64     `bson:"seq"`
	Clock time.Time `bson:"clock"`
}

// toConversation is the single document → domain mapping for conversations.
func (d *conversationDoc) toConversation() domain.Conversation {
	conv := domain.Conversation{
		ID:                d.ID,
		LastMessageText:   d.LastMessageText,
		LastMessageTime:   d.LastMessageTime,
		LastMessageSender: d.LastMessageSender,
		UnreadCounts:      make(map[string]int, len(d.Unread)),
		Typing:            domain.Typing{UserID: d.Typing.UserID, IsTyping: d.Typing.IsTyping},
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	copy(conv.Members[:], d.Members)
	for _, u := range d.Unread {
		conv.UnreadCounts[u.UserID] = u.Count
	}
	return conv.Clone()
}

func newConversationDoc(conv *domain.Conversation) conversationDoc {
	return conversationDoc{
		ID:              conv.ID,
		Members:         []string{conv.Members[0], conv.Members[1]},
		LastMessageTime: conv.LastMessageTime,
		Unread: []unreadDoc{
			{UserID: conv.Members[0]},
			{UserID: conv.Members[1]},
		},
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

// toMessage is the single document → domain mapping for messages.
func (d *messageDoc) toMessage() (domain.Message, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Message{}, err
	}
	readBy := d.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return domain.Message{
		ID:             id,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Text:           d.Text,
		CreatedAt:      d.CreatedAt.UTC(),
		ReadBy:         readBy,
		ClientKey:      d.ClientKey,
		Seq:            d.Seq,
		Summarized:     d.Summarized,
	}, nil
}

// withTransaction runs fn in a multi-document transaction. fn may run more
// than once when the server reports a transient conflict.
func withTransaction(ctx context.Context, client *mongo.Client, fn func(sc mongo.SessionContext) error) error {
	sess, err := client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// storeErr lets domain errors raised inside a transaction through and
// reports everything else as an I/O failure.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrNotParticipant):
		return err
	}
	return domain.Unavailable(op, err)
}
