package mongo

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MessageRepo struct {
	client *mongo.Client
	msgs   *mongo.Collection
	convs  *mongo.Collection
	clocks *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		client: db.Client(),
		msgs:   db.Collection(messagesColl),
		convs:  db.Collection(conversationsColl),
		clocks: db.Collection(clocksColl),
	}
}

var _ repository.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID, text, clientKey string) (*domain.Message, bool, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return nil, false, err
	}
	if clientKey != "" {
		msg, err := r.findByClientKey(ctx, conversationID, clientKey)
		if err == nil {
			return msg, false, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, domain.Unavailable("lookup client key", err)
		}
	}

	clock, err := r.tick(ctx, conversationID)
	if err != nil {
		return nil, false, domain.Unavailable("advance conversation clock", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	doc := messageDoc{
		ID:             id.String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      clock.Clock,
		ReadBy:         []string{senderID},
		ClientKey:      clientKey,
		Seq:            clock.Seq,
	}
	if _, err := r.msgs.InsertOne(ctx, doc); err != nil {
		// Lost a race with a retry of the same send.
		if clientKey != "" && mongo.IsDuplicateKeyError(err) {
			msg, findErr := r.findByClientKey(ctx, conversationID, clientKey)
			if findErr == nil {
				return msg, false, nil
			}
		}
		return nil, false, domain.Unavailable("append message", err)
	}

	msg, err := doc.toMessage()
	if err != nil {
		return nil, false, err
	}
	return &msg, true, nil
}

// tick advances the per-conversation sequence and server clock in one
// atomic update. $$NOW is the server's time; the clock never goes backwards
// and never repeats.
func (r *MessageRepo) tick(ctx context.Context, conversationID string) (*clockDoc, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"seq": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$seq", 0}}, 1}},
			"clock": bson.M{"$max": bson.A{
				"$$NOW",
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$clock", bson.M{"$toDate": 0}}}, 1}},
			}},
		}}},
	}
	var out clockDoc
	err := r.clocks.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		pipeline,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return nil, err
	}
	out.Clock = out.Clock.UTC()
	return &out, nil
}

func (r *MessageRepo) findByClientKey(ctx context.Context, conversationID, clientKey string) (*domain.Message, error) {
	var doc messageDoc
	err := r.msgs.FindOne(ctx, bson.M{"conversation_id": conversationID, "client_key": clientKey}).Decode(&doc)
	if err != nil {
		return nil, err
	}
	msg, err := doc.toMessage()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepo) Get(ctx context.Context, conversationID string, id uuid.UUID) (*domain.Message, error) {
	var doc messageDoc
	err := r.msgs.FindOne(ctx, bson.M{"_id": id.String(), "conversation_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if err := r.ensureConversation(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get message", err)
	}
	msg, err := doc.toMessage()
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepo) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	cur, err := r.msgs.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{
			{Key: "created_at", Value: 1},
			{Key: "seq", Value: 1},
			{Key: "_id", Value: 1},
		}),
	)
	if err != nil {
		return nil, domain.Unavailable("list messages", err)
	}
	defer cur.Close(ctx)

	messages := []domain.Message{}
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.Unavailable("decode message", err)
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := cur.Err(); err != nil {
		return nil, domain.Unavailable("list messages", err)
	}
	return messages, nil
}

func unreadFilter(conversationID, userID string) bson.M {
	return bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"read_by":         bson.M{"$ne": userID},
	}
}

// MarkRead uses $addToSet so the set union is atomic per document and safe
// to repeat. The counter decrement commits in the same transaction; a
// concurrent summary on one of the same messages is a write conflict and
// the transaction is retried.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	var changed int
	err := withTransaction(ctx, r.client, func(sc mongo.SessionContext) error {
		var conv conversationDoc
		err := r.convs.FindOne(sc, bson.M{"_id": conversationID}).Decode(&conv)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		if !slices.Contains(conv.Members, readerID) {
			return domain.ErrNotParticipant
		}

		filter := unreadFilter(conversationID, readerID)
		counted := bson.M{"summarized": true}
		for k, v := range filter {
			counted[k] = v
		}
		n, err := r.msgs.CountDocuments(sc, counted)
		if err != nil {
			return err
		}

		res, err := r.msgs.UpdateMany(sc, filter, bson.M{"$addToSet": bson.M{"read_by": readerID}})
		if err != nil {
			return err
		}
		changed = int(res.ModifiedCount)
		if n == 0 {
			return nil
		}

		_, err = r.convs.UpdateOne(sc,
			bson.M{"_id": conversationID},
			bson.M{
				"$inc": bson.M{"unread.$[u].count": -n},
				"$set": bson.M{"updated_at": time.Now().UTC()},
			},
			options.Update().SetArrayFilters(options.ArrayFilters{
				Filters: []interface{}{bson.M{"u.user_id": readerID}},
			}),
		)
		return err
	})
	if err := storeErr("mark read", err); err != nil {
		return 0, err
	}
	return changed, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := r.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	n, err := r.msgs.CountDocuments(ctx, unreadFilter(conversationID, userID))
	if err != nil {
		return 0, domain.Unavailable("count unread", err)
	}
	return int(n), nil
}

func (r *MessageRepo) ensureConversation(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := r.convs.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return domain.Unavailable("lookup conversation", err)
	}
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}
