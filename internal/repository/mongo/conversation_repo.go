package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ConversationRepo struct {
	client *mongo.Client
	coll   *mongo.Collection
	msgs   *mongo.Collection
}

func NewConversationRepo(db *mongo.Database) *ConversationRepo {
	return &ConversationRepo{
		client: db.Client(),
		coll:   db.Collection(conversationsColl),
		msgs:   db.Collection(messagesColl),
	}
}

var _ repository.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) GetOrCreate(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv, err := domain.NewConversation(userA, userB, now)
	if err != nil {
		return nil, err
	}

	doc := newConversationDoc(conv)
	doc.ID = "" // taken from the filter on insert
	_, err = r.coll.UpdateOne(ctx,
		bson.M{"_id": conv.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	// Two concurrent upserts can both miss and one then hits the unique _id.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, domain.Unavailable("create conversation", err)
	}
	return r.Get(ctx, conv.ID)
}

func (r *ConversationRepo) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var doc conversationDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get conversation", err)
	}
	conv := doc.toConversation()
	return &conv, nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	cur, err := r.coll.Find(ctx,
		bson.M{"members": userID},
		options.Find().SetSort(bson.D{{Key: "last_message_time", Value: -1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, domain.Unavailable("list conversations", err)
	}
	defer cur.Close(ctx)

	convs := []domain.Conversation{}
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, domain.Unavailable("decode conversation", err)
		}
		convs = append(convs, doc.toConversation())
	}
	if err := cur.Err(); err != nil {
		return nil, domain.Unavailable("list conversations", err)
	}
	return convs, nil
}

// RecordMessageSent flags the message summarized and applies it to the
// conversation document in one transaction. A message that is already
// flagged is left alone.
func (r *ConversationRepo) RecordMessageSent(ctx context.Context, conversationID string, messageID uuid.UUID) error {
	err := withTransaction(ctx, r.client, func(sc mongo.SessionContext) error {
		var doc messageDoc
		err := r.msgs.FindOneAndUpdate(sc,
			bson.M{"_id": messageID.String(), "conversation_id": conversationID, "summarized": bson.M{"$ne": true}},
			bson.M{"$set": bson.M{"summarized": true}},
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			n, err := r.msgs.CountDocuments(sc, bson.M{"_id": messageID.String(), "conversation_id": conversationID})
			if err != nil {
				return err
			}
			if n > 0 {
				return nil // already summarized
			}
			if _, err := r.Get(sc, conversationID); err != nil {
				return err
			}
			return domain.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return r.applySummary(sc, conversationID, &doc)
	})
	return storeErr("record message sent", err)
}

// applySummary sets the newer-wins summary and $inc's every member that has
// not read the message, which for a pair is at most the receiver.
func (r *ConversationRepo) applySummary(ctx context.Context, conversationID string, msg *messageDoc) error {
	// Pipeline update so the counter bump and the newer-wins summary land in
	// one document write. User-supplied strings go through $literal so a
	// leading '$' is never read as a field path.
	sender := bson.M{"$literal": msg.SenderID}
	readBy := bson.M{"$literal": msg.ReadBy}
	at := msg.CreatedAt
	newer := bson.M{"$or": bson.A{
		bson.M{"$eq": bson.A{"$last_message_sender", ""}},
		bson.M{"$gte": bson.A{at, "$last_message_time"}},
	}}
	pick := func(val interface{}, field string) bson.M {
		return bson.M{"$cond": bson.A{newer, val, "$" + field}}
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"unread": bson.M{"$map": bson.M{
				"input": "$unread",
				"as":    "u",
				"in": bson.M{"$cond": bson.A{
					bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$u.user_id", readBy}}}},
					bson.M{"user_id": "$$u.user_id", "count": bson.M{"$add": bson.A{"$$u.count", 1}}},
					"$$u",
				}},
			}},
			"last_message_text":   pick(bson.M{"$literal": msg.Text}, "last_message_text"),
			"last_message_time":   pick(at, "last_message_time"),
			"last_message_sender": pick(sender, "last_message_sender"),
			"typing":              bson.M{"user_id": "", "is_typing": false},
			"updated_at":          "$$NOW",
		}}},
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": conversationID, "members": msg.SenderID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return r.missOrNotMember(ctx, conversationID)
	}
	return nil
}

func (r *ConversationRepo) SetUnread(ctx context.Context, id, userID string, n int) error {
	// Filtering on the current value keeps a no-op out of the change stream.
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "unread": bson.M{"$elemMatch": bson.M{"user_id": userID, "count": bson.M{"$ne": n}}}},
		bson.M{
			"$set": bson.M{"unread.$[u].count": n, "updated_at": time.Now().UTC()},
		},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{"u.user_id": userID}},
		}),
	)
	if err != nil {
		return domain.Unavailable("set unread", err)
	}
	if res.MatchedCount == 0 {
		conv, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if !conv.HasMember(userID) {
			return domain.ErrNotParticipant
		}
	}
	return nil
}

func (r *ConversationRepo) SetTyping(ctx context.Context, id, userID string, isTyping bool) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"typing":     typingDoc{UserID: userID, IsTyping: isTyping},
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return domain.Unavailable("set typing", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *ConversationRepo) missOrNotMember(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotParticipant
}
