package mongo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Feed implements repository.ChangeFeed on a database-level change stream.
// Change streams need a replica set.
type Feed struct {
	db  *mongo.Database
	log zerolog.Logger
}

func NewFeed(db *mongo.Database, log zerolog.Logger) *Feed {
	return &Feed{db: db, log: log}
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument struct {
		ConversationID string   `bson:"conversation_id"`
		Members        []string `bson:"members"`
	} `bson:"fullDocument"`
}

func (f *Feed) Watch(ctx context.Context, fn func(repository.Change)) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"ns.coll":       bson.M{"$in": bson.A{conversationsColl, messagesColl}},
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}},
		}}},
	}
	cs, err := f.db.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			f.log.Warn().Err(err).Msg("dropping undecodable change event")
			continue
		}

		switch ev.NS.Coll {
		case conversationsColl:
			fn(repository.Change{
				Kind:           repository.ChangeConversation,
				ConversationID: ev.DocumentKey.ID,
				Members:        ev.FullDocument.Members,
			})
		case messagesColl:
			if ev.FullDocument.ConversationID == "" {
				continue
			}
			fn(repository.Change{
				Kind:           repository.ChangeMessages,
				ConversationID: ev.FullDocument.ConversationID,
			})
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return cs.Err()
}

// EnsureIndexes creates the indexes the repositories rely on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(conversationsColl).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members", Value: 1}, {Key: "last_message_time", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	_, err = db.Collection(messagesColl).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"client_key": bson.M{"$type": "string"},
			}),
		},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

// NewStore wires the mongo driver into a repository.Store.
func NewStore(client *mongo.Client, db *mongo.Database, log zerolog.Logger) repository.Store {
	return repository.Store{
		Conversations: NewConversationRepo(db),
		Messages:      NewMessageRepo(db),
		Feed:          NewFeed(db, log),
		Close: func() {
			_ = client.Disconnect(context.Background())
		},
	}
}
