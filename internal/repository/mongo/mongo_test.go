package mongo

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/skillswap/internal/repository/repotest"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Needs a replica set for transactions and change streams, e.g.
// SKILLSWAP_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func TestStore_Shared(t *testing.T) {
	uri := os.Getenv("SKILLSWAP_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SKILLSWAP_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database("skillswap_test_" + uuid.NewString()[:8])
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	require.NoError(t, EnsureIndexes(ctx, db))

	repotest.Run(t, NewStore(client, db, zerolog.Nop()))
}
