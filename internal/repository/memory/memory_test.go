package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
	"github.com/vedran77/skillswap/internal/repository/repotest"
)

func TestStore_Shared(t *testing.T) {
	repotest.Run(t, New().Store())
}

func TestGetOrCreate_SingleRecord(t *testing.T) {
	db := New()
	repo := NewConversationRepo(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			_, err := repo.GetOrCreate(ctx, a, b)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, db.convs, 1)
}

func TestList_StrictlyOrderedUnderFrozenClock(t *testing.T) {
	db := New()
	frozen := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return frozen }
	convs := NewConversationRepo(db)
	msgs := NewMessageRepo(db)
	ctx := context.Background()

	conv, err := convs.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, _, err := msgs.Append(ctx, conv.ID, "alice", "m", "")
		require.NoError(t, err)
	}

	list, err := msgs.List(ctx, conv.ID)
	require.NoError(t, err)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
		assert.Greater(t, list[i].Seq, list[i-1].Seq)
	}
}

// Interleave sends and reads one step at a time: every read that lands
// between an append and its summary must still leave the counter equal to
// the unread messages in the log.
func TestUnreadCounter_TracksLogAcrossInterleavings(t *testing.T) {
	db := New()
	store := db.Store()
	ctx := context.Background()

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	check := func() {
		t.Helper()
		got, err := store.Conversations.Get(ctx, conv.ID)
		require.NoError(t, err)
		actual, err := store.Messages.CountUnread(ctx, conv.ID, "bob")
		require.NoError(t, err)
		// Summaries still in flight may be missing from the counter, never
		// surplus.
		assert.LessOrEqual(t, got.Unread("bob"), actual)
		assert.GreaterOrEqual(t, got.Unread("bob"), 0)
	}

	var pending []uuid.UUID
	for i := 0; i < 6; i++ {
		msg, _, err := store.Messages.Append(ctx, conv.ID, "alice", "hi", "")
		require.NoError(t, err)
		pending = append(pending, msg.ID)
		check()

		if i%2 == 0 {
			_, err := store.Messages.MarkRead(ctx, conv.ID, "bob")
			require.NoError(t, err)
			check()
		}
		if i%3 == 2 {
			for _, id := range pending {
				require.NoError(t, store.Conversations.RecordMessageSent(ctx, conv.ID, id))
				check()
			}
			pending = nil
		}
	}
	for _, id := range pending {
		require.NoError(t, store.Conversations.RecordMessageSent(ctx, conv.ID, id))
	}

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	actual, err := store.Messages.CountUnread(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, actual, got.Unread("bob"))
}

func TestMarkRead_NoChangeEmitsNothing(t *testing.T) {
	db := New()
	store := db.Store()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	got := make(chan repository.Change, 16)
	go db.Watch(ctx, func(ch repository.Change) { got <- ch })
	require.Eventually(t, func() bool { return db.Watchers() == 1 }, time.Second, time.Millisecond)

	n, err := store.Messages.MarkRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case ch := <-got:
		t.Fatalf("unexpected %s change", ch.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_CommitOrder(t *testing.T) {
	db := New()
	store := db.Store()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan repository.Change, 16)
	go db.Watch(ctx, func(ch repository.Change) { got <- ch })

	// Give the watcher a moment to register.
	require.Eventually(t, func() bool { return db.Watchers() == 1 }, time.Second, time.Millisecond)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, _, err := store.Messages.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)
	require.NoError(t, store.Conversations.RecordMessageSent(ctx, conv.ID, msg.ID))
	_, err = store.Messages.MarkRead(ctx, conv.ID, "bob")
	require.NoError(t, err)

	want := []repository.ChangeKind{
		repository.ChangeConversation,
		repository.ChangeMessages,
		repository.ChangeConversation,
		repository.ChangeMessages,
		repository.ChangeConversation,
	}
	for _, kind := range want {
		select {
		case ch := <-got:
			assert.Equal(t, kind, ch.Kind)
			assert.Equal(t, conv.ID, ch.ConversationID)
			assert.ElementsMatch(t, []string{"alice", "bob"}, ch.Members)
		case <-time.After(time.Second):
			t.Fatalf("missing %s change", kind)
		}
	}
}

func TestConversation_UnreadNeverNegative(t *testing.T) {
	db := New()
	store := db.Store()
	ctx := context.Background()

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, store.Conversations.SetUnread(ctx, conv.ID, "bob", -3))

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread("bob"))
	assert.Equal(t, 0, got.UnreadCounts["bob"])

	assert.ErrorIs(t, store.Conversations.RecordMessageSent(ctx, conv.ID, uuid.New()), domain.ErrMessageNotFound)
}
