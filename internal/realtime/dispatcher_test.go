package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
	"github.com/vedran77/skillswap/internal/repository/memory"
)

// startDispatcher runs a dispatcher over db and waits until it is attached
// to the change feed.
func startDispatcher(t *testing.T, db *memory.DB, store repository.Store) *Dispatcher {
	t.Helper()
	d := NewDispatcher(store, zerolog.Nop())
	d.RetryBase = 5 * time.Millisecond
	d.RetryMax = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		d.Close()
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return db.Watchers() > 0 }, time.Second, time.Millisecond)
	return d
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder[T]) last() (T, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.got) == 0 {
		return zero, 0
	}
	return r.got[len(r.got)-1], len(r.got)
}

func TestSubscribeMessages_InitialThenAppend(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	rec := &recorder[[]domain.Message]{}
	sub, err := d.SubscribeMessages(ctx, conv.ID, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		_, n := rec.last()
		return n >= 1
	}, time.Second, 5*time.Millisecond)

	_, _, err = store.Messages.Append(ctx, conv.ID, "alice", "hello", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := rec.last()
		return len(msgs) == 1 && msgs[0].Text == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeMessages_DeliveriesNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	rec := &recorder[[]domain.Message]{}
	sub, err := d.SubscribeMessages(ctx, conv.ID, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		_, _, err := store.Messages.Append(ctx, conv.ID, "alice", "m", "")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		msgs, _ := rec.last()
		return len(msgs) == 20
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.got); i++ {
		assert.GreaterOrEqual(t, len(rec.got[i]), len(rec.got[i-1]))
	}
}

func TestSubscribeMessages_UnknownConversation(t *testing.T) {
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	_, err := d.SubscribeMessages(context.Background(), "missing", func([]domain.Message) {})
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestUnsubscribe_StopsCallbacks(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	var calls atomic.Int32
	sub, err := d.SubscribeMessages(ctx, conv.ID, func([]domain.Message) { calls.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	after := calls.Load()

	_, _, err = store.Messages.Append(ctx, conv.ID, "alice", "late", "")
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("delivery goroutine did not exit")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestSubscribeConversations_FollowsSummary(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	rec := &recorder[[]domain.Conversation]{}
	sub, err := d.SubscribeConversations(ctx, "bob", rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg, _, err := store.Messages.Append(ctx, conv.ID, "alice", "hi", "")
	require.NoError(t, err)
	require.NoError(t, store.Conversations.RecordMessageSent(ctx, conv.ID, msg.ID))

	require.Eventually(t, func() bool {
		convs, _ := rec.last()
		return len(convs) == 1 && convs[0].LastMessageText == "hi" && convs[0].Unread("bob") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeConversation_SeesTyping(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	rec := &recorder[domain.Conversation]{}
	sub, err := d.SubscribeConversation(ctx, conv.ID, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, store.Conversations.SetTyping(ctx, conv.ID, "alice", true))

	require.Eventually(t, func() bool {
		c, _ := rec.last()
		return c.Typing.IsTyping && c.Typing.UserID == "alice"
	}, time.Second, 5*time.Millisecond)
}

// flakyMessages fails List a fixed number of times after the first call.
type flakyMessages struct {
	repository.MessageRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyMessages) List(ctx context.Context, id string) ([]domain.Message, error) {
	if f.calls.Add(1) > 1 && f.failures.Add(-1) >= 0 {
		return nil, domain.Unavailable("list", errors.New("connection reset"))
	}
	return f.MessageRepository.List(ctx, id)
}

func TestSubscription_RetriesFailedSnapshot(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	store := db.Store()
	flaky := &flakyMessages{MessageRepository: store.Messages}
	flaky.failures.Store(2)
	store.Messages = flaky
	d := startDispatcher(t, db, store)

	conv, err := store.Conversations.GetOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	rec := &recorder[[]domain.Message]{}
	sub, err := d.SubscribeMessages(ctx, conv.ID, rec.add)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, _, err = store.Messages.Append(ctx, conv.ID, "alice", "eventually", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := rec.last()
		return len(msgs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcher_CloseRejectsNewSubscriptions(t *testing.T) {
	store := memory.New().Store()
	d := NewDispatcher(store, zerolog.Nop())
	d.Close()

	_, err := d.SubscribeConversations(context.Background(), "alice", func([]domain.Conversation) {})
	assert.ErrorIs(t, err, ErrClosed)
}
