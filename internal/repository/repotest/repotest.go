// Package repotest is the behaviour every repository driver must share. Each
// driver's tests call Run against a live store; the postgres and mongo runs
// are skipped unless a test database is configured.
package repotest

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
)

// Run exercises store against the shared checks. Every check uses fresh
// identities, so a database may be shared between them.
func Run(t *testing.T, store repository.Store) {
	checks := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"GetOrCreateConverges", getOrCreateConverges},
		{"ListForUserEmptyAndOrdered", listForUserEmptyAndOrdered},
		{"RecordMessageSentAppliesOnce", recordMessageSentAppliesOnce},
		{"RecordMessageSentConcurrent", recordMessageSentConcurrent},
		{"RecordMessageSentNewerWins", recordMessageSentNewerWins},
		{"RecordMessageSentErrors", recordMessageSentErrors},
		{"AppendDeduplicatesClientKey", appendDeduplicatesClientKey},
		{"AppendUnknownConversation", appendUnknownConversation},
		{"ListStrictlyOrdered", listStrictlyOrdered},
		{"GetMessage", getMessage},
		{"MarkReadIdempotent", markReadIdempotent},
		{"MarkReadBeforeSummary", markReadBeforeSummary},
		{"CounterMatchesLogUnderConcurrency", counterMatchesLogUnderConcurrency},
		{"SetUnread", setUnread},
		{"FeedReportsChanges", feedReportsChanges},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) { c.fn(t, store) })
	}
}

// pair returns two identities unique to this test.
func pair() (string, string) {
	suffix := uuid.NewString()[:8]
	return "alice-" + suffix, "bob-" + suffix
}

func open(t *testing.T, s repository.Store) (*domain.Conversation, string, string) {
	t.Helper()
	a, b := pair()
	conv, err := s.Conversations.GetOrCreate(context.Background(), a, b)
	require.NoError(t, err)
	return conv, a, b
}

// send appends and summarizes, the way a successful send does.
func send(t *testing.T, s repository.Store, convID, sender, text string) *domain.Message {
	t.Helper()
	ctx := context.Background()
	msg, _, err := s.Messages.Append(ctx, convID, sender, text, "")
	require.NoError(t, err)
	require.NoError(t, s.Conversations.RecordMessageSent(ctx, convID, msg.ID))
	return msg
}

func unread(t *testing.T, s repository.Store, convID, userID string) int {
	t.Helper()
	conv, err := s.Conversations.Get(context.Background(), convID)
	require.NoError(t, err)
	return conv.Unread(userID)
}

func getOrCreateConverges(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := pair()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			conv, err := s.Conversations.GetOrCreate(ctx, x, y)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := s.Conversations.ListForUser(ctx, a)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	conv, err := s.Conversations.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 0, conv.Unread(a))
	assert.Equal(t, 0, conv.Unread(b))
}

func listForUserEmptyAndOrdered(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := pair()
	c := "carol-" + uuid.NewString()[:8]

	list, err := s.Conversations.ListForUser(ctx, a)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	ab, err := s.Conversations.GetOrCreate(ctx, a, b)
	require.NoError(t, err)
	ac, err := s.Conversations.GetOrCreate(ctx, a, c)
	require.NoError(t, err)

	send(t, s, ab.ID, b, "later")

	list, err = s.Conversations.ListForUser(ctx, a)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ab.ID, list[0].ID)
	assert.Equal(t, ac.ID, list[1].ID)

	list, err = s.Conversations.ListForUser(ctx, c)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func recordMessageSentAppliesOnce(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)
	require.NoError(t, s.Conversations.SetTyping(ctx, conv.ID, a, true))

	msg := send(t, s, conv.ID, a, "hello")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, msg.ID))
	}

	got, err := s.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Unread(b))
	assert.Equal(t, 0, got.Unread(a))
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, a, got.LastMessageSender)
	assert.WithinDuration(t, msg.CreatedAt, got.LastMessageTime, time.Millisecond)
	assert.False(t, got.Typing.IsTyping)

	stored, err := s.Messages.Get(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Summarized)
}

func recordMessageSentConcurrent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	const n = 10
	msgs := make([]*domain.Message, n)
	for i := range msgs {
		msg, _, err := s.Messages.Append(ctx, conv.ID, a, "hi", "")
		require.NoError(t, err)
		msgs[i] = msg
	}

	// Every message summarized twice, all at once.
	var wg sync.WaitGroup
	for _, m := range append(msgs, msgs...) {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			assert.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, id))
		}(m.ID)
	}
	wg.Wait()

	assert.Equal(t, n, unread(t, s, conv.ID, b))
}

func recordMessageSentNewerWins(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	older, _, err := s.Messages.Append(ctx, conv.ID, a, "older", "")
	require.NoError(t, err)
	newer, _, err := s.Messages.Append(ctx, conv.ID, b, "newer", "")
	require.NoError(t, err)

	require.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, newer.ID))
	require.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, older.ID))

	got, err := s.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.LastMessageText)
	assert.Equal(t, b, got.LastMessageSender)
	assert.Equal(t, 1, got.Unread(a))
	assert.Equal(t, 1, got.Unread(b))
}

func recordMessageSentErrors(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, _, b := open(t, s)

	err := s.Conversations.RecordMessageSent(ctx, "missing-"+uuid.NewString(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	err = s.Conversations.RecordMessageSent(ctx, conv.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	// The log itself doesn't check membership; the summary does.
	stray, _, err := s.Messages.Append(ctx, conv.ID, "mallory", "hi", "")
	require.NoError(t, err)
	err = s.Conversations.RecordMessageSent(ctx, conv.ID, stray.ID)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	stored, err := s.Messages.Get(ctx, conv.ID, stray.ID)
	require.NoError(t, err)
	assert.False(t, stored.Summarized)
	assert.Equal(t, 0, unread(t, s, conv.ID, b))
}

func appendDeduplicatesClientKey(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, _ := open(t, s)

	first, created, err := s.Messages.Append(ctx, conv.ID, a, "hi", "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.Summarized)

	require.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, first.ID))

	again, created, err := s.Messages.Append(ctx, conv.ID, a, "hi", "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Summarized)

	list, err := s.Messages.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{a}, list[0].ReadBy)
}

func appendUnknownConversation(t *testing.T, s repository.Store) {
	_, _, err := s.Messages.Append(context.Background(), "missing-"+uuid.NewString(), "alice", "hi", "")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func listStrictlyOrdered(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := a
			if i%2 == 1 {
				sender = b
			}
			_, _, err := s.Messages.Append(ctx, conv.ID, sender, "m", "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	first, err := s.Messages.List(ctx, conv.ID)
	require.NoError(t, err)
	second, err := s.Messages.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, first, 10)

	for i := 1; i < len(first); i++ {
		assert.True(t, first[i].CreatedAt.After(first[i-1].CreatedAt), "message %d not after %d", i, i-1)
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func getMessage(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, _ := open(t, s)

	msg, _, err := s.Messages.Append(ctx, conv.ID, a, "hi", "k")
	require.NoError(t, err)

	got, err := s.Messages.Get(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "k", got.ClientKey)

	_, err = s.Messages.Get(ctx, conv.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	_, err = s.Messages.Get(ctx, "missing-"+uuid.NewString(), msg.ID)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func markReadIdempotent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	send(t, s, conv.ID, a, "hi")
	send(t, s, conv.ID, b, "hey")
	require.Equal(t, 1, unread(t, s, conv.ID, b))

	n, err := s.Messages.MarkRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, unread(t, s, conv.ID, b))
	assert.Equal(t, 1, unread(t, s, conv.ID, a))

	before, err := s.Messages.List(ctx, conv.ID)
	require.NoError(t, err)

	n, err = s.Messages.MarkRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, unread(t, s, conv.ID, b))

	after, err := s.Messages.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, []string{a, b}, after[0].ReadBy)
	assert.Equal(t, []string{b}, after[1].ReadBy)
	assert.Equal(t, before[0].ReadBy, after[0].ReadBy)

	left, err := s.Messages.CountUnread(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Zero(t, left)

	_, err = s.Messages.MarkRead(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

// A message read before its summary lands must not be counted afterwards,
// and reading it must not lower a counter that never included it.
func markReadBeforeSummary(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	send(t, s, conv.ID, a, "one")
	pending, _, err := s.Messages.Append(ctx, conv.ID, a, "two", "")
	require.NoError(t, err)
	require.Equal(t, 1, unread(t, s, conv.ID, b))

	n, err := s.Messages.MarkRead(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, unread(t, s, conv.ID, b))

	require.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, pending.ID))
	got, err := s.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread(b))
	assert.Equal(t, "two", got.LastMessageText)
}

func counterMatchesLogUnderConcurrency(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, b := open(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			msg, _, err := s.Messages.Append(ctx, conv.ID, a, "hi", "")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, s.Conversations.RecordMessageSent(ctx, conv.ID, msg.ID))
		}()
		go func() {
			defer wg.Done()
			_, err := s.Messages.MarkRead(ctx, conv.ID, b)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	actual, err := s.Messages.CountUnread(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, actual, unread(t, s, conv.ID, b))
}

func setUnread(t *testing.T, s repository.Store) {
	ctx := context.Background()
	conv, a, _ := open(t, s)

	require.NoError(t, s.Conversations.SetUnread(ctx, conv.ID, a, 4))
	require.NoError(t, s.Conversations.SetUnread(ctx, conv.ID, a, 4))
	assert.Equal(t, 4, unread(t, s, conv.ID, a))

	assert.ErrorIs(t, s.Conversations.SetUnread(ctx, conv.ID, "mallory", 1), domain.ErrNotParticipant)
	assert.ErrorIs(t, s.Conversations.SetUnread(ctx, "missing-"+uuid.NewString(), a, 1), domain.ErrConversationNotFound)
}

func feedReportsChanges(t *testing.T, s repository.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conv, a, b := open(t, s)

	var (
		mu   sync.Mutex
		seen = map[repository.ChangeKind]bool{}
	)
	go func() {
		_ = s.Feed.Watch(ctx, func(ch repository.Change) {
			if ch.ConversationID != conv.ID {
				return
			}
			mu.Lock()
			seen[ch.Kind] = true
			mu.Unlock()
		})
	}()

	// The feed may attach after the first writes; keep writing until both
	// kinds have been observed.
	require.Eventually(t, func() bool {
		ctx := context.Background()
		if msg, _, err := s.Messages.Append(ctx, conv.ID, a, "ping", ""); err == nil {
			_ = s.Conversations.RecordMessageSent(ctx, conv.ID, msg.ID)
		}
		_, _ = s.Messages.MarkRead(ctx, conv.ID, b)

		mu.Lock()
		defer mu.Unlock()
		return seen[repository.ChangeConversation] && seen[repository.ChangeMessages]
	}, 10*time.Second, 100*time.Millisecond)
}
