package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
	"github.com/vedran77/skillswap/internal/repository"
	"github.com/vedran77/skillswap/internal/repository/memory"
)

var fastRetry = RetryPolicy{Attempts: 3, Base: time.Millisecond}

func newTestService(t *testing.T) (*ChatService, repository.Store, *presence.Memory) {
	t.Helper()
	store := memory.New().Store()
	bus := presence.NewMemory(zerolog.Nop())
	svc := NewChatService(store, bus, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	return svc, store, bus
}

// --- Mock ConversationRepository ---

// mockConvRepo delegates to a real repository except for RecordMessageSent.
type mockConvRepo struct {
	repository.ConversationRepository
	mock.Mock
}

func (m *mockConvRepo) RecordMessageSent(ctx context.Context, id string, messageID uuid.UUID) error {
	args := m.Called(id)
	if err := args.Error(0); err != nil {
		return err
	}
	return m.ConversationRepository.RecordMessageSent(ctx, id, messageID)
}

// hookedConvs runs before ahead of the first summary and, when lost is set,
// commits the first summary but reports a dropped connection.
type hookedConvs struct {
	repository.ConversationRepository
	before func()
	lost   bool
	once   sync.Once
}

func (h *hookedConvs) RecordMessageSent(ctx context.Context, id string, messageID uuid.UUID) error {
	first := false
	h.once.Do(func() { first = true })
	if first && h.before != nil {
		h.before()
	}
	if err := h.ConversationRepository.RecordMessageSent(ctx, id, messageID); err != nil {
		return err
	}
	if first && h.lost {
		return errConnReset
	}
	return nil
}

// hookedMsgs runs after once the first read is stored and, when lost is set,
// commits the first append but reports a dropped connection.
type hookedMsgs struct {
	repository.MessageRepository
	after    func()
	lost     bool
	readOnce sync.Once
	sendOnce sync.Once
}

func (h *hookedMsgs) MarkRead(ctx context.Context, id, readerID string) (int, error) {
	n, err := h.MessageRepository.MarkRead(ctx, id, readerID)
	if err == nil && h.after != nil {
		h.readOnce.Do(h.after)
	}
	return n, err
}

func (h *hookedMsgs) Append(ctx context.Context, id, senderID, text, clientKey string) (*domain.Message, bool, error) {
	msg, created, err := h.MessageRepository.Append(ctx, id, senderID, text, clientKey)
	if err != nil || !h.lost {
		return msg, created, err
	}
	lost := false
	h.sendOnce.Do(func() { lost = true })
	if lost {
		return nil, false, errConnReset
	}
	return msg, created, err
}

func assertCounterMatchesLog(t *testing.T, svc *ChatService, store repository.Store, convID string) {
	t.Helper()
	ctx := context.Background()
	got, err := svc.GetConversation(ctx, "A", convID)
	require.NoError(t, err)
	for _, u := range []string{"A", "B"} {
		want, err := store.Messages.CountUnread(ctx, convID, u)
		require.NoError(t, err)
		assert.Equal(t, want, got.Unread(u), "user %s", u)
	}
}

var errConnReset = domain.Unavailable("test", errors.New("connection reset"))

func TestOpenOrCreate_NewConversationHasZeroCounters(t *testing.T) {
	svc, _, _ := newTestService(t)

	conv, err := svc.OpenOrCreate(context.Background(), "A", "B")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"A": 0, "B": 0}, conv.UnreadCounts)
	assert.Empty(t, conv.LastMessageText)
}

func TestOpenOrCreate_OrderIndependent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"A", "B"}, {"u:1", "u:10"}, {"x.y", "$z"}} {
		ab, err := svc.OpenOrCreate(ctx, pair[0], pair[1])
		require.NoError(t, err)
		ba, err := svc.OpenOrCreate(ctx, pair[1], pair[0])
		require.NoError(t, err)
		assert.Equal(t, ab.ID, ba.ID)
	}
}

func TestOpenOrCreate_Rejects(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.OpenOrCreate(ctx, "A", "A")
	assert.ErrorIs(t, err, domain.ErrCannotChatSelf)

	_, err = svc.OpenOrCreate(ctx, "A", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestSendThenMarkRead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	msg, err := svc.Send(ctx, conv.ID, "A", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, msg.ReadBy)

	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, "A", got.LastMessageSender)
	assert.Equal(t, map[string]int{"A": 0, "B": 1}, got.UnreadCounts)

	msgs, err := svc.ListMessages(ctx, "B", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"A"}, msgs[0].ReadBy)

	require.NoError(t, svc.MarkRead(ctx, conv.ID, "B"))

	got, err = svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 0, "B": 0}, got.UnreadCounts)

	msgs, err = svc.ListMessages(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, msgs[0].ReadBy)

	// second call changes nothing
	require.NoError(t, svc.MarkRead(ctx, conv.ID, "B"))
	again, err := svc.ListMessages(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestSend_ConcurrentFromBothSides(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sender := range []string{"A", "B"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			_, err := svc.Send(ctx, conv.ID, sender, "from "+sender, "")
			assert.NoError(t, err)
		}(sender)
	}
	wg.Wait()

	msgs, err := svc.ListMessages(ctx, "A", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))

	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1, "B": 1}, got.UnreadCounts)
	assert.Equal(t, msgs[1].Text, got.LastMessageText)
}

func TestSend_BlankTextHasNoSideEffects(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := svc.Send(ctx, conv.ID, "A", text, "")
		assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	}

	msgs, err := svc.ListMessages(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread("B"))
}

func TestSend_NotParticipant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	_, err = svc.Send(ctx, conv.ID, "C", "hi", "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	_, err = svc.Send(ctx, "unknown", "A", "hi", "")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestSend_ClientKeyRetryIsNotCountedTwice(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	first, err := svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.NoError(t, err)
	again, err := svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Unread("B"))
}

func TestSend_PartialFailureReturnsStoredMessage(t *testing.T) {
	store := memory.New().Store()
	convs := &mockConvRepo{ConversationRepository: store.Conversations}
	store.Conversations = convs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	convs.On("RecordMessageSent", conv.ID).Return(errConnReset).Times(3)

	msg, err := svc.Send(ctx, conv.ID, "A", "hello", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPartialSend)
	require.NotNil(t, msg)

	var partial *domain.PartialSendError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, msg.ID, partial.Message.ID)
	convs.AssertNumberOfCalls(t, "RecordMessageSent", 3)

	msgs, err := svc.ListMessages(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread("B"))

	// only the summary step is re-run
	convs.On("RecordMessageSent", conv.ID).Return(nil).Once()
	require.NoError(t, svc.RetrySummary(ctx, partial.Message))

	got, err = svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, 1, got.Unread("B"))

	msgs, err = svc.ListMessages(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// already applied: nothing reaches the store
	require.NoError(t, svc.RetrySummary(ctx, partial.Message))
	again, err := svc.Send(ctx, conv.ID, "A", "hello", partial.Message.ClientKey)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	convs.AssertNumberOfCalls(t, "RecordMessageSent", 4)

	got, err = svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Unread("B"))
}

func TestSend_SameKeyFinishesPartialSend(t *testing.T) {
	store := memory.New().Store()
	convs := &mockConvRepo{ConversationRepository: store.Conversations}
	store.Conversations = convs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	convs.On("RecordMessageSent", conv.ID).Return(errConnReset).Times(3)
	_, err = svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.ErrorIs(t, err, domain.ErrPartialSend)

	convs.On("RecordMessageSent", conv.ID).Return(nil)
	msg, err := svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.NoError(t, err)
	assert.True(t, msg.Summarized)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, 1, got.Unread("B"))
	assertCounterMatchesLog(t, svc, store, conv.ID)
}

func TestSend_LostAppendAckThenResend(t *testing.T) {
	store := memory.New().Store()
	msgs := &hookedMsgs{MessageRepository: store.Messages, lost: true}
	store.Messages = msgs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(RetryPolicy{Attempts: 1, Base: time.Millisecond})
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	// The append commits but the caller only sees the error.
	_, err = svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	msg, err := svc.Send(ctx, conv.ID, "A", "hello", "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, 1, got.Unread("B"))
	assertCounterMatchesLog(t, svc, store, conv.ID)
}

func TestSend_LostSummaryAckIsNotCountedTwice(t *testing.T) {
	store := memory.New().Store()
	store.Conversations = &hookedConvs{ConversationRepository: store.Conversations, lost: true}
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	_, err = svc.Send(ctx, conv.ID, "A", "hello", "")
	require.NoError(t, err)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Unread("B"))
}

func TestMarkRead_SendLandingAfterReadStaysUnread(t *testing.T) {
	store := memory.New().Store()
	msgs := &hookedMsgs{MessageRepository: store.Messages}
	store.Messages = msgs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	_, err = svc.Send(ctx, conv.ID, "A", "one", "")
	require.NoError(t, err)

	msgs.after = func() {
		_, err := svc.Send(ctx, conv.ID, "A", "two", "")
		assert.NoError(t, err)
	}
	require.NoError(t, svc.MarkRead(ctx, conv.ID, "B"))

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Unread("B"))
	assert.Equal(t, "two", got.LastMessageText)
	assertCounterMatchesLog(t, svc, store, conv.ID)
}

func TestMarkRead_ReadLandingBeforeSummaryIsNotCounted(t *testing.T) {
	store := memory.New().Store()
	convs := &hookedConvs{ConversationRepository: store.Conversations}
	store.Conversations = convs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	convs.before = func() {
		assert.NoError(t, svc.MarkRead(ctx, conv.ID, "B"))
	}
	_, err = svc.Send(ctx, conv.ID, "A", "hello", "")
	require.NoError(t, err)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread("B"))
	assert.Equal(t, "hello", got.LastMessageText)
	assertCounterMatchesLog(t, svc, store, conv.ID)
}

func TestMarkRead_ConcurrentWithSends(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Send(ctx, conv.ID, "A", fmt.Sprintf("m%d", i), "")
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.MarkRead(ctx, conv.ID, "B"))
		}()
	}
	wg.Wait()

	assertCounterMatchesLog(t, svc, store, conv.ID)
}

func TestRetrySummaryByID(t *testing.T) {
	store := memory.New().Store()
	convs := &mockConvRepo{ConversationRepository: store.Conversations}
	store.Conversations = convs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	convs.On("RecordMessageSent", conv.ID).Return(errConnReset).Times(3)
	sent, err := svc.Send(ctx, conv.ID, "A", "hello", "")
	require.ErrorIs(t, err, domain.ErrPartialSend)

	_, err = svc.RetrySummaryByID(ctx, conv.ID, "C", sent.ID)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	_, err = svc.RetrySummaryByID(ctx, conv.ID, "A", uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	convs.On("RecordMessageSent", conv.ID).Return(nil).Once()
	msg, err := svc.RetrySummaryByID(ctx, conv.ID, "B", sent.ID)
	require.NoError(t, err)
	assert.True(t, msg.Summarized)
	assert.Equal(t, sent.ID, msg.ID)

	// applied already: the store is not asked again
	_, err = svc.RetrySummaryByID(ctx, conv.ID, "A", sent.ID)
	require.NoError(t, err)
	convs.AssertNumberOfCalls(t, "RecordMessageSent", 4)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.LastMessageText)
	assert.Equal(t, 1, got.Unread("B"))
}

func TestSend_TransientSummaryFailureIsRetried(t *testing.T) {
	store := memory.New().Store()
	convs := &mockConvRepo{ConversationRepository: store.Conversations}
	store.Conversations = convs
	svc := NewChatService(store, nil, zerolog.Nop())
	svc.SetRetryPolicy(fastRetry)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	convs.On("RecordMessageSent", conv.ID).Return(errConnReset).Once()
	convs.On("RecordMessageSent", conv.ID).Return(nil).Once()

	_, err = svc.Send(ctx, conv.ID, "A", "hi", "")
	require.NoError(t, err)
	convs.AssertNumberOfCalls(t, "RecordMessageSent", 2)
}

func TestRetry_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), fastRetry, zerolog.Nop(), "op", func() (int, error) {
		calls++
		return 0, domain.ErrConversationNotFound
	})

	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsAfterAttempts(t *testing.T) {
	calls := 0
	err := retryErr(context.Background(), RetryPolicy{Attempts: 3, Base: time.Millisecond}, zerolog.Nop(), "op", func() error {
		calls++
		return errConnReset
	})

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryErr(ctx, RetryPolicy{Attempts: 5, Base: time.Second}, zerolog.Nop(), "op", func() error {
		calls++
		return errConnReset
	})

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestUnreadCounterMatchesMessageLog(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	users := []string{"A", "B"}
	for i := 0; i < 60; i++ {
		u := users[rng.Intn(2)]
		if rng.Intn(3) == 0 {
			require.NoError(t, svc.MarkRead(ctx, conv.ID, u))
			continue
		}
		_, err := svc.Send(ctx, conv.ID, u, fmt.Sprintf("m%d", i), "")
		require.NoError(t, err)
	}

	got, err := svc.GetConversation(ctx, "A", conv.ID)
	require.NoError(t, err)
	for _, u := range users {
		want, err := store.Messages.CountUnread(ctx, conv.ID, u)
		require.NoError(t, err)
		assert.Equal(t, want, got.Unread(u), "user %s", u)
	}
}

func TestResync_RepairsDrift(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	_, err = svc.Send(ctx, conv.ID, "A", "one", "")
	require.NoError(t, err)
	_, err = svc.Send(ctx, conv.ID, "A", "two", "")
	require.NoError(t, err)

	require.NoError(t, store.Conversations.SetUnread(ctx, conv.ID, "B", 9))

	n, err := svc.Resync(ctx, conv.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Unread("B"))
}

func TestSetTyping_PublishesAndStores(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	conv, err := svc.OpenOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	var got []domain.TypingEvent
	sub, err := bus.Subscribe(conv.ID, func(ev domain.TypingEvent) { got = append(got, ev) })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	svc.SetTyping(ctx, conv.ID, "A", true)

	require.Len(t, got, 1)
	assert.True(t, got[0].IsTyping)

	stored, err := svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Typing{UserID: "A", IsTyping: true}, stored.Typing)

	// a message clears the stored indicator
	_, err = svc.Send(ctx, conv.ID, "A", "done", "")
	require.NoError(t, err)
	stored, err = svc.GetConversation(ctx, "B", conv.ID)
	require.NoError(t, err)
	assert.False(t, stored.Typing.IsTyping)
}

func TestSetTyping_StoreFailureIsSwallowed(t *testing.T) {
	svc, _, _ := newTestService(t)

	assert.NotPanics(t, func() {
		svc.SetTyping(context.Background(), "missing", "A", true)
	})
}
