package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
)

func TestTypingWatcher_AutoClearsAfterSilence(t *testing.T) {
	bus := presence.NewMemory(zerolog.Nop())

	w, err := WatchTyping(bus, "c1", "bob", DefaultTypingTimeout, nil)
	require.NoError(t, err)
	defer w.Close()

	bus.Publish(context.Background(), "c1", "alice", true)
	assert.Equal(t, domain.Typing{UserID: "alice", IsTyping: true}, w.State())

	time.Sleep(2100 * time.Millisecond)

	assert.False(t, w.State().IsTyping)
}

func TestTypingWatcher_ResetOnEveryTypingEvent(t *testing.T) {
	bus := presence.NewMemory(zerolog.Nop())

	w, err := WatchTyping(bus, "c1", "bob", 80*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 4; i++ {
		bus.Publish(context.Background(), "c1", "alice", true)
		time.Sleep(40 * time.Millisecond)
	}
	assert.True(t, w.State().IsTyping)

	require.Eventually(t, func() bool { return !w.State().IsTyping }, time.Second, 5*time.Millisecond)
}

func TestTypingWatcher_IgnoresOwnEventsAndReportsChanges(t *testing.T) {
	bus := presence.NewMemory(zerolog.Nop())

	var (
		mu  sync.Mutex
		got []domain.Typing
	)
	w, err := WatchTyping(bus, "c1", "bob", time.Second, func(ty domain.Typing) {
		mu.Lock()
		got = append(got, ty)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	bus.Publish(context.Background(), "c1", "bob", true)
	bus.Publish(context.Background(), "c1", "alice", true)
	bus.Publish(context.Background(), "c1", "alice", true)
	bus.Publish(context.Background(), "c1", "alice", false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.Typing{
		{UserID: "alice", IsTyping: true},
		{UserID: "alice", IsTyping: false},
	}, got)
}

func TestTypingWatcher_WatchersAreIndependent(t *testing.T) {
	bus := presence.NewMemory(zerolog.Nop())

	w1, err := WatchTyping(bus, "c1", "bob", time.Second, nil)
	require.NoError(t, err)
	w2, err := WatchTyping(bus, "c1", "bob", time.Second, nil)
	require.NoError(t, err)
	defer w2.Close()

	bus.Publish(context.Background(), "c1", "alice", true)
	w1.Close()
	bus.Publish(context.Background(), "c1", "alice", false)

	assert.True(t, w1.State().IsTyping)
	assert.False(t, w2.State().IsTyping)
}

type publishLog struct {
	mu  sync.Mutex
	got []bool
}

func (p *publishLog) publish(v bool) {
	p.mu.Lock()
	p.got = append(p.got, v)
	p.mu.Unlock()
}

func (p *publishLog) snapshot() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.got...)
}

func TestTypingNotifier_StopsAfterSilence(t *testing.T) {
	log := &publishLog{}
	n := NewTypingNotifier(50*time.Millisecond, log.publish)
	defer n.Close()

	n.Keystroke()
	n.Keystroke()
	assert.True(t, n.Typing())

	require.Eventually(t, func() bool { return !n.Typing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, true, false}, log.snapshot())
}

func TestTypingNotifier_StopCancelsPendingTimeout(t *testing.T) {
	log := &publishLog{}
	n := NewTypingNotifier(30*time.Millisecond, log.publish)
	defer n.Close()

	n.Keystroke()
	n.Stop()
	n.Stop()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []bool{true, false}, log.snapshot())
}

func TestTypingNotifier_CloseDisables(t *testing.T) {
	log := &publishLog{}
	n := NewTypingNotifier(time.Second, log.publish)

	n.Close()
	n.Keystroke()

	assert.Empty(t, log.snapshot())
}

// foldingChannel hands every subscriber's callback back to the test, like a
// transport that maps several conversations onto one topic.
type foldingChannel struct {
	fns []func(domain.TypingEvent)
}

func (f *foldingChannel) Publish(context.Context, string, string, bool) {}

func (f *foldingChannel) Subscribe(_ string, fn func(domain.TypingEvent)) (presence.Subscription, error) {
	f.fns = append(f.fns, fn)
	return noopSubscription{}, nil
}

func (f *foldingChannel) Close() error { return nil }

func (f *foldingChannel) deliver(ev domain.TypingEvent) {
	for _, fn := range f.fns {
		fn(ev)
	}
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

func TestTypingWatcher_IgnoresOtherConversations(t *testing.T) {
	bus := &foldingChannel{}

	var changes int
	w, err := WatchTyping(bus, "a.b", "bob", time.Second, func(domain.Typing) { changes++ })
	require.NoError(t, err)
	defer w.Close()

	bus.deliver(domain.TypingEvent{ConversationID: "a_b", UserID: "alice", IsTyping: true})
	assert.False(t, w.State().IsTyping)
	assert.Zero(t, changes)

	bus.deliver(domain.TypingEvent{ConversationID: "a.b", UserID: "alice", IsTyping: true})
	assert.Equal(t, domain.Typing{UserID: "alice", IsTyping: true}, w.State())
	assert.Equal(t, 1, changes)
}
