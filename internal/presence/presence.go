// Package presence carries ephemeral typing indicators. Nothing published
// here is durable; a subscriber that misses an event simply sees the next.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
)

// Channel is a per-conversation broadcast of typing state.
type Channel interface {
	// Publish is fire-and-forget. Failures are logged by the driver.
	Publish(ctx context.Context, conversationID, userID string, isTyping bool)
	Subscribe(conversationID string, fn func(domain.TypingEvent)) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe()
}

// Memory is the in-process driver. Events reach subscribers of the same
// process only.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	now    func() time.Time
	log    zerolog.Logger
	closed bool
}

func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		subs: make(map[string]map[*memorySub]struct{}),
		now:  time.Now,
		log:  log,
	}
}

type memorySub struct {
	bus    *Memory
	convID string
	fn     func(domain.TypingEvent)

	// held while fn runs so Unsubscribe can wait out a delivery
	deliver sync.Mutex
	deaf    bool
}

func (m *Memory) Publish(_ context.Context, conversationID, userID string, isTyping bool) {
	ev := domain.TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		At:             m.now(),
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		m.log.Debug().Str("conversation_id", conversationID).Msg("typing publish after close")
		return
	}
	targets := make([]*memorySub, 0, len(m.subs[conversationID]))
	for s := range m.subs[conversationID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.deliver.Lock()
		if !s.deaf {
			s.fn(ev)
		}
		s.deliver.Unlock()
	}
}

func (m *Memory) Subscribe(conversationID string, fn func(domain.TypingEvent)) (Subscription, error) {
	s := &memorySub{bus: m, convID: conversationID, fn: fn}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[conversationID] == nil {
		m.subs[conversationID] = make(map[*memorySub]struct{})
	}
	m.subs[conversationID][s] = struct{}{}
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.convID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.convID)
		}
	}
	s.bus.mu.Unlock()

	s.deliver.Lock()
	s.deaf = true
	s.deliver.Unlock()
}
