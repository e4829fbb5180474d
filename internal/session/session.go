// Package session owns the chat state of one authenticated user: opened
// conversations, live subscriptions, typing timers and the sync indicator.
// A Session is created at login and closed at logout; nothing here is
// shared between users.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/realtime"
	"github.com/vedran77/skillswap/internal/service"
	"github.com/vedran77/skillswap/pkg/logger"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("session closed")

type State int

const (
	NoChat State = iota
	Creating
	Active
	Sending
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case NoChat:
		return "no_chat"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Sending:
		return "sending"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type chatState struct {
	conv     *domain.Conversation
	state    State
	sending  int
	idle     *time.Timer
	notifier *realtime.TypingNotifier
}

type Session struct {
	userID        string
	chat          *service.ChatService
	dispatcher    *realtime.Dispatcher
	typingTimeout time.Duration
	log           zerolog.Logger

	opens singleflight.Group

	mu        sync.Mutex
	closed    bool
	chats     map[string]*chatState // by conversation id
	subs      map[*realtime.Subscription]struct{}
	watchers  map[*realtime.TypingWatcher]struct{}
	unread    map[string]int // latest conversation-list snapshot
	hasList   bool
	outOfSync map[string]error
}

func New(userID string, chat *service.ChatService, dispatcher *realtime.Dispatcher, typingTimeout time.Duration, log zerolog.Logger) *Session {
	if typingTimeout <= 0 {
		typingTimeout = realtime.DefaultTypingTimeout
	}
	return &Session{
		userID:        userID,
		chat:          chat,
		dispatcher:    dispatcher,
		typingTimeout: typingTimeout,
		log:           logger.WithUserID(log, userID),
		chats:         make(map[string]*chatState),
		subs:          make(map[*realtime.Subscription]struct{}),
		watchers:      make(map[*realtime.TypingWatcher]struct{}),
		unread:        make(map[string]int),
		outOfSync:     make(map[string]error),
	}
}

func (s *Session) UserID() string {
	return s.userID
}

// State reports where a conversation is in its lifecycle for this session.
func (s *Session) State(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Closed
	}
	cs, ok := s.chats[conversationID]
	if !ok {
		return NoChat
	}
	return cs.state
}

// OpenOrCreate returns the conversation with otherUserID. A pair opened
// before is served from the session without a store call; concurrent opens
// of the same pair share one request.
func (s *Session) OpenOrCreate(ctx context.Context, otherUserID string) (*domain.Conversation, error) {
	id, err := domain.ConversationID(s.userID, otherUserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if cs, ok := s.chats[id]; ok && cs.conv != nil {
		conv := cs.conv.Clone()
		s.mu.Unlock()
		return &conv, nil
	}
	if _, ok := s.chats[id]; !ok {
		s.chats[id] = &chatState{state: Creating}
	}
	s.mu.Unlock()

	v, err, _ := s.opens.Do(id, func() (interface{}, error) {
		conv, err := s.chat.OpenOrCreate(ctx, s.userID, otherUserID)

		// Cache before the flight ends so a late caller finds it.
		s.mu.Lock()
		defer s.mu.Unlock()
		cs := s.chats[id]
		if err != nil {
			if cs != nil && cs.conv == nil {
				delete(s.chats, id)
			}
			return nil, err
		}
		if s.closed {
			return nil, ErrClosed
		}
		if cs == nil {
			cs = &chatState{}
			s.chats[id] = cs
		}
		if cs.conv == nil {
			cached := conv.Clone()
			cs.conv = &cached
			s.touchLocked(id, cs)
		}
		return conv, nil
	})
	if err != nil {
		return nil, err
	}

	out := v.(*domain.Conversation).Clone()
	return &out, nil
}

// conversation returns the cached record, fetching and caching it on a miss
// after checking membership.
func (s *Session) conversation(ctx context.Context, conversationID string) (*chatState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if cs, ok := s.chats[conversationID]; ok && cs.conv != nil {
		s.mu.Unlock()
		return cs, nil
	}
	s.mu.Unlock()

	conv, err := s.chat.GetConversation(ctx, s.userID, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cs, ok := s.chats[conversationID]
	if !ok {
		cs = &chatState{}
		s.chats[conversationID] = cs
	}
	if cs.conv == nil {
		cs.conv = conv
		s.touchLocked(conversationID, cs)
	}
	return cs, nil
}

// touchLocked marks the conversation Active and restarts its idle timer.
func (s *Session) touchLocked(conversationID string, cs *chatState) {
	if cs.sending == 0 {
		cs.state = Active
	}
	if cs.idle != nil {
		cs.idle.Stop()
	}
	cs.idle = time.AfterFunc(s.typingTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.chats[conversationID]; ok && cur == cs && cs.state == Active {
			cs.state = Idle
		}
	})
}

func (s *Session) Send(ctx context.Context, conversationID, text, clientKey string) (*domain.Message, error) {
	cs, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cs.sending++
	cs.state = Sending
	notifier := cs.notifier
	s.mu.Unlock()

	if notifier != nil {
		notifier.Stop()
	}

	msg, err := s.chat.Send(ctx, conversationID, s.userID, text, clientKey)

	s.mu.Lock()
	cs.sending--
	if !s.closed {
		s.touchLocked(conversationID, cs)
		if errors.Is(err, domain.ErrPartialSend) {
			s.outOfSync[conversationID] = err
		}
	}
	s.mu.Unlock()

	return msg, err
}

// RetrySummary re-runs the summary step of a partially failed send.
func (s *Session) RetrySummary(ctx context.Context, msg *domain.Message) error {
	if err := s.chat.RetrySummary(ctx, msg); err != nil {
		return err
	}
	s.clearOutOfSync(msg.ConversationID)
	return nil
}

// RetrySummaryByID is RetrySummary for a client that only kept the id of
// the message it sent.
func (s *Session) RetrySummaryByID(ctx context.Context, conversationID string, messageID uuid.UUID) (*domain.Message, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msg, err := s.chat.RetrySummaryByID(ctx, conversationID, s.userID, messageID)
	if err != nil {
		return msg, err
	}
	s.clearOutOfSync(conversationID)
	return msg, nil
}

func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	cs, err := s.conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	err = s.chat.MarkRead(ctx, conversationID, s.userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.touchLocked(conversationID, cs)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			s.outOfSync[conversationID] = err
		}
		return err
	}
	return nil
}

// Resync recomputes this user's unread counter for the conversation and
// clears its out-of-sync flag.
func (s *Session) Resync(ctx context.Context, conversationID string) (int, error) {
	n, err := s.chat.Resync(ctx, conversationID, s.userID)
	if err != nil {
		return 0, err
	}
	s.clearOutOfSync(conversationID)
	return n, nil
}

func (s *Session) clearOutOfSync(conversationID string) {
	s.mu.Lock()
	delete(s.outOfSync, conversationID)
	s.mu.Unlock()
}

// OutOfSync lists conversations whose background read or summary step gave
// up after retries.
func (s *Session) OutOfSync() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.outOfSync))
	for id := range s.outOfSync {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Typing records a keystroke. "Stopped typing" follows automatically after
// the typing timeout, or at once on Send or StopTyping.
func (s *Session) Typing(ctx context.Context, conversationID string) error {
	cs, err := s.conversation(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if cs.notifier == nil {
		cs.notifier = realtime.NewTypingNotifier(s.typingTimeout, func(isTyping bool) {
			s.chat.SetTyping(context.Background(), conversationID, s.userID, isTyping)
		})
	}
	notifier := cs.notifier
	s.touchLocked(conversationID, cs)
	s.mu.Unlock()

	notifier.Keystroke()
	return nil
}

func (s *Session) StopTyping(conversationID string) {
	s.mu.Lock()
	var notifier *realtime.TypingNotifier
	if cs, ok := s.chats[conversationID]; ok {
		notifier = cs.notifier
	}
	s.mu.Unlock()

	if notifier != nil {
		notifier.Stop()
	}
}

func (s *Session) track(sub *realtime.Subscription) (*realtime.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe stops a subscription obtained from this session.
func (s *Session) Unsubscribe(sub *realtime.Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.Unsubscribe()
}

func (s *Session) SubscribeMessages(ctx context.Context, conversationID string, onChange func([]domain.Message)) (*realtime.Subscription, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	sub, err := s.dispatcher.SubscribeMessages(ctx, conversationID, onChange)
	if err != nil {
		return nil, err
	}
	return s.track(sub)
}

func (s *Session) SubscribeConversation(ctx context.Context, conversationID string, onChange func(domain.Conversation)) (*realtime.Subscription, error) {
	cs, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sub, err := s.dispatcher.SubscribeConversation(ctx, conversationID, func(conv domain.Conversation) {
		s.mu.Lock()
		fresh := conv.Clone()
		cs.conv = &fresh
		s.mu.Unlock()
		onChange(conv)
	})
	if err != nil {
		return nil, err
	}
	return s.track(sub)
}

// SubscribeConversations follows the user's conversation list. Each
// snapshot also refreshes the session's unread totals.
func (s *Session) SubscribeConversations(ctx context.Context, onChange func([]domain.Conversation)) (*realtime.Subscription, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	sub, err := s.dispatcher.SubscribeConversations(ctx, s.userID, func(convs []domain.Conversation) {
		s.mu.Lock()
		s.unread = make(map[string]int, len(convs))
		for _, c := range convs {
			s.unread[c.ID] = c.Unread(s.userID)
		}
		s.hasList = true
		s.mu.Unlock()
		onChange(convs)
	})
	if err != nil {
		return nil, err
	}
	return s.track(sub)
}

// SubscribeTyping watches the other member's typing indicator. The
// returned watcher clears itself after the typing timeout.
func (s *Session) SubscribeTyping(ctx context.Context, conversationID string, onChange func(domain.Typing)) (*realtime.TypingWatcher, error) {
	if _, err := s.conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ch := s.chat.Typing()
	if ch == nil {
		return nil, errors.New("typing channel not configured")
	}
	w, err := realtime.WatchTyping(ch, conversationID, s.userID, s.typingTimeout, onChange)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		w.Close()
		return nil, ErrClosed
	}
	s.watchers[w] = struct{}{}
	return w, nil
}

// StopWatchingTyping closes a watcher obtained from SubscribeTyping.
func (s *Session) StopWatchingTyping(w *realtime.TypingWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	w.Close()
}

// TotalUnread sums the user's unread counters. It uses the live
// conversation list when one is subscribed and reads the store otherwise.
func (s *Session) TotalUnread(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.hasList {
		total := 0
		for _, n := range s.unread {
			total += n
		}
		s.mu.Unlock()
		return total, nil
	}
	s.mu.Unlock()

	convs, err := s.chat.ListConversations(ctx, s.userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range convs {
		total += c.Unread(s.userID)
	}
	return total, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: every subscription and watcher stops, a
// pending "typing" is withdrawn and all timers are cancelled. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	subs := make([]*realtime.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	watchers := make([]*realtime.TypingWatcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	var notifiers []*realtime.TypingNotifier
	for _, cs := range s.chats {
		if cs.idle != nil {
			cs.idle.Stop()
		}
		if cs.notifier != nil {
			notifiers = append(notifiers, cs.notifier)
		}
		cs.state = Closed
	}
	s.subs = make(map[*realtime.Subscription]struct{})
	s.watchers = make(map[*realtime.TypingWatcher]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, w := range watchers {
		w.Close()
	}
	for _, n := range notifiers {
		n.Close()
	}
	s.log.Debug().Int("subscriptions", len(subs)).Msg("session closed")
}
