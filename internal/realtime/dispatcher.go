// Package realtime turns the store's change feed into per-subscriber
// snapshots. Every delivery is a full re-read of the subscribed view, so a
// subscriber never has to merge deltas.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

var ErrClosed = errors.New("dispatcher closed")

type topic int

const (
	topicMessages topic = iota
	topicConversation
	topicUser
)

type topicKey struct {
	topic topic
	id    string
}

// Dispatcher fans committed changes out to subscriptions.
type Dispatcher struct {
	convs repository.ConversationRepository
	msgs  repository.MessageRepository
	feed  repository.ChangeFeed
	log   zerolog.Logger

	// RetryBase is the first delay before re-reading a snapshot that failed.
	RetryBase time.Duration
	// RetryMax caps the delay between snapshot retries.
	RetryMax time.Duration

	mu     sync.Mutex
	subs   map[topicKey]map[*Subscription]struct{}
	closed bool
}

func NewDispatcher(store repository.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		convs:     store.Conversations,
		msgs:      store.Messages,
		feed:      store.Feed,
		log:       log,
		RetryBase: 500 * time.Millisecond,
		RetryMax:  30 * time.Second,
		subs:      make(map[topicKey]map[*Subscription]struct{}),
	}
}

// Run consumes the change feed until ctx is done. A failed feed is
// re-opened with backoff; every subscription is refreshed after a reconnect
// because changes may have been missed in between.
func (d *Dispatcher) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.RetryBase
	b.MaxInterval = d.RetryMax
	b.MaxElapsedTime = 0

	first := true
	for {
		if !first {
			d.signalAll()
		}
		first = false

		err := d.feed.Watch(ctx, func(ch repository.Change) {
			b.Reset()
			d.route(ctx, ch)
		})
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		d.log.Warn().Err(err).Dur("retry_in", wait).Msg("change feed stopped")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, ch repository.Change) {
	switch ch.Kind {
	case repository.ChangeMessages:
		d.signal(topicKey{topicMessages, ch.ConversationID})
	case repository.ChangeConversation:
		d.signal(topicKey{topicConversation, ch.ConversationID})

		members := ch.Members
		if len(members) == 0 {
			if !d.hasTopic(topicUser) {
				return
			}
			conv, err := d.convs.Get(ctx, ch.ConversationID)
			if err != nil {
				d.log.Warn().Err(err).Str("conversation_id", ch.ConversationID).
					Msg("member lookup failed, refreshing every conversation list")
				d.signalTopic(topicUser)
				return
			}
			members = conv.Members[:]
		}
		for _, m := range members {
			d.signal(topicKey{topicUser, m})
		}
	}
}

func (d *Dispatcher) signal(k topicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.subs[k] {
		s.notify()
	}
}

func (d *Dispatcher) signalTopic(t topic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, set := range d.subs {
		if k.topic != t {
			continue
		}
		for s := range set {
			s.notify()
		}
	}
}

func (d *Dispatcher) signalAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, set := range d.subs {
		for s := range set {
			s.notify()
		}
	}
}

func (d *Dispatcher) hasTopic(t topic) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.subs {
		if k.topic == t {
			return true
		}
	}
	return false
}

// SubscribeMessages delivers the ordered message list of a conversation now
// and after every append or read-state change.
func (d *Dispatcher) SubscribeMessages(ctx context.Context, conversationID string, onChange func([]domain.Message)) (*Subscription, error) {
	load := func(ctx context.Context) (func(), error) {
		msgs, err := d.msgs.List(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return func() { onChange(msgs) }, nil
	}
	return d.subscribe(ctx, topicKey{topicMessages, conversationID}, load)
}

// SubscribeConversations delivers the user's conversation list, most recent
// first, now and after every change to a conversation the user is in.
func (d *Dispatcher) SubscribeConversations(ctx context.Context, userID string, onChange func([]domain.Conversation)) (*Subscription, error) {
	load := func(ctx context.Context) (func(), error) {
		convs, err := d.convs.ListForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return func() { onChange(convs) }, nil
	}
	return d.subscribe(ctx, topicKey{topicUser, userID}, load)
}

// SubscribeConversation delivers one conversation record on every change to
// it, typing field included.
func (d *Dispatcher) SubscribeConversation(ctx context.Context, conversationID string, onChange func(domain.Conversation)) (*Subscription, error) {
	load := func(ctx context.Context) (func(), error) {
		conv, err := d.convs.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return func() { onChange(*conv) }, nil
	}
	return d.subscribe(ctx, topicKey{topicConversation, conversationID}, load)
}

func (d *Dispatcher) subscribe(ctx context.Context, key topicKey, load loader) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		d:      d,
		key:    key,
		load:   load,
		ctx:    subCtx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Register before the first read so a change committed in between still
	// produces a signal.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if d.subs[key] == nil {
		d.subs[key] = make(map[*Subscription]struct{})
	}
	d.subs[key][s] = struct{}{}
	d.mu.Unlock()

	first, err := load(ctx)
	if err != nil {
		s.detach()
		cancel()
		close(s.done)
		return nil, err
	}

	go s.run(first)
	return s, nil
}

// Close stops every subscription. Subscribe fails afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	var all []*Subscription
	for _, set := range d.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	d.mu.Unlock()

	for _, s := range all {
		s.Unsubscribe()
	}
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(d.subs, s.key)
		}
	}
}
