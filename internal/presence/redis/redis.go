// Package redis is the Redis Pub/Sub typing channel. The last published
// state of each conversation is also kept under a short-lived key so a late
// subscriber learns that someone is mid-typing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
)

const (
	channelPrefix = "chat:typing:"
	lastKeyPrefix = "chat:typing:last:"
)

type Channel struct {
	client *goredis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

var _ presence.Channel = (*Channel)(nil)

// New returns a channel on client. ttl bounds how long the last state
// survives without a fresh publish; it should match the typing timeout.
func New(client *goredis.Client, ttl time.Duration, log zerolog.Logger) *Channel {
	return &Channel{client: client, ttl: ttl, log: log}
}

func channelName(conversationID string) string { return channelPrefix + conversationID }
func lastKey(conversationID string) string     { return lastKeyPrefix + conversationID }

func (c *Channel) Publish(ctx context.Context, conversationID, userID string, isTyping bool) {
	data, err := json.Marshal(domain.TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
		At:             time.Now().UTC(),
	})
	if err != nil {
		c.log.Error().Err(err).Msg("encode typing event")
		return
	}

	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if isTyping {
			pipe.Set(ctx, lastKey(conversationID), data, c.ttl)
		} else {
			pipe.Del(ctx, lastKey(conversationID))
		}
		pipe.Publish(ctx, channelName(conversationID), data)
		return nil
	})
	if err != nil {
		c.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Msg("typing publish failed")
	}
}

func (c *Channel) Subscribe(conversationID string, fn func(domain.TypingEvent)) (presence.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := c.client.Subscribe(ctx, channelName(conversationID))

	// Wait for the subscription to be confirmed so no publish after this
	// point is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	s := &subscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	var initial *domain.TypingEvent
	raw, err := c.client.Get(ctx, lastKey(conversationID)).Bytes()
	switch {
	case err == nil:
		var ev domain.TypingEvent
		if json.Unmarshal(raw, &ev) == nil {
			initial = &ev
		}
	case !errors.Is(err, goredis.Nil):
		c.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("read last typing state")
	}

	go s.run(ctx, initial, fn, c.log)
	return s, nil
}

// Close is a no-op; the client is owned by the caller.
func (c *Channel) Close() error { return nil }

type subscription struct {
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, initial *domain.TypingEvent, fn func(domain.TypingEvent), log zerolog.Logger) {
	defer close(s.done)

	if initial != nil {
		fn(*initial)
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.TypingEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed typing event")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			fn(ev)
		case <-ctx.Done():
			return
		}
	}
}

// Unsubscribe waits for the delivery goroutine to exit, so it must not be
// called from inside the subscription's own callback.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		<-s.done
	})
}
