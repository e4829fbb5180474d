// Package nats is the NATS core typing channel. Core subjects are
// at-most-once, which matches typing semantics.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
)

const subjectPrefix = "chat.typing."

type Channel struct {
	nc  *natsgo.Conn
	log zerolog.Logger
}

var _ presence.Channel = (*Channel)(nil)

// Connect dials the servers in url (comma separated) with unlimited
// reconnects.
func Connect(url, name string, log zerolog.Logger) (*Channel, error) {
	opts := []natsgo.Option{
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(500 * time.Millisecond),
		natsgo.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		natsgo.Timeout(3 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := natsgo.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(nc, log), nil
}

func New(nc *natsgo.Conn, log zerolog.Logger) *Channel {
	return &Channel{nc: nc, log: log}
}

// subject maps a conversation id onto a single subject token. Ids are hex,
// but anything else is escaped so it cannot introduce wildcards.
func subject(conversationID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectPrefix + r.Replace(conversationID)
}

func (c *Channel) Publish(_ context.Context, conversationID, userID string, isTyping bool) {
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
	if err := c.nc.Publish(subject(conversationID), data); err != nil {
		c.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Msg("typing publish failed")
	}
}

func (c *Channel) Subscribe(conversationID string, fn func(domain.TypingEvent)) (presence.Subscription, error) {
	s := &subscription{}
	sub, err := c.nc.Subscribe(subject(conversationID), func(msg *natsgo.Msg) {
		var ev domain.TypingEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed typing event")
			return
		}
		// Escaping can fold distinct ids onto one subject.
		if ev.ConversationID != conversationID {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.deaf {
			fn(ev)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe typing: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close drains the connection.
func (c *Channel) Close() error {
	return c.nc.Drain()
}

type subscription struct {
	sub  *natsgo.Subscription
	mu   sync.Mutex
	deaf bool
}

func (s *subscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
	s.mu.Lock()
	s.deaf = true
	s.mu.Unlock()
}
