package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/realtime"
	"github.com/vedran77/skillswap/internal/session"
	"github.com/vedran77/skillswap/pkg/logger"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 32 * 1024
	sendBufSize    = 256
)

// Client represents a single WebSocket connection and the chat session
// behind it.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	session *session.Session
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	convList *realtime.Subscription
	convs    map[string]*conversationSubs

	send chan []byte
}

type conversationSubs struct {
	messages *realtime.Subscription
	typing   *realtime.TypingWatcher
}

func NewClient(hub *Hub, conn *websocket.Conn, sess *session.Session, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		hub:     hub,
		conn:    conn,
		userID:  sess.UserID(),
		session: sess,
		log:     logger.WithUserID(log, sess.UserID()),
		ctx:     ctx,
		cancel:  cancel,
		convs:   make(map[string]*conversationSubs),
		send:    make(chan []byte, sendBufSize),
	}
}

// ReadPump reads events until the connection drops, then tears the session
// down. No session callback runs after session.Close returns, so the send
// channel can be released afterwards.
func (c *Client) ReadPump() {
	defer func() {
		c.session.Close()
		c.hub.Unregister(c)
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var event Event
		err := wsjson.Read(c.ctx, c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.log.Debug().Msg("client disconnected")
			} else {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		c.handleEvent(&event)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("ping error")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleEvent routes an incoming client event. Events of one connection are
// handled in arrival order.
func (c *Client) handleEvent(event *Event) {
	switch event.Type {
	case EventTypeConversationsSubscribe:
		c.subscribeConversations()

	case EventTypeConversationSubscribe:
		c.subscribeConversation(event)

	case EventTypeConversationUnsub:
		if event.ConversationID == "" {
			c.sendError("", "INVALID_PAYLOAD", "conversation_id required")
			return
		}
		c.unsubscribeConversation(event.ConversationID)

	case EventTypeMessageSend:
		c.sendMessage(event)

	case EventTypeMessageSummaryRetry:
		c.retrySummary(event)

	case EventTypeMessageRead:
		if event.ConversationID == "" {
			c.sendError("", "INVALID_PAYLOAD", "conversation_id required")
			return
		}
		if err := c.session.MarkRead(c.ctx, event.ConversationID); err != nil {
			c.sendServiceError(event.ConversationID, "", err)
		}

	case EventTypeTypingStart:
		if event.ConversationID == "" {
			c.sendError("", "INVALID_PAYLOAD", "conversation_id required for typing events")
			return
		}
		if err := c.session.Typing(c.ctx, event.ConversationID); err != nil {
			c.sendServiceError(event.ConversationID, "", err)
		}

	case EventTypeTypingStop:
		if event.ConversationID == "" {
			c.sendError("", "INVALID_PAYLOAD", "conversation_id required for typing events")
			return
		}
		c.session.StopTyping(event.ConversationID)

	case EventTypePing:
		c.push(&Event{Type: EventTypePong, Timestamp: time.Now().UnixMilli()})

	default:
		c.sendError("", "UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *Client) subscribeConversations() {
	c.mu.Lock()
	already := c.convList != nil
	c.mu.Unlock()
	if already {
		return
	}

	sub, err := c.session.SubscribeConversations(c.ctx, c.onConversations)
	if err != nil {
		c.sendServiceError("", "", err)
		return
	}

	c.mu.Lock()
	c.convList = sub
	c.mu.Unlock()
}

func (c *Client) subscribeConversation(event *Event) {
	convID := event.ConversationID
	if convID == "" {
		var p ConversationSubscribePayload
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				c.sendError("", "INVALID_PAYLOAD", "invalid conversation.subscribe payload")
				return
			}
		}
		if p.UserID == "" {
			c.sendError("", "INVALID_PAYLOAD", "conversation_id or user_id required")
			return
		}
		conv, err := c.session.OpenOrCreate(c.ctx, p.UserID)
		if err != nil {
			c.sendServiceError("", "", err)
			return
		}
		convID = conv.ID
	}

	c.mu.Lock()
	_, already := c.convs[convID]
	c.mu.Unlock()
	if already {
		return
	}

	msgs, err := c.session.SubscribeMessages(c.ctx, convID, c.onMessages(convID))
	if err != nil {
		c.sendServiceError(convID, "", err)
		return
	}
	typing, err := c.session.SubscribeTyping(c.ctx, convID, c.onTyping(convID))
	if err != nil {
		c.session.Unsubscribe(msgs)
		c.sendServiceError(convID, "", err)
		return
	}

	c.mu.Lock()
	c.convs[convID] = &conversationSubs{messages: msgs, typing: typing}
	c.mu.Unlock()
}

func (c *Client) unsubscribeConversation(convID string) {
	c.mu.Lock()
	subs, ok := c.convs[convID]
	delete(c.convs, convID)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.session.Unsubscribe(subs.messages)
	c.session.StopWatchingTyping(subs.typing)
}

func (c *Client) sendMessage(event *Event) {
	var p MessageSendPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil || event.ConversationID == "" {
		c.sendError(event.ConversationID, "INVALID_PAYLOAD", "invalid message.send payload")
		return
	}

	msg, err := c.session.Send(c.ctx, event.ConversationID, p.Text, p.ClientKey)
	if err != nil {
		var partial *domain.PartialSendError
		if errors.As(err, &partial) {
			c.pushEvent(EventTypeMessageAck, event.ConversationID, MessageAckPayload{
				ClientKey: p.ClientKey,
				Message:   partial.Message,
				Warning:   "summary_out_of_sync",
			})
			return
		}
		c.sendServiceError(event.ConversationID, p.ClientKey, err)
		return
	}

	c.pushEvent(EventTypeMessageAck, event.ConversationID, MessageAckPayload{
		ClientKey: p.ClientKey,
		Message:   msg,
	})
}

func (c *Client) retrySummary(event *Event) {
	var p MessageSummaryRetryPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil || event.ConversationID == "" {
		c.sendError(event.ConversationID, "INVALID_PAYLOAD", "invalid message.summary_retry payload")
		return
	}
	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		c.sendError(event.ConversationID, "INVALID_PAYLOAD", "invalid message_id")
		return
	}

	msg, err := c.session.RetrySummaryByID(c.ctx, event.ConversationID, messageID)
	if err != nil {
		var partial *domain.PartialSendError
		if errors.As(err, &partial) {
			c.pushEvent(EventTypeMessageAck, event.ConversationID, MessageAckPayload{
				ClientKey: partial.Message.ClientKey,
				Message:   partial.Message,
				Warning:   "summary_out_of_sync",
			})
			return
		}
		c.sendServiceError(event.ConversationID, "", err)
		return
	}

	c.pushEvent(EventTypeMessageAck, event.ConversationID, MessageAckPayload{
		ClientKey: msg.ClientKey,
		Message:   msg,
	})
}

// push queues an event. A client that can't keep up is disconnected; it
// gets fresh snapshots when it reconnects.
func (c *Client) push(evt *Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Error().Err(err).Str("type", evt.Type).Msg("marshal event")
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Str("type", evt.Type).Msg("send buffer full, dropping client")
		c.cancel()
	}
}

func (c *Client) pushEvent(eventType, conversationID string, payload any) {
	evt, err := NewEvent(eventType, conversationID, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", eventType).Msg("marshal payload")
		return
	}
	c.push(evt)
}

func (c *Client) sendError(conversationID, code, message string) {
	c.pushEvent(EventTypeError, conversationID, ErrorPayload{Code: code, Message: message})
}
