package domain

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Conversation is the durable record of a 1:1 exchange. Members is always
// the sorted pair so the record is the same no matter who opened it.
type Conversation struct {
	ID                string         `json:"id"`
	Members           [2]string      `json:"members"`
	LastMessageText   string         `json:"last_message_text"`
	LastMessageTime   time.Time      `json:"last_message_time"`
	LastMessageSender string         `json:"last_message_sender"`
	UnreadCounts      map[string]int `json:"unread_counts"`
	Typing            Typing         `json:"typing"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Typing is the transient "who is composing" field of a conversation.
type Typing struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// TypingEvent is what the presence channel carries.
type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	At             time.Time `json:"at"`
}

// SortedPair returns the two identities in canonical order.
func SortedPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// ConversationID derives the conversation id from a participant pair. The
// result does not depend on argument order.
func ConversationID(a, b string) (string, error) {
	if err := ValidateIdentity(a); err != nil {
		return "", err
	}
	if err := ValidateIdentity(b); err != nil {
		return "", err
	}
	if a == b {
		return "", ErrCannotChatSelf
	}

	pair := SortedPair(a, b)
	// Length prefixes keep ("ab","c") and ("a","bc") apart.
	buf := make([]byte, 0, 16+len(pair[0])+len(pair[1]))
	for _, id := range pair {
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(id)))
		buf = append(buf, id...)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:16]), nil
}

// NewConversation builds a fresh record with zeroed counters.
func NewConversation(a, b string, now time.Time) (*Conversation, error) {
	id, err := ConversationID(a, b)
	if err != nil {
		return nil, err
	}
	pair := SortedPair(a, b)
	return &Conversation{
		ID:              id,
		Members:         pair,
		LastMessageTime: now,
		UnreadCounts:    map[string]int{pair[0]: 0, pair[1]: 0},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ValidateIdentity rejects blank participant identities. Identities are
// otherwise opaque.
func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

func (c *Conversation) HasMember(userID string) bool {
	return c.Members[0] == userID || c.Members[1] == userID
}

// Other returns the member that is not userID.
func (c *Conversation) Other(userID string) (string, bool) {
	switch userID {
	case c.Members[0]:
		return c.Members[1], true
	case c.Members[1]:
		return c.Members[0], true
	}
	return "", false
}

// Unread never reports below zero, even if a repair raced a read.
func (c *Conversation) Unread(userID string) int {
	return max(c.UnreadCounts[userID], 0)
}

// Clone returns a deep copy so callers can't mutate shared state.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		out.UnreadCounts[k] = max(v, 0)
	}
	for _, m := range c.Members {
		if _, ok := out.UnreadCounts[m]; !ok {
			out.UnreadCounts[m] = 0
		}
	}
	return out
}

// SortConversations orders most recent activity first.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastMessageTime.Equal(convs[j].LastMessageTime) {
			return convs[i].LastMessageTime.After(convs[j].LastMessageTime)
		}
		return convs[i].ID < convs[j].ID
	})
}
