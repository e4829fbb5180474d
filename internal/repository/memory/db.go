// Package memory is an in-process backing store. It is the default driver
// for development and the store behind most tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/repository"
)

// DB holds conversations and messages behind one lock, so every mutation
// and its change notification are committed in a single order.
type DB struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
	msgs  map[string][]*domain.Message
	// keyed by conversation id + "\x00" + client key
	keys map[string]*domain.Message
	seq  int64
	now  func() time.Time

	watchers map[*changeQueue]struct{}
}

func New() *DB {
	return &DB{
		convs:    make(map[string]*domain.Conversation),
		msgs:     make(map[string][]*domain.Message),
		keys:     make(map[string]*domain.Message),
		now:      time.Now,
		watchers: make(map[*changeQueue]struct{}),
	}
}

// Store exposes the DB as a repository.Store.
func (db *DB) Store() repository.Store {
	return repository.Store{
		Conversations: NewConversationRepo(db),
		Messages:      NewMessageRepo(db),
		Feed:          db,
		Close:         func() {},
	}
}

// findMessage must be called with db.mu held.
func (db *DB) findMessage(conversationID string, id uuid.UUID) *domain.Message {
	for _, m := range db.msgs[conversationID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// emit must be called with db.mu held.
func (db *DB) emit(kind repository.ChangeKind, conv *domain.Conversation) {
	ch := repository.Change{
		Kind:           kind,
		ConversationID: conv.ID,
		Members:        []string{conv.Members[0], conv.Members[1]},
	}
	for q := range db.watchers {
		q.push(ch)
	}
}

// Watch implements repository.ChangeFeed.
func (db *DB) Watch(ctx context.Context, fn func(repository.Change)) error {
	q := newChangeQueue()
	db.mu.Lock()
	db.watchers[q] = struct{}{}
	db.mu.Unlock()

	defer func() {
		db.mu.Lock()
		delete(db.watchers, q)
		db.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.ready:
			for _, ch := range q.drain() {
				fn(ch)
			}
		}
	}
}

// changeQueue is an unbounded FIFO; pushing never blocks the writer.
type changeQueue struct {
	mu      sync.Mutex
	pending []repository.Change
	ready   chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{ready: make(chan struct{}, 1)}
}

func (q *changeQueue) push(ch repository.Change) {
	q.mu.Lock()
	q.pending = append(q.pending, ch)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []repository.Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Watchers reports how many change-feed consumers are attached.
func (db *DB) Watchers() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.watchers)
}
