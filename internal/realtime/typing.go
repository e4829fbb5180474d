package realtime

import (
	"sync"
	"time"

	"github.com/vedran77/skillswap/internal/domain"
	"github.com/vedran77/skillswap/internal/presence"
)

const DefaultTypingTimeout = 2000 * time.Millisecond

// TypingWatcher is the receiving side of a typing indicator. It clears the
// indicator by itself when no "typing" event arrives within the timeout, so
// a lost "stopped typing" event can't leave it stuck.
type TypingWatcher struct {
	conversationID string
	self           string
	timeout        time.Duration
	onChange       func(domain.Typing)

	deliver sync.Mutex // serializes onChange calls

	mu     sync.Mutex
	state  domain.Typing
	timer  *time.Timer
	gen    uint64
	closed bool

	sub presence.Subscription
}

// WatchTyping subscribes to typing events of conversationID. Events from
// self or for another conversation are ignored. onChange may be nil; State is always available.
func WatchTyping(ch presence.Channel, conversationID, self string, timeout time.Duration, onChange func(domain.Typing)) (*TypingWatcher, error) {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	w := &TypingWatcher{conversationID: conversationID, self: self, timeout: timeout, onChange: onChange}

	sub, err := ch.Subscribe(conversationID, w.observe)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	return w, nil
}

func (w *TypingWatcher) State() domain.Typing {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *TypingWatcher) observe(ev domain.TypingEvent) {
	if ev.UserID == w.self || ev.ConversationID != w.conversationID {
		return
	}

	w.deliver.Lock()
	defer w.deliver.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if ev.IsTyping {
		gen := w.gen
		w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
	}
	next := domain.Typing{UserID: ev.UserID, IsTyping: ev.IsTyping}
	changed := next != w.state
	w.state = next
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.onChange(next)
	}
}

func (w *TypingWatcher) expire(gen uint64) {
	w.deliver.Lock()
	defer w.deliver.Unlock()

	w.mu.Lock()
	if w.closed || gen != w.gen || !w.state.IsTyping {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.state.IsTyping = false
	next := w.state
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(next)
	}
}

// Close stops the watcher. No onChange call happens after it returns.
func (w *TypingWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	sub := w.sub
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	w.deliver.Lock()
	w.mu.Lock()
	w.closed = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.deliver.Unlock()
}

// TypingNotifier is the sending side. Each keystroke announces typing and
// schedules an automatic "stopped" after the timeout; sending a message
// stops it at once.
type TypingNotifier struct {
	timeout time.Duration
	publish func(isTyping bool)

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

func NewTypingNotifier(timeout time.Duration, publish func(isTyping bool)) *TypingNotifier {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingNotifier{timeout: timeout, publish: publish}
}

func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.gen++
	if n.timer != nil {
		n.timer.Stop()
	}
	gen := n.gen
	n.timer = time.AfterFunc(n.timeout, func() { n.expire(gen) })

	n.typing = true
	n.publish(true)
}

// Stop cancels the pending timeout and announces "stopped" if typing was
// announced.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked()
}

func (n *TypingNotifier) stopLocked() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.typing {
		n.typing = false
		n.publish(false)
	}
}

func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || gen != n.gen {
		return
	}
	n.timer = nil
	if n.typing {
		n.typing = false
		n.publish(false)
	}
}

func (n *TypingNotifier) Typing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.typing
}

// Close behaves like Stop and disables the notifier.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.stopLocked()
	n.closed = true
}
