package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// loader reads a fresh snapshot and returns the callback that hands it to
// the subscriber.
type loader func(ctx context.Context) (func(), error)

// Subscription is one live view. Deliveries run on a single goroutine, in
// order, each reflecting a committed state no older than the previous one.
type Subscription struct {
	d      *Dispatcher
	key    topicKey
	load   loader
	ctx    context.Context
	cancel context.CancelFunc

	signal chan struct{}
	done   chan struct{}

	deliver sync.Mutex
	deaf    bool
	once    sync.Once
}

// notify marks the view dirty. Signals arriving while a read is pending
// collapse into one.
func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(first func()) {
	defer close(s.done)

	s.emit(first)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.d.RetryBase
	b.MaxInterval = s.d.RetryMax
	b.MaxElapsedTime = 0

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		case <-retryC:
			retryC = nil
		}

		fn, err := s.load(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			s.d.log.Warn().Err(err).
				Str("id", s.key.id).
				Dur("retry_in", wait).
				Msg("snapshot read failed")
			if retry == nil {
				retry = time.NewTimer(wait)
			} else {
				retry.Reset(wait)
			}
			retryC = retry.C
			continue
		}
		b.Reset()
		s.emit(fn)
	}
}

func (s *Subscription) emit(fn func()) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if !s.deaf {
		fn()
	}
}

func (s *Subscription) detach() {
	s.d.remove(s)
}

// Unsubscribe stops the subscription. Once it returns the callback will not
// run again; a delivery already in progress is waited for. It must not be
// called from inside the subscription's own callback (use a goroutine).
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.detach()
		s.deliver.Lock()
		s.deaf = true
		s.deliver.Unlock()
		s.cancel()
	})
}

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
