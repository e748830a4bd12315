// Package changefeed implements the spec section 4.9 post-commit event
// stream: subscribers receive one Event per write intent, in commit
// order, with configurable bounded-buffer backpressure.
//
// It generalizes cuemby-warren's pkg/events Broker — a buffered-channel
// broadcast to a set of per-subscriber buffered channels, non-blocking
// send with a drop-if-full default — onto txn.Event and the spec's two
// named backpressure modes. cockroachdb/fifo and cockroachdb/tokenbucket
// were considered for the bounded buffer but dropped (see DESIGN.md):
// this stays on a plain Go channel instead.
package changefeed

import (
	"sync"

	"github.com/tembocs/entidb/pkg/txn"
)

// Backpressure selects what a full subscriber buffer does to a new
// event: DropOldest discards the oldest buffered event to make room
// (the subscriber falls behind silently), Block makes the publishing
// commit wait until the subscriber drains.
type Backpressure int

const (
	DropOldest Backpressure = iota
	Block
)

// DefaultBufferSize is the per-subscriber buffer depth used when
// SubscribeOptions.BufferSize is left at zero.
const DefaultBufferSize = 256

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	// BufferSize is the subscriber's channel capacity. Zero means
	// DefaultBufferSize.
	BufferSize int
	// Backpressure selects the full-buffer policy. Zero value is
	// DropOldest.
	Backpressure Backpressure
}

// Feed is a Manager's ChangePublisher: it implements txn.ChangePublisher
// and fans every published Event out to every live subscription.
//
// Feed relies on the caller never publishing concurrently — true for
// pkg/txn's Manager, which holds its single write lock for the whole of
// Commit, including the publish step, so Publish calls are already
// totally ordered before Feed ever sees them.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty Feed ready to accept subscribers and publish.
func New() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer's view of the feed. Events arrives in
// the order Publish was called; Close stops delivery and releases the
// subscriber's buffer.
type Subscription struct {
	feed         *Feed
	ch           chan txn.Event
	backpressure Backpressure
	closed       chan struct{}
}

// Subscribe registers a new subscription. The caller must eventually
// call Close to avoid leaking the subscription from the feed's set.
func (f *Feed) Subscribe(opts SubscribeOptions) *Subscription {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	sub := &Subscription{
		feed:         f,
		ch:           make(chan txn.Event, size),
		backpressure: opts.Backpressure,
		closed:       make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Events returns the channel the subscriber reads published events
// from. Close does not close it; see Close.
func (s *Subscription) Events() <-chan txn.Event {
	return s.ch
}

// Close stops the subscription from receiving further events and
// removes it from its feed. The event channel itself is left open
// (never closed): a concurrent deliver call may still be selecting on
// it, and closing a channel a sender might write to next is a data
// race waiting to panic. Closed is the signal instead.
func (s *Subscription) Close() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s)
	s.feed.mu.Unlock()
	close(s.closed)
}

// Publish fans ev out to every live subscription, per each one's
// configured backpressure policy. Publish never blocks on a
// DropOldest subscriber; it may block on a Block subscriber until that
// subscriber reads or is closed.
func (f *Feed) Publish(ev txn.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		sub.deliver(ev)
	}
}

func (s *Subscription) deliver(ev txn.Event) {
	switch s.backpressure {
	case Block:
		select {
		case s.ch <- ev:
		case <-s.closed:
		}
	default: // DropOldest
		for {
			select {
			case s.ch <- ev:
				return
			case <-s.closed:
				return
			default:
				select {
				case <-s.ch:
				default:
				}
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions, mainly for
// tests and pkg/metrics.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
