package changefeed_test

import (
	"testing"
	"time"

	"github.com/tembocs/entidb/pkg/changefeed"
	"github.com/tembocs/entidb/pkg/txn"
	"github.com/tembocs/entidb/pkg/wal"
)

func entID(b byte) wal.EntityID {
	var e wal.EntityID
	e[0] = b
	return e
}

func TestSubscribeReceivesPublishedEventsInOrder(t *testing.T) {
	feed := changefeed.New()
	sub := feed.Subscribe(changefeed.SubscribeOptions{})
	defer sub.Close()

	for i := uint64(1); i <= 3; i++ {
		feed.Publish(txn.Event{CollectionID: 0, EntityID: entID(byte(i)), Sequence: i, Kind: txn.EventInsert})
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Sequence != i {
				t.Fatalf("expected sequence %d in order, got %d", i, ev.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestDropOldestDiscardsWhenFull(t *testing.T) {
	feed := changefeed.New()
	sub := feed.Subscribe(changefeed.SubscribeOptions{BufferSize: 2, Backpressure: changefeed.DropOldest})
	defer sub.Close()

	// Never read from sub: with capacity 2 and three publishes, the
	// oldest (sequence 1) should be the one that's gone.
	feed.Publish(txn.Event{Sequence: 1, Kind: txn.EventInsert})
	feed.Publish(txn.Event{Sequence: 2, Kind: txn.EventInsert})
	feed.Publish(txn.Event{Sequence: 3, Kind: txn.EventInsert})

	first := <-sub.Events()
	second := <-sub.Events()
	if first.Sequence != 2 || second.Sequence != 3 {
		t.Fatalf("expected the oldest event to be dropped, got %d then %d", first.Sequence, second.Sequence)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no third event buffered, got %+v", ev)
	default:
	}
}

func TestBlockWaitsForSubscriberToDrain(t *testing.T) {
	feed := changefeed.New()
	sub := feed.Subscribe(changefeed.SubscribeOptions{BufferSize: 1, Backpressure: changefeed.Block})
	defer sub.Close()

	feed.Publish(txn.Event{Sequence: 1, Kind: txn.EventInsert})

	published := make(chan struct{})
	go func() {
		feed.Publish(txn.Event{Sequence: 2, Kind: txn.EventInsert})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("expected the second publish to block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-sub.Events() // drain sequence 1, unblocking the publisher

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("expected publish to unblock once the subscriber drained")
	}
}

func TestCloseStopsDeliveryAndUnblocksPublish(t *testing.T) {
	feed := changefeed.New()
	sub := feed.Subscribe(changefeed.SubscribeOptions{BufferSize: 1, Backpressure: changefeed.Block})

	feed.Publish(txn.Event{Sequence: 1, Kind: txn.EventInsert})

	done := make(chan struct{})
	go func() {
		feed.Publish(txn.Event{Sequence: 2, Kind: txn.EventInsert})
		close(done)
	}()

	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Close to unblock a pending Publish")
	}
	if got := feed.SubscriberCount(); got != 0 {
		t.Fatalf("expected subscriber count 0 after Close, got %d", got)
	}
}

func TestSubscriberCount(t *testing.T) {
	feed := changefeed.New()
	if got := feed.SubscriberCount(); got != 0 {
		t.Fatalf("expected 0 subscribers initially, got %d", got)
	}
	sub1 := feed.Subscribe(changefeed.SubscribeOptions{})
	sub2 := feed.Subscribe(changefeed.SubscribeOptions{})
	if got := feed.SubscriberCount(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
	sub1.Close()
	if got := feed.SubscriberCount(); got != 1 {
		t.Fatalf("expected 1 subscriber after one Close, got %d", got)
	}
	sub2.Close()
}
