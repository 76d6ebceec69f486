package call_test

import (
	"testing"
	"time"

	"github.com/callyx-ai/callyx/internal/call"
)

func TestMarkQueueHeardMs(t *testing.T) {
	base := time.Now()
	q := call.NewMarkQueue()
	q.BeginItem("item_1")
	q.Push(200)
	q.Push(200)
	q.Push(200)

	// Nothing acknowledged yet: no chunk is known to be playing, so
	// wall-clock time counts for nothing.
	if got := q.HeardMs(base.Add(time.Hour)); got != 0 {
		t.Errorf("heard before first ack: got %d, want 0", got)
	}

	// One chunk acknowledged, 150ms into the second.
	q.Ack(base.Add(200 * time.Millisecond))
	got := q.HeardMs(base.Add(350 * time.Millisecond))
	if got != 350 {
		t.Errorf("heard after partial second chunk: got %d, want 350", got)
	}

	// Wall clock far past the head chunk: capped at its duration.
	got = q.HeardMs(base.Add(10 * time.Second))
	if got != 400 {
		t.Errorf("heard capped at head chunk: got %d, want 400", got)
	}
}

func TestMarkQueueIdleHasNoInFlight(t *testing.T) {
	base := time.Now()
	q := call.NewMarkQueue()
	q.BeginItem("item_1")
	q.Push(100)
	q.Ack(base.Add(100 * time.Millisecond))

	if !q.Empty() {
		t.Fatal("queue should be empty after final ack")
	}
	// Nothing is playing, so wall-clock time must not count.
	if got := q.HeardMs(base.Add(time.Hour)); got != 100 {
		t.Errorf("heard while idle: got %d, want 100", got)
	}

	// A later push alone does not restart the clock; the chunk only counts
	// once its acknowledgement arrives.
	q.Push(100)
	if got := q.HeardMs(base.Add(2 * time.Second)); got != 100 {
		t.Errorf("heard after idle resume, pre-ack: got %d, want 100", got)
	}
	q.Ack(base.Add(3 * time.Second))
	if got := q.HeardMs(base.Add(3 * time.Second)); got != 200 {
		t.Errorf("heard after resume ack: got %d, want 200", got)
	}
}

func TestMarkQueueClockRunsBetweenAcks(t *testing.T) {
	base := time.Now()
	q := call.NewMarkQueue()
	q.BeginItem("item_1")
	q.Push(300)
	q.Push(300)

	// The first ack arms the clock for the chunk now at the head.
	q.Ack(base)
	if got := q.HeardMs(base.Add(120 * time.Millisecond)); got != 420 {
		t.Errorf("heard mid second chunk: got %d, want 420", got)
	}
}

func TestMarkQueueBeginItemDiscardsPreviousItem(t *testing.T) {
	base := time.Now()
	q := call.NewMarkQueue()
	q.BeginItem("item_1")
	q.Push(500)

	q.BeginItem("item_2")
	if q.ItemID() != "item_2" {
		t.Errorf("item id: got %q, want item_2", q.ItemID())
	}
	if !q.Empty() {
		t.Error("pending chunks should be dropped on new item")
	}
	if got := q.HeardMs(base.Add(time.Second)); got != 0 {
		t.Errorf("heard after new item: got %d, want 0", got)
	}
}

func TestMarkQueueReset(t *testing.T) {
	q := call.NewMarkQueue()
	q.BeginItem("item_1")
	q.Push(100)
	q.Reset()
	if q.ItemID() != "" || !q.Empty() {
		t.Error("reset should clear item and pending chunks")
	}
}
