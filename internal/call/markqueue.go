package call

import (
	"sync"
	"time"
)

// MarkQueue tracks how much of the assistant's current audio item the human
// has actually heard. Every chunk sent downstream pushes its duration; every
// mark acknowledgement pops one. When the human barges in, the heard
// duration is the sum of fully acknowledged chunks plus the elapsed part of
// the chunk currently playing, capped at that chunk's length.
//
// Chunks are pushed from the downlink goroutine and acknowledged from the
// uplink goroutine, so the queue locks internally.
type MarkQueue struct {
	mu        sync.Mutex
	pending   []int
	elapsedMs int
	// interMarkStart is the wall-clock start of the chunk currently
	// playing. Zero when nothing is mid-play.
	interMarkStart time.Time
	itemID         string
}

// NewMarkQueue returns an empty queue.
func NewMarkQueue() *MarkQueue {
	return &MarkQueue{}
}

// BeginItem starts tracking a new assistant item, discarding any state left
// over from the previous one.
func (q *MarkQueue) BeginItem(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.itemID = itemID
	q.pending = q.pending[:0]
	q.elapsedMs = 0
	q.interMarkStart = time.Time{}
}

// ItemID returns the assistant item currently being played, or "" when no
// item is in flight.
func (q *MarkQueue) ItemID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.itemID
}

// Push records that a chunk of the given duration was sent downstream. The
// in-flight clock is not touched here: it only runs between mark
// acknowledgements, so a chunk that has been sent but never acknowledged
// counts as unheard.
func (q *MarkQueue) Push(ms int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ms)
}

// Ack consumes one mark acknowledgement: the oldest pending chunk has
// finished playing.
func (q *MarkQueue) Ack(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return
	}
	q.elapsedMs += q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.interMarkStart = now
	} else {
		q.interMarkStart = time.Time{}
	}
}

// Empty reports whether every sent chunk has been acknowledged.
func (q *MarkQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

// HeardMs estimates how much of the current item the human has heard:
// acknowledged chunks in full, plus wall-clock elapsed time into the head
// chunk, never more than the head chunk itself.
func (q *MarkQueue) HeardMs(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	heard := q.elapsedMs
	if !q.interMarkStart.IsZero() && len(q.pending) > 0 {
		inFlight := int(now.Sub(q.interMarkStart) / time.Millisecond)
		if inFlight > q.pending[0] {
			inFlight = q.pending[0]
		}
		heard += inFlight
	}
	return heard
}

// Reset drops all tracking state. Used after a barge-in truncation and when
// a telephony stream restarts.
func (q *MarkQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	q.elapsedMs = 0
	q.interMarkStart = time.Time{}
	q.itemID = ""
}
