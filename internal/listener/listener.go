// Package listener lets operators attach to a live call and receive its
// audio and transcript as a newline-delimited JSON stream. Each call owns a
// bounded queue; overflow drops the oldest audio so a slow listener can
// never stall the call or miss the transcript and end-of-call markers.
package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// MessageType discriminates listener stream entries.
type MessageType string

const (
	TypeAudio   MessageType = "audio"
	TypeSpeaker MessageType = "speaker"
	TypeCallEnd MessageType = "call_end"
)

// Message is one entry in a listener stream.
type Message struct {
	Type MessageType
	// AudioB64 holds the call-format payload for TypeAudio messages.
	AudioB64 string
	// Segments holds the full transcript so far for TypeSpeaker messages.
	Segments []call.SpeakerSegment
}

// DefaultQueueSize bounds how many undelivered messages a queue holds
// before old audio starts being discarded.
const DefaultQueueSize = 512

// Queue is the per-call buffer between the bridge and at most one
// consumer. It implements call.EventSink.
type Queue struct {
	format audio.Format
	onDrop func()

	mu     sync.Mutex
	wake   chan struct{}
	msgs   []Message
	max    int
	closed bool
}

// NewQueue returns a queue for a call running in the given audio format.
// size <= 0 selects DefaultQueueSize.
func NewQueue(format audio.Format, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		format: format,
		wake:   make(chan struct{}, 1),
		max:    size,
	}
}

func (q *Queue) push(m Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.msgs = append(q.msgs, m)
	dropped := false
	if len(q.msgs) > q.max {
		// Shed the oldest audio entry. Transcript and end-of-call markers
		// are never dropped.
		for i, old := range q.msgs {
			if old.Type == TypeAudio {
				q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
				dropped = true
				break
			}
		}
	}
	q.mu.Unlock()
	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PushAudio queues one audio frame.
func (q *Queue) PushAudio(b64 string) {
	q.push(Message{Type: TypeAudio, AudioB64: b64})
}

// PushSegments queues a transcript snapshot.
func (q *Queue) PushSegments(segs []call.SpeakerSegment) {
	q.push(Message{Type: TypeSpeaker, Segments: segs})
}

// EndCall queues the terminal marker. Consumers stop after receiving it.
func (q *Queue) EndCall() {
	q.push(Message{Type: TypeCallEnd})
}

// Next blocks until a message is available, the queue is closed, or ctx is
// done. The second return is false once no more messages will arrive.
func (q *Queue) Next(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			m := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return m, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, false
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Close releases any blocked consumer. Messages already queued are
// discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.msgs = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wireMessage is the NDJSON envelope sent to listeners.
type wireMessage struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// Serialize renders one message as an NDJSON line (newline included).
// Telephony μ-law audio is transcoded to linear PCM so browser consumers
// can play it directly; other formats pass through.
func (q *Queue) Serialize(m Message) ([]byte, error) {
	wire := wireMessage{Type: m.Type}
	switch m.Type {
	case TypeAudio:
		payload := m.AudioB64
		if q.format == audio.FormatG711Ulaw {
			raw, err := base64.StdEncoding.DecodeString(m.AudioB64)
			if err != nil {
				return nil, fmt.Errorf("listener: decode audio frame: %w", err)
			}
			payload = base64.StdEncoding.EncodeToString(audio.UlawToPCM16(raw))
		}
		wire.Data = payload
	case TypeSpeaker:
		wire.Data = m.Segments
	case TypeCallEnd:
		wire.Data = nil
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("listener: encode message: %w", err)
	}
	return append(b, '\n'), nil
}

// Registry maps live calls to their listener queues.
type Registry struct {
	onDrop func()

	mu     sync.Mutex
	queues map[uuid.UUID]*Queue
}

// NewRegistry builds a registry. onDrop, if non-nil, is invoked once per
// audio message shed from any queue.
func NewRegistry(onDrop func()) *Registry {
	return &Registry{onDrop: onDrop, queues: make(map[uuid.UUID]*Queue)}
}

// Register creates and tracks a queue for the given call.
func (r *Registry) Register(id uuid.UUID, format audio.Format, size int) *Queue {
	q := NewQueue(format, size)
	q.onDrop = r.onDrop
	r.mu.Lock()
	r.queues[id] = q
	r.mu.Unlock()
	return q
}

// Lookup returns the queue for a live call, if any.
func (r *Registry) Lookup(id uuid.UUID) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	return q, ok
}

// Remove forgets the call's queue. The queue itself stays readable so an
// attached consumer can still drain up to the end-of-call marker it already
// received a reference to.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.queues, id)
	r.mu.Unlock()
}
