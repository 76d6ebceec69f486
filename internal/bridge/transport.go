package bridge

import (
	"context"

	"github.com/callyx-ai/callyx/internal/call"
)

// EnvelopeKind classifies uplink frames from the human endpoint.
type EnvelopeKind string

const (
	// EnvelopeMedia carries one base64 audio frame.
	EnvelopeMedia EnvelopeKind = "media"
	// EnvelopeStart announces a (re)started media stream.
	EnvelopeStart EnvelopeKind = "start"
	// EnvelopeMark acknowledges that a previously sent chunk finished
	// playing at the endpoint.
	EnvelopeMark EnvelopeKind = "mark"
	// EnvelopeHangup is an explicit user disconnect (browser endpoints).
	EnvelopeHangup EnvelopeKind = "hangup"
	// EnvelopeIgnored is anything the bridge has no use for.
	EnvelopeIgnored EnvelopeKind = "ignored"
)

// Envelope is one decoded uplink frame.
type Envelope struct {
	Kind    EnvelopeKind
	Payload string // base64 audio for EnvelopeMedia
}

// Transport abstracts the human endpoint: a telephony media stream or a
// browser WebSocket. Implementations decode their own wire envelopes into
// the shared Envelope shape and encode downlink frames back out.
//
// Recv is called from the uplink goroutine only; the send methods from the
// downlink goroutine only (plus tool dispatch, which runs on the downlink
// goroutine).
type Transport interface {
	// Recv returns the next uplink envelope. It returns an error when the
	// endpoint disconnects or ctx is cancelled.
	Recv(ctx context.Context) (Envelope, error)

	// SendMedia pushes one base64 audio frame to the endpoint.
	SendMedia(ctx context.Context, b64 string) error

	// SendMark asks the endpoint to acknowledge when playback reaches this
	// point. Endpoints that track playback locally no-op this and emit
	// their own mark envelopes.
	SendMark(ctx context.Context) error

	// SendClear tells the endpoint to drop any audio it has buffered but
	// not yet played (barge-in).
	SendClear(ctx context.Context) error

	// SendSegments publishes the transcript so far to endpoints that render
	// it. Others no-op.
	SendSegments(ctx context.Context, segments []call.SpeakerSegment) error

	// SendEvent delivers an out-of-band notification (tool side effects) to
	// endpoints that surface them. Others no-op.
	SendEvent(ctx context.Context, event string, payload any) error
}
