package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/callyx-ai/callyx/internal/bridge"
	"github.com/callyx-ai/callyx/internal/call"
)

// browserEnvelope is the wire format spoken with the browser client. The
// client tracks its own playback and acknowledges each chunk with a mark
// envelope, so no marks are sent to it.
type browserEnvelope struct {
	Event   string `json:"event"`
	Payload string `json:"payload,omitempty"`
}

type browserTransport struct {
	ws *websocket.Conn
}

var _ bridge.Transport = (*browserTransport)(nil)

func newBrowserTransport(ws *websocket.Conn) *browserTransport {
	return &browserTransport{ws: ws}
}

func (t *browserTransport) Recv(ctx context.Context) (bridge.Envelope, error) {
	_, data, err := t.ws.Read(ctx)
	if err != nil {
		return bridge.Envelope{}, fmt.Errorf("browser transport: read: %w", err)
	}
	var env browserEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bridge.Envelope{}, fmt.Errorf("browser transport: decode: %w", err)
	}
	switch env.Event {
	case "media":
		return bridge.Envelope{Kind: bridge.EnvelopeMedia, Payload: env.Payload}, nil
	case "mark":
		return bridge.Envelope{Kind: bridge.EnvelopeMark}, nil
	case "hangup":
		return bridge.Envelope{Kind: bridge.EnvelopeHangup}, nil
	default:
		return bridge.Envelope{Kind: bridge.EnvelopeIgnored}, nil
	}
}

func (t *browserTransport) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser transport: encode: %w", err)
	}
	return t.ws.Write(ctx, websocket.MessageText, b)
}

func (t *browserTransport) SendMedia(ctx context.Context, b64 string) error {
	return t.send(ctx, browserEnvelope{Event: "media", Payload: b64})
}

// The browser acknowledges playback on its own; nothing to send.
func (t *browserTransport) SendMark(context.Context) error { return nil }

func (t *browserTransport) SendClear(ctx context.Context) error {
	return t.send(ctx, browserEnvelope{Event: "clear"})
}

func (t *browserTransport) SendSegments(ctx context.Context, segments []call.SpeakerSegment) error {
	return t.send(ctx, map[string]any{
		"event":    "speaker_segments",
		"segments": segments,
	})
}

func (t *browserTransport) SendEvent(ctx context.Context, event string, payload any) error {
	return t.send(ctx, map[string]any{
		"event": event,
		"data":  payload,
	})
}
