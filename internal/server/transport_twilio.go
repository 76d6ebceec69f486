package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/callyx-ai/callyx/internal/bridge"
	"github.com/callyx-ai/callyx/internal/call"
)

// twilioEnvelope is the provider media-stream wire format, both directions.
type twilioEnvelope struct {
	Event string `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Start *struct {
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// twilioTransport adapts a provider media-stream WebSocket to the bridge
// transport. The stream SID arrives in the start envelope and is echoed on
// every downlink frame.
type twilioTransport struct {
	ws *websocket.Conn

	// streamSID is written by Recv (uplink goroutine) before any downlink
	// frame can be produced: the model only speaks once audio flowed in.
	streamSID string
}

var _ bridge.Transport = (*twilioTransport)(nil)

func newTwilioTransport(ws *websocket.Conn) *twilioTransport {
	return &twilioTransport{ws: ws}
}

func (t *twilioTransport) Recv(ctx context.Context) (bridge.Envelope, error) {
	for {
		_, data, err := t.ws.Read(ctx)
		if err != nil {
			return bridge.Envelope{}, fmt.Errorf("twilio transport: read: %w", err)
		}
		var env twilioEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return bridge.Envelope{}, fmt.Errorf("twilio transport: decode: %w", err)
		}
		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			return bridge.Envelope{Kind: bridge.EnvelopeMedia, Payload: env.Media.Payload}, nil
		case "start":
			if env.Start != nil {
				t.streamSID = env.Start.StreamSID
			}
			return bridge.Envelope{Kind: bridge.EnvelopeStart}, nil
		case "mark":
			return bridge.Envelope{Kind: bridge.EnvelopeMark}, nil
		case "stop":
			return bridge.Envelope{}, fmt.Errorf("twilio transport: stream stopped")
		default:
			return bridge.Envelope{Kind: bridge.EnvelopeIgnored}, nil
		}
	}
}

func (t *twilioTransport) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio transport: encode: %w", err)
	}
	return t.ws.Write(ctx, websocket.MessageText, b)
}

func (t *twilioTransport) SendMedia(ctx context.Context, b64 string) error {
	return t.send(ctx, map[string]any{
		"event":     "media",
		"streamSid": t.streamSID,
		"media":     map[string]string{"payload": b64},
	})
}

func (t *twilioTransport) SendMark(ctx context.Context) error {
	return t.send(ctx, map[string]any{
		"event":     "mark",
		"streamSid": t.streamSID,
		"mark":      map[string]string{"name": "responsePart"},
	})
}

func (t *twilioTransport) SendClear(ctx context.Context) error {
	return t.send(ctx, map[string]any{
		"event":     "clear",
		"streamSid": t.streamSID,
	})
}

// Telephony callers have no transcript surface.
func (t *twilioTransport) SendSegments(context.Context, []call.SpeakerSegment) error { return nil }

// Telephony callers get no out-of-band notifications.
func (t *twilioTransport) SendEvent(context.Context, string, any) error { return nil }
