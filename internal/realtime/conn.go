package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/callyx-ai/callyx/pkg/audio"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// Server-side voice activity detection parameters. The prefix padding
	// value also seeds the call state's input clock so pre-speech buffering
	// lines up with the detector's reported speech start.
	vadThreshold       = 0.5
	PrefixPaddingMs    = 300
	vadSilenceMs       = 500
	transcriptionModel = "whisper-1"
)

// DialConfig carries everything needed to open and configure one model
// session.
type DialConfig struct {
	BaseURL string // defaults to the OpenAI realtime endpoint
	APIKey  string
	Model   string

	Voice        string
	Format       audio.Format
	Instructions string
	Tools        []Tool

	// LogPath is the local session log file for this call.
	LogPath string
}

// Conn is a live session with the model endpoint. Writes are serialized
// internally; reads happen through Events from a single goroutine.
type Conn struct {
	ws  *websocket.Conn
	log *sessionLog

	writeMu sync.Mutex
	closed  bool
}

// Dial opens the WebSocket, starts the session log, and sends the initial
// session.update describing voice, audio format, transcription, detection
// thresholds and the tool surface.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	url := base + sep + "model=" + cfg.Model

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", cfg.Model, err)
	}
	ws.SetReadLimit(16 << 20)

	log, err := newSessionLog(cfg.LogPath)
	if err != nil {
		ws.Close(websocket.StatusInternalError, "log setup failed")
		return nil, err
	}

	c := &Conn{ws: ws, log: log}
	if err := c.send(ctx, sessionUpdate(cfg)); err != nil {
		c.Close()
		return nil, fmt.Errorf("realtime: configure session: %w", err)
	}
	return c, nil
}

func sessionUpdate(cfg DialConfig) map[string]any {
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           vadThreshold,
				"prefix_padding_ms":   PrefixPaddingMs,
				"silence_duration_ms": vadSilenceMs,
			},
			"input_audio_format":  string(cfg.Format),
			"output_audio_format": string(cfg.Format),
			"voice":               cfg.Voice,
			"instructions":        cfg.Instructions,
			"modalities":          []string{"text", "audio"},
			"input_audio_transcription": map[string]any{
				"model": transcriptionModel,
			},
			"tools": cfg.Tools,
		},
	}
}

func (c *Conn) send(ctx context.Context, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: encode: %w", err)
	}
	c.log.Append(b)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("realtime: connection closed")
	}
	return c.ws.Write(ctx, websocket.MessageText, b)
}

// SendAudio appends one base64 frame of human audio to the model's input
// buffer.
func (c *Conn) SendAudio(ctx context.Context, b64 string) error {
	return c.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	})
}

// SendTruncate cuts the given assistant item down to what the human
// actually heard, so the model's view of the conversation matches reality
// after a barge-in.
func (c *Conn) SendTruncate(ctx context.Context, itemID string, heardMs int) error {
	return c.send(ctx, map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  heardMs,
	})
}

// SendToolResult delivers a function call output and asks for a follow-up
// response in one exchange.
func (c *Conn) SendToolResult(ctx context.Context, callID, output string) error {
	if err := c.send(ctx, map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}); err != nil {
		return err
	}
	return c.SendResponseCreate(ctx)
}

// SendResponseCreate asks the model to produce a response now. Used for the
// silence kickoff and after tool results.
func (c *Conn) SendResponseCreate(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": "response.create"})
}

// Events yields decoded server events until the connection closes or ctx is
// cancelled. Frames that fail to decode are logged and skipped. The iterator
// must be consumed from a single goroutine.
func (c *Conn) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			_, data, err := c.ws.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) < 0 {
					slog.Debug("model connection read ended", "error", err)
				}
				return
			}
			c.log.Append(data)
			var evt Event
			if err := json.Unmarshal(data, &evt); err != nil {
				slog.Warn("undecodable model event", "error", err)
				continue
			}
			evt.Raw = data
			if !yield(evt) {
				return
			}
		}
	}
}

// Close shuts the WebSocket and drains the session log. Safe to call more
// than once.
func (c *Conn) Close() {
	c.writeMu.Lock()
	already := c.closed
	c.closed = true
	c.writeMu.Unlock()
	if already {
		return
	}
	c.ws.Close(websocket.StatusNormalClosure, "call ended")
	c.log.Close()
}
