package call

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/callyx-ai/callyx/internal/realtime"
)

// ModelConn is the slice of the realtime connection the session drives.
type ModelConn interface {
	SendAudio(ctx context.Context, b64 string) error
	SendTruncate(ctx context.Context, itemID string, heardMs int) error
	SendToolResult(ctx context.Context, callID, output string) error
	SendResponseCreate(ctx context.Context) error
	Events(ctx context.Context) iter.Seq[realtime.Event]
	Close()
}

// Uploader archives the call's session log at termination.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// RecordStore persists the call's final disposition.
type RecordStore interface {
	UpdateCallRecord(ctx context.Context, id string, storagePath string, cause TerminationCause, durationSec int) error
}

// uploadTimeout bounds the archive upload during termination so a dead
// object store cannot wedge call teardown.
const uploadTimeout = 180 * time.Second

// Session owns one call end to end: the model connection, the conversation
// state, the listener feed and the termination sequence. The bridge's two
// goroutines are the only callers; human audio arrives on one, model events
// on the other.
type Session struct {
	Spec  Spec
	State *State

	conn    ModelConn
	sink    EventSink
	upload  Uploader
	records RecordStore
	logPath string
	now     func() time.Time

	// Kickoff: ask the model to open the conversation if the human stays
	// silent past the configured window. Armed by session.updated (downlink
	// goroutine), checked per uplink frame, so it carries its own lock.
	kickoffMu      sync.Mutex
	kickoffArmedAt time.Time
	kickoffDone    bool

	closeOnce   sync.Once
	closeResult Result
}

// SessionConfig wires a Session's collaborators. Sink, Upload and Records
// may be nil (no listeners attached, archival disabled in tests).
type SessionConfig struct {
	Spec    Spec
	Conn    ModelConn
	Sink    EventSink
	Upload  Uploader
	Records RecordStore
	LogPath string
	Now     func() time.Time
}

// NewSession assembles a session around an already-dialed model connection.
func NewSession(cfg SessionConfig) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		Spec:    cfg.Spec,
		State:   NewState(realtime.PrefixPaddingMs),
		conn:    cfg.Conn,
		sink:    cfg.Sink,
		upload:  cfg.Upload,
		records: cfg.Records,
		logPath: cfg.LogPath,
		now:     now,
	}
}

// RenderPrompt fills {name} placeholders in an agent prompt template from
// the call's input values. Unknown placeholders are left as-is.
func RenderPrompt(template string, input map[string]string) string {
	if len(input) == 0 {
		return template
	}
	pairs := make([]string, 0, len(input)*2)
	for k, v := range input {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ReceiveHumanAudio forwards one uplink frame to the model and performs the
// per-frame bookkeeping: kickoff arming, duration accounting and pre-speech
// buffering. Malformed frames are dropped with a log line.
func (s *Session) ReceiveHumanAudio(ctx context.Context, b64 string) error {
	if err := s.conn.SendAudio(ctx, b64); err != nil {
		return err
	}
	s.maybeKickoff(ctx)

	ms, err := s.Spec.Format.FrameMs(b64)
	if err != nil {
		slog.Warn("dropping malformed uplink frame", "call_id", s.Spec.ID, "error", err)
		return nil
	}
	if s.State.UserSpeaking() {
		s.State.CountSpokenMs(ms)
		if s.sink != nil {
			s.sink.PushAudio(b64)
		}
	} else {
		s.State.BufferInput(b64, ms)
	}
	return nil
}

func (s *Session) maybeKickoff(ctx context.Context) {
	s.kickoffMu.Lock()
	fire := !s.kickoffDone && !s.kickoffArmedAt.IsZero() &&
		s.now().Sub(s.kickoffArmedAt) >= time.Duration(s.Spec.StartSpeakingBufferMs)*time.Millisecond
	if fire {
		s.kickoffDone = true
	}
	s.kickoffMu.Unlock()
	if !fire {
		return
	}
	if err := s.conn.SendResponseCreate(ctx); err != nil {
		slog.Warn("silence kickoff failed", "call_id", s.Spec.ID, "error", err)
	}
}

// disarmKickoff marks that the conversation has started on its own.
func (s *Session) disarmKickoff() {
	s.kickoffMu.Lock()
	s.kickoffDone = true
	s.kickoffMu.Unlock()
}

// Events yields the model's event stream with session bookkeeping already
// applied: duration accounting, transcript maintenance, listener pushes and
// kickoff arming. The bridge consumes this instead of the raw connection.
func (s *Session) Events(ctx context.Context) iter.Seq[ModelEvent] {
	return func(yield func(ModelEvent) bool) {
		for evt := range s.conn.Events(ctx) {
			me := s.observe(evt)
			if !yield(me) {
				return
			}
		}
	}
}

// ModelEvent is a server event enriched with what the session derived from
// it, so the bridge never recomputes durations or transcripts.
type ModelEvent struct {
	realtime.Event

	// AudioMs is the playback duration of an audio delta.
	AudioMs int
	// Segments is the transcript snapshot after a transcript event.
	Segments []SpeakerSegment
	// FlushedFrames are pre-speech frames promoted into the utterance on
	// speech start (already pushed to listeners; exposed for tests).
	FlushedFrames []string
}

func (s *Session) observe(evt realtime.Event) ModelEvent {
	me := ModelEvent{Event: evt}
	switch evt.Type {
	case realtime.EventSpeechStarted:
		s.disarmKickoff()
		s.State.UpsertSegment(SpeakerSegment{
			Timestamp: float64(s.State.TotalMs()) / 1000,
			Speaker:   SpeakerUser,
			ItemID:    evt.ItemID,
		})
		me.FlushedFrames = s.State.BeginSpeech(evt.AudioStartMs)
		if s.sink != nil {
			for _, f := range me.FlushedFrames {
				s.sink.PushAudio(f)
			}
		}

	case realtime.EventSpeechStopped:
		s.State.EndSpeech()
		// Open an assistant turn; its item id arrives with the first audio
		// delta of the response.
		s.State.UpsertSegment(SpeakerSegment{
			Timestamp: float64(s.State.TotalMs()) / 1000,
			Speaker:   SpeakerAssistant,
		})

	case realtime.EventAudioDelta:
		s.disarmKickoff()
		ms, err := s.Spec.Format.FrameMs(evt.Delta)
		if err != nil {
			slog.Warn("malformed model audio delta", "call_id", s.Spec.ID, "error", err)
			break
		}
		me.AudioMs = ms
		s.State.AddPlayedMs(ms)
		s.State.AdoptItemID(evt.ItemID)
		if s.sink != nil {
			s.sink.PushAudio(evt.Delta)
		}

	case realtime.EventInputTranscriptDone:
		me.Segments = s.State.UpsertSegment(SpeakerSegment{
			Speaker:    SpeakerUser,
			Transcript: evt.Transcript,
			ItemID:     evt.ItemID,
		})
		if s.sink != nil {
			s.sink.PushSegments(me.Segments)
		}

	case realtime.EventResponseTranscriptDone:
		me.Segments = s.State.UpsertSegment(SpeakerSegment{
			Speaker:    SpeakerAssistant,
			Transcript: evt.Transcript,
			ItemID:     evt.ItemID,
		})
		if s.sink != nil {
			s.sink.PushSegments(me.Segments)
		}

	case realtime.EventSessionUpdated:
		s.kickoffMu.Lock()
		if s.Spec.StartSpeakingBufferMs > 0 && s.kickoffArmedAt.IsZero() {
			s.kickoffArmedAt = s.now()
		}
		s.kickoffMu.Unlock()

	case realtime.EventResponseDone:
		if evt.Response != nil && evt.Response.Status == "failed" {
			slog.Error("model response failed",
				"call_id", s.Spec.ID, "details", evt.Response.StatusDetails)
		}

	case realtime.EventError:
		if evt.Error != nil {
			slog.Error("model error event",
				"call_id", s.Spec.ID,
				"code", evt.Error.Code, "message", evt.Error.Message)
		}
	}
	return me
}

// Truncate trims the given assistant item to the heard duration.
func (s *Session) Truncate(ctx context.Context, itemID string, heardMs int) error {
	return s.conn.SendTruncate(ctx, itemID, heardMs)
}

// SendToolResult forwards a tool output to the model.
func (s *Session) SendToolResult(ctx context.Context, callID, output string) error {
	return s.conn.SendToolResult(ctx, callID, output)
}

// Close runs the termination sequence exactly once; concurrent and repeat
// callers block until it finishes and receive the same result. cause is
// only applied if nothing recorded one earlier.
func (s *Session) Close(ctx context.Context, cause TerminationCause) Result {
	s.State.SetCause(cause, "")
	s.closeOnce.Do(func() { s.closeResult = s.terminate(ctx) })
	return s.closeResult
}

func (s *Session) terminate(ctx context.Context) Result {
	res := Result{
		ID:         s.Spec.ID,
		DurationMs: s.State.TotalMs(),
		Cause:      s.State.Cause(),
		TransferTo: s.State.TransferTo(),
		EndedAt:    s.now(),
	}
	if res.Cause == "" {
		res.Cause = CauseUnknown
	}

	// Stop the model feed first; closing the connection also drains the
	// session log so the archive below is complete.
	s.conn.Close()
	if s.sink != nil {
		s.sink.EndCall()
	}

	if s.upload != nil && s.logPath != "" {
		if err := s.archiveLog(ctx); err != nil {
			slog.Error("session log archive failed", "call_id", s.Spec.ID, "error", err)
		}
	}
	if s.records != nil {
		key := s.archiveKey()
		if err := s.records.UpdateCallRecord(ctx, s.Spec.ID.String(), key, res.Cause, res.DurationMs/1000); err != nil {
			slog.Error("call record update failed", "call_id", s.Spec.ID, "error", err)
		}
	}
	return res
}

func (s *Session) archiveKey() string {
	return "logs/" + s.Spec.ID.String() + ".zip"
}

// archiveLog zips the session log in memory, uploads it, and removes the
// local file on success.
func (s *Session) archiveLog(ctx context.Context) error {
	raw, err := os.ReadFile(s.logPath)
	if err != nil {
		return fmt.Errorf("call: read session log: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create(filepath.Base(s.logPath))
	if err != nil {
		return fmt.Errorf("call: create zip entry: %w", err)
	}
	if _, err := entry.Write(raw); err != nil {
		return fmt.Errorf("call: write zip entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("call: finish zip: %w", err)
	}

	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
	defer cancel()
	if err := s.upload.Upload(upCtx, s.archiveKey(), buf.Bytes(), "application/zip"); err != nil {
		return fmt.Errorf("call: upload archive: %w", err)
	}
	if err := os.Remove(s.logPath); err != nil {
		slog.Warn("could not remove local session log", "path", s.logPath, "error", err)
	}
	return nil
}
