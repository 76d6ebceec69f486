package call_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/realtime"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// pcmFrame returns a base64 PCM16 frame of the given duration.
func pcmFrame(ms int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, ms*48))
}

// fakeConn scripts the model side of a session.
type fakeConn struct {
	mu        sync.Mutex
	events    []realtime.Event
	audio     []string
	truncates []int
	responses int
	results   []string
	closed    int
}

func (f *fakeConn) SendAudio(_ context.Context, b64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, b64)
	return nil
}

func (f *fakeConn) SendTruncate(_ context.Context, _ string, heardMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates = append(f.truncates, heardMs)
	return nil
}

func (f *fakeConn) SendToolResult(_ context.Context, _, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, output)
	return nil
}

func (f *fakeConn) SendResponseCreate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeConn) Events(context.Context) iter.Seq[realtime.Event] {
	return func(yield func(realtime.Event) bool) {
		for _, e := range f.events {
			if !yield(e) {
				return
			}
		}
	}
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// recordingSink captures what listeners would see.
type recordingSink struct {
	audio    []string
	segments [][]call.SpeakerSegment
	ended    bool
}

func (r *recordingSink) PushAudio(b64 string)                    { r.audio = append(r.audio, b64) }
func (r *recordingSink) PushSegments(s []call.SpeakerSegment)    { r.segments = append(r.segments, s) }
func (r *recordingSink) EndCall()                                { r.ended = true }

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

type recordingStore struct {
	cause    call.TerminationCause
	duration int
	path     string
	calls    int
}

func (r *recordingStore) UpdateCallRecord(_ context.Context, _ string, path string, cause call.TerminationCause, durationSec int) error {
	r.calls++
	r.path = path
	r.cause = cause
	r.duration = durationSec
	return nil
}

func drain(s *call.Session) []call.ModelEvent {
	var out []call.ModelEvent
	for e := range s.Events(context.Background()) {
		out = append(out, e)
	}
	return out
}

func browserSpec() call.Spec {
	return call.Spec{
		ID:        uuid.New(),
		Direction: call.DirectionBrowser,
		Format:    audio.FormatPCM16,
	}
}

func TestSessionSpeechFlow(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventSpeechStarted, ItemID: "item_u1", AudioStartMs: 350},
	}}
	sink := &recordingSink{}
	s := call.NewSession(call.SessionConfig{Spec: browserSpec(), Conn: conn, Sink: sink})

	// Three 100ms frames before speech is detected. Input positions end at
	// 400, 500, 600ms; detection at 350ms keeps all three.
	for range 3 {
		if err := s.ReceiveHumanAudio(context.Background(), pcmFrame(100)); err != nil {
			t.Fatal(err)
		}
	}
	if len(conn.audio) != 3 {
		t.Fatalf("frames forwarded to model: got %d, want 3", len(conn.audio))
	}
	if len(sink.audio) != 0 {
		t.Fatal("no audio should reach listeners before speech starts")
	}
	if got := s.State.TotalMs(); got != 0 {
		t.Fatalf("total before speech: got %d, want 0", got)
	}

	events := drain(s)
	if len(events[0].FlushedFrames) != 3 {
		t.Errorf("flushed frames: got %d, want 3", len(events[0].FlushedFrames))
	}
	if got := s.State.TotalMs(); got != 300 {
		t.Errorf("total after flush: got %d, want 300", got)
	}
	if len(sink.audio) != 3 {
		t.Errorf("listener audio after flush: got %d, want 3", len(sink.audio))
	}

	// With speech active, further frames count and stream immediately.
	if err := s.ReceiveHumanAudio(context.Background(), pcmFrame(50)); err != nil {
		t.Fatal(err)
	}
	if got := s.State.TotalMs(); got != 350 {
		t.Errorf("total with live speech: got %d, want 350", got)
	}
	if len(sink.audio) != 4 {
		t.Errorf("listener audio: got %d, want 4", len(sink.audio))
	}
}

func TestSessionDiscardsStalePreSpeechAudio(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventSpeechStarted, ItemID: "item_u1", AudioStartMs: 550},
	}}
	s := call.NewSession(call.SessionConfig{Spec: browserSpec(), Conn: conn})

	for range 3 { // positions 400, 500, 600
		s.ReceiveHumanAudio(context.Background(), pcmFrame(100))
	}
	events := drain(s)
	if len(events[0].FlushedFrames) != 1 {
		t.Errorf("flushed frames: got %d, want 1", len(events[0].FlushedFrames))
	}
	if got := s.State.TotalMs(); got != 100 {
		t.Errorf("total: got %d, want 100", got)
	}
}

func TestSessionAudioDeltaAccounting(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventSpeechStopped},
		{Type: realtime.EventAudioDelta, ItemID: "item_a1", Delta: pcmFrame(200)},
		{Type: realtime.EventResponseTranscriptDone, ItemID: "item_a1", Transcript: "hi!"},
	}}
	sink := &recordingSink{}
	s := call.NewSession(call.SessionConfig{Spec: browserSpec(), Conn: conn, Sink: sink})

	events := drain(s)
	if events[1].AudioMs != 200 {
		t.Errorf("delta duration: got %d, want 200", events[1].AudioMs)
	}
	if got := s.State.TotalMs(); got != 200 {
		t.Errorf("total: got %d, want 200", got)
	}

	// The placeholder opened on speech_stopped adopted the delta's item id,
	// so the transcript lands on it.
	segs := events[2].Segments
	if len(segs) != 1 || segs[0].ItemID != "item_a1" || segs[0].Transcript != "hi!" {
		t.Errorf("segments: got %+v", segs)
	}
	if len(sink.segments) != 1 {
		t.Errorf("listener segment snapshots: got %d, want 1", len(sink.segments))
	}
}

func TestSessionKickoffAfterSilence(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	spec := browserSpec()
	spec.StartSpeakingBufferMs = 1000

	conn := &fakeConn{events: []realtime.Event{{Type: realtime.EventSessionUpdated}}}
	s := call.NewSession(call.SessionConfig{Spec: spec, Conn: conn, Now: clock})

	drain(s) // arms the kickoff timer

	s.ReceiveHumanAudio(context.Background(), pcmFrame(20))
	if conn.responses != 0 {
		t.Fatal("kickoff fired before the silence window elapsed")
	}

	now = now.Add(1500 * time.Millisecond)
	s.ReceiveHumanAudio(context.Background(), pcmFrame(20))
	if conn.responses != 1 {
		t.Fatalf("kickoff responses: got %d, want 1", conn.responses)
	}

	// Only once.
	now = now.Add(5 * time.Second)
	s.ReceiveHumanAudio(context.Background(), pcmFrame(20))
	if conn.responses != 1 {
		t.Errorf("kickoff responses after repeat: got %d, want 1", conn.responses)
	}
}

func TestSessionCloseArchivesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	spec := browserSpec()
	logPath := filepath.Join(dir, spec.ID.String()+".jsonl")
	if err := os.WriteFile(logPath, []byte("[ts] {\"type\":\"session.updated\"}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn := &fakeConn{}
	sink := &recordingSink{}
	up := &memUploader{}
	rec := &recordingStore{}
	s := call.NewSession(call.SessionConfig{
		Spec: spec, Conn: conn, Sink: sink, Upload: up, Records: rec, LogPath: logPath,
	})
	s.State.AddPlayedMs(65_000)

	res := s.Close(context.Background(), call.CauseUserHangup)
	if res.Cause != call.CauseUserHangup {
		t.Errorf("cause: got %q", res.Cause)
	}
	if res.DurationMs != 65_000 {
		t.Errorf("duration: got %d", res.DurationMs)
	}
	if !sink.ended {
		t.Error("listener end marker missing")
	}

	key := "logs/" + spec.ID.String() + ".zip"
	data, ok := up.objects[key]
	if !ok {
		t.Fatalf("archive not uploaded under %s", key)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("uploaded archive unreadable: %v", err)
	}
	f, err := zr.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	content, _ := io.ReadAll(f)
	f.Close()
	if !bytes.Contains(content, []byte("session.updated")) {
		t.Error("archived log content mismatch")
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("local session log should be removed after upload")
	}
	if rec.calls != 1 || rec.duration != 65 || rec.path != key {
		t.Errorf("record update: %+v", rec)
	}

	// A second close (other goroutine losing the race) changes nothing.
	res2 := s.Close(context.Background(), call.CauseListenerHangup)
	if res2.Cause != call.CauseUserHangup {
		t.Errorf("second close cause: got %q", res2.Cause)
	}
	if conn.closed != 1 || rec.calls != 1 {
		t.Errorf("close side effects repeated: conn=%d records=%d", conn.closed, rec.calls)
	}
}

func TestRenderPrompt(t *testing.T) {
	got := call.RenderPrompt("Hello {name}, your balance is {balance}.", map[string]string{
		"name":    "Ada",
		"balance": "$12",
	})
	want := "Hello Ada, your balance is $12."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if out := call.RenderPrompt("plain", nil); out != "plain" {
		t.Errorf("nil input: got %q", out)
	}
}
