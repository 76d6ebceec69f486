package bridge_test

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/internal/bridge"
	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/realtime"
	"github.com/callyx-ai/callyx/pkg/audio"
)

func pcmFrame(ms int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, ms*48))
}

// fakeConn scripts model events, then blocks until the context ends the way
// a live connection would.
type fakeConn struct {
	events []realtime.Event

	mu        sync.Mutex
	truncates []struct {
		itemID  string
		heardMs int
	}
	closed bool
}

func (f *fakeConn) SendAudio(context.Context, string) error { return nil }

func (f *fakeConn) SendTruncate(_ context.Context, itemID string, heardMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates = append(f.truncates, struct {
		itemID  string
		heardMs int
	}{itemID, heardMs})
	return nil
}

func (f *fakeConn) SendToolResult(context.Context, string, string) error { return nil }
func (f *fakeConn) SendResponseCreate(context.Context) error             { return nil }

func (f *fakeConn) Events(ctx context.Context) iter.Seq[realtime.Event] {
	return func(yield func(realtime.Event) bool) {
		for _, e := range f.events {
			if !yield(e) {
				return
			}
		}
		<-ctx.Done()
	}
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// scriptTransport feeds uplink envelopes from a channel and records
// downlink traffic.
type scriptTransport struct {
	envs chan bridge.Envelope

	mu     sync.Mutex
	media  []string
	marks  int
	clears int
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{envs: make(chan bridge.Envelope, 16)}
}

func (s *scriptTransport) Recv(ctx context.Context) (bridge.Envelope, error) {
	select {
	case env, ok := <-s.envs:
		if !ok {
			return bridge.Envelope{}, errors.New("endpoint closed")
		}
		return env, nil
	case <-ctx.Done():
		return bridge.Envelope{}, ctx.Err()
	}
}

func (s *scriptTransport) SendMedia(_ context.Context, b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = append(s.media, b64)
	return nil
}

func (s *scriptTransport) SendMark(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	return nil
}

func (s *scriptTransport) SendClear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *scriptTransport) SendSegments(context.Context, []call.SpeakerSegment) error { return nil }
func (s *scriptTransport) SendEvent(context.Context, string, any) error              { return nil }

func newSession(conn call.ModelConn, direction call.Direction) *call.Session {
	return call.NewSession(call.SessionConfig{
		Spec: call.Spec{
			ID:        uuid.New(),
			Direction: direction,
			Format:    audio.FormatPCM16,
		},
		Conn: conn,
	})
}

func TestBridgeBargeInTruncatesAndClears(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventSpeechStopped},
		{Type: realtime.EventAudioDelta, ItemID: "item_a", Delta: pcmFrame(200)},
		{Type: realtime.EventSpeechStarted, ItemID: "item_u", AudioStartMs: 0},
	}}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionBrowser)
	b := bridge.New(bridge.Config{Session: session, Transport: transport})

	done := make(chan call.Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- b.Run(ctx) }()

	// Let the downlink work through the scripted events, then hang up.
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.truncates) > 0
	})
	cancel()
	<-done

	conn.mu.Lock()
	defer conn.mu.Unlock()
	tr := conn.truncates[0]
	if tr.itemID != "item_a" {
		t.Errorf("truncated item: got %q", tr.itemID)
	}
	if tr.heardMs < 0 || tr.heardMs > 200 {
		t.Errorf("heard ms out of range: %d", tr.heardMs)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.media) != 1 {
		t.Errorf("media frames sent: got %d, want 1", len(transport.media))
	}
	if transport.clears != 1 {
		t.Errorf("clear frames sent: got %d, want 1", transport.clears)
	}
	// Browser endpoints track playback themselves.
	if transport.marks != 0 {
		t.Errorf("mark frames sent to browser: got %d, want 0", transport.marks)
	}
}

func TestBridgeKeepsFirstItemAcrossDeltas(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventAudioDelta, ItemID: "item_a", Delta: pcmFrame(200)},
		{Type: realtime.EventAudioDelta, ItemID: "item_b", Delta: pcmFrame(200)},
		{Type: realtime.EventSpeechStarted, ItemID: "item_u"},
	}}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionBrowser)
	b := bridge.New(bridge.Config{Session: session, Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan call.Result, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.truncates) > 0
	})
	cancel()
	<-done

	conn.mu.Lock()
	defer conn.mu.Unlock()
	tr := conn.truncates[0]
	// A delta carrying a different item id must not reset tracking; the
	// truncation targets the item latched when tracking began.
	if tr.itemID != "item_a" {
		t.Errorf("truncated item: got %q, want item_a", tr.itemID)
	}
	// No playback acknowledgement arrived, so nothing counts as heard.
	if tr.heardMs != 0 {
		t.Errorf("heard ms with no acks: got %d, want 0", tr.heardMs)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.media) != 2 {
		t.Errorf("media frames sent: got %d, want 2", len(transport.media))
	}
}

func TestBridgeSendsMarksOnTelephony(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventAudioDelta, ItemID: "item_a", Delta: pcmFrame(20)},
	}}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionInbound)
	b := bridge.New(bridge.Config{Session: session, Transport: transport})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan call.Result, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.marks == 1
	})
	cancel()
	<-done
}

func TestBridgeDrainsGoodbyeThenEnds(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventAudioDelta, ItemID: "item_bye", Delta: pcmFrame(100)},
	}}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionInbound)
	b := bridge.New(bridge.Config{Session: session, Transport: transport})

	done := make(chan call.Result, 1)
	go func() { done <- b.Run(context.Background()) }()

	// Wait for the goodbye chunk to go out, then simulate the model's
	// hang-up decision and the endpoint's final playback acknowledgement.
	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.media) == 1
	})
	session.State.SetCause(call.CauseEndOfCallBot, "")
	transport.envs <- bridge.Envelope{Kind: bridge.EnvelopeMark}

	select {
	case res := <-done:
		if res.Cause != call.CauseEndOfCallBot {
			t.Errorf("cause: got %q, want end_of_call_bot", res.Cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not end after final mark")
	}
}

func TestBridgeUserHangupOnDisconnect(t *testing.T) {
	conn := &fakeConn{}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionBrowser)
	b := bridge.New(bridge.Config{Session: session, Transport: transport})

	done := make(chan call.Result, 1)
	go func() { done <- b.Run(context.Background()) }()

	close(transport.envs) // endpoint drops the connection

	select {
	case res := <-done:
		if res.Cause != call.CauseUserHangup {
			t.Errorf("cause: got %q, want user_hangup", res.Cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not end after disconnect")
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	names []string
	stop  bool
}

func (r *recordingDispatcher) Dispatch(_ context.Context, name, _, _ string, _ bridge.ToolIO) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return r.stop
}

func TestBridgeToolStopEndsCall(t *testing.T) {
	conn := &fakeConn{events: []realtime.Event{
		{Type: realtime.EventFunctionCallDone, Name: "hang_up", CallID: "c1",
			Arguments: `{"reason":"answering_machine"}`},
	}}
	transport := newScriptTransport()
	session := newSession(conn, call.DirectionOutbound)
	disp := &recordingDispatcher{stop: true}
	b := bridge.New(bridge.Config{Session: session, Transport: transport, Tools: disp})

	done := make(chan call.Result, 1)
	go func() { done <- b.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on dispatcher request")
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.names) != 1 || disp.names[0] != "hang_up" {
		t.Errorf("dispatched tools: %v", disp.names)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("model connection not closed on teardown")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
