package server

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/realtime"
	"github.com/callyx-ai/callyx/internal/telephony"
	"github.com/callyx-ai/callyx/pkg/audio"
)

type stubConn struct{}

func (stubConn) SendAudio(context.Context, string) error         { return nil }
func (stubConn) SendTruncate(context.Context, string, int) error { return nil }
func (stubConn) SendToolResult(context.Context, string, string) error {
	return nil
}
func (stubConn) SendResponseCreate(context.Context) error { return nil }
func (stubConn) Events(context.Context) iter.Seq[realtime.Event] {
	return func(func(realtime.Event) bool) {}
}
func (stubConn) Close() {}

func liveServer(t *testing.T, spec call.Spec, disconnect func()) (*Server, *call.Session) {
	t.Helper()
	session := call.NewSession(call.SessionConfig{Spec: spec, Conn: stubConn{}})
	s := &Server{live: map[uuid.UUID]liveCall{
		spec.ID: {session: session, disconnect: disconnect},
	}}
	return s, session
}

func hangUpRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/phone/hang-up/"+id, nil)
	req.SetPathValue("id", id)
	return req
}

func TestHandleHangUpBrowserCallDropsEndpoint(t *testing.T) {
	spec := call.Spec{
		ID:        uuid.New(),
		Direction: call.DirectionBrowser,
		Format:    audio.FormatPCM16,
	}
	dropped := false
	s, session := liveServer(t, spec, func() { dropped = true })

	rec := httptest.NewRecorder()
	s.handleHangUp(rec, hangUpRequest(spec.ID.String()))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rec.Code)
	}
	if got := session.State.Cause(); got != call.CauseListenerHangup {
		t.Errorf("cause: got %q, want listener_hangup", got)
	}
	// Browser calls have no provider leg; the endpoint socket must be
	// dropped so the bridge exits without waiting for uplink traffic.
	if !dropped {
		t.Error("endpoint connection was not dropped")
	}
}

func TestHandleHangUpPhoneCallUsesProvider(t *testing.T) {
	var providerCalls int
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/Calls/CA1") {
			providerCalls++
		}
		w.Write([]byte(`{"sid":"CA1"}`))
	}))
	defer provider.Close()
	phone, err := telephony.New("AC1", "token", telephony.WithBaseURL(provider.URL))
	if err != nil {
		t.Fatalf("telephony client: %v", err)
	}

	spec := call.Spec{
		ID:             uuid.New(),
		Direction:      call.DirectionInbound,
		Format:         audio.FormatG711Ulaw,
		ProviderCallID: "CA1",
	}
	dropped := false
	s, session := liveServer(t, spec, func() { dropped = true })
	s.phone = phone

	rec := httptest.NewRecorder()
	s.handleHangUp(rec, hangUpRequest(spec.ID.String()))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rec.Code)
	}
	if got := session.State.Cause(); got != call.CauseListenerHangup {
		t.Errorf("cause: got %q, want listener_hangup", got)
	}
	if providerCalls != 1 {
		t.Errorf("provider hang-up requests: got %d, want 1", providerCalls)
	}
	// The provider ends the media stream; the endpoint socket stays up
	// until the stream stop arrives.
	if dropped {
		t.Error("endpoint connection dropped on a provider-backed call")
	}
}

func TestHandleHangUpUnknownCall(t *testing.T) {
	s := &Server{live: map[uuid.UUID]liveCall{}}
	rec := httptest.NewRecorder()
	s.handleHangUp(rec, hangUpRequest(uuid.NewString()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}
