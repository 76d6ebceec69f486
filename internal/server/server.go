// Package server exposes the HTTP surface of the call bridge: the
// WebSocket call-stream endpoints for telephony and browser endpoints, the
// NDJSON listen-in stream, the listener hang-up route, call replay, and
// the usual health and metrics endpoints.
package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callyx-ai/callyx/internal/bridge"
	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/config"
	"github.com/callyx-ai/callyx/internal/health"
	"github.com/callyx-ai/callyx/internal/kb"
	"github.com/callyx-ai/callyx/internal/listener"
	"github.com/callyx-ai/callyx/internal/observe"
	"github.com/callyx-ai/callyx/internal/realtime"
	"github.com/callyx-ai/callyx/internal/replay"
	"github.com/callyx-ai/callyx/internal/sounds"
	"github.com/callyx-ai/callyx/internal/storage"
	"github.com/callyx-ai/callyx/internal/store"
	"github.com/callyx-ai/callyx/internal/telephony"
	"github.com/callyx-ai/callyx/internal/tooling"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// Server wires the call bridge's collaborators behind an HTTP mux.
type Server struct {
	cfg       *config.Config
	db        *store.DB
	files     storage.FileStore
	phone     *telephony.Client // nil when telephony is not configured
	docs      *kb.Service       // nil when knowledge bases are not configured
	sounds    *sounds.Cache
	listeners *listener.Registry
	metrics   *observe.Metrics
	probes    *health.Handler

	liveMu sync.Mutex
	live   map[uuid.UUID]liveCall
}

// liveCall is an in-flight call: its session plus a way to drop the
// endpoint connection, which unblocks the bridge when an operator ends a
// call that has no provider leg to hang up.
type liveCall struct {
	session    *call.Session
	disconnect func()
}

// New assembles the server. phone and docs may be nil; the matching tools
// degrade gracefully.
func New(cfg *config.Config, db *store.DB, files storage.FileStore, phone *telephony.Client, docs *kb.Service, metrics *observe.Metrics) *Server {
	checks := map[string]health.Check{"database": db.Ping}
	if c, ok := files.(interface{ Check(context.Context) error }); ok {
		checks["storage"] = c.Check
	}
	return &Server{
		cfg:       cfg,
		db:        db,
		files:     files,
		phone:     phone,
		docs:      docs,
		sounds:    sounds.NewCache(files),
		listeners: listener.NewRegistry(func() {
			metrics.ListenerDrops.Add(context.Background(), 1)
		}),
		metrics:   metrics,
		probes:    health.New(checks),
		live:      make(map[uuid.UUID]liveCall),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/phone/call-stream/{id}", s.handlePhoneStream)
	mux.HandleFunc("GET /api/v1/browser/call-stream/{id}", s.handleBrowserStream)
	mux.HandleFunc("GET /api/v1/phone/listen-in/{id}", s.handleListenIn)
	mux.HandleFunc("POST /api/v1/phone/hang-up/{id}", s.handleHangUp)
	mux.HandleFunc("GET /api/v1/calls/{id}/audio", s.handleCallAudio)
	mux.HandleFunc("GET /api/v1/calls/{id}/replay", s.handleCallReplay)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.probes.Register(mux)
	return mux
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (s *Server) handlePhoneStream(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, false)
}

func (s *Server) handleBrowserStream(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, true)
}

// handleStream accepts the endpoint WebSocket and runs the whole call on
// this request's goroutines.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, browser bool) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	spec, err := s.db.FetchCall(r.Context(), id)
	if err != nil {
		slog.Error("call lookup failed", "call_id", id, "error", err)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}
	if browser != (spec.Direction == call.DirectionBrowser) {
		http.Error(w, "call direction does not match endpoint", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("websocket accept failed", "call_id", id, "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "call ended")

	if err := s.runCall(r.Context(), spec, ws); err != nil {
		slog.Error("call failed", "call_id", id, "error", err)
	}
}

// toneSource adapts the sound cache to the tool dispatcher for one call.
type toneSource struct {
	cache  *sounds.Cache
	format audio.Format
}

func (t toneSource) HangUpTone(ctx context.Context) (string, int, error) {
	snd, err := t.cache.Get(ctx, sounds.HangUpTone, t.format)
	if err != nil {
		return "", 0, err
	}
	return snd.B64, snd.Ms, nil
}

func (s *Server) runCall(ctx context.Context, spec call.Spec, ws *websocket.Conn) error {
	logPath := filepath.Join(s.cfg.Server.SessionLogDir, spec.ID.String()+".jsonl")

	voice := spec.Voice
	if voice == "" {
		voice = s.cfg.Model.DefaultVoice
	}
	conn, err := realtime.Dial(ctx, realtime.DialConfig{
		BaseURL:      s.cfg.Model.BaseURL,
		APIKey:       s.cfg.Model.APIKey,
		Model:        s.cfg.Model.Name,
		Voice:        voice,
		Format:       spec.Format,
		Instructions: call.RenderPrompt(spec.PromptTemplate, spec.Input),
		Tools:        tooling.BuildTools(spec),
		LogPath:      logPath,
	})
	if err != nil {
		return fmt.Errorf("server: dial model: %w", err)
	}

	sink := s.listeners.Register(spec.ID, spec.Format, s.cfg.Listener.QueueSize)
	defer s.listeners.Remove(spec.ID)

	session := call.NewSession(call.SessionConfig{
		Spec:    spec,
		Conn:    conn,
		Sink:    sink,
		Upload:  s.files,
		Records: s.db,
		LogPath: logPath,
	})
	s.trackCall(session, func() {
		ws.Close(websocket.StatusNormalClosure, "call ended")
	})
	defer s.untrackCall(spec.ID)

	dispatcher := &tooling.Dispatcher{
		Session:  session,
		Messages: s.db,
		Tone:     toneSource{cache: s.sounds, format: spec.Format},
	}
	// Typed nils must not become non-nil interfaces.
	if s.phone != nil {
		dispatcher.Phone = s.phone
	}
	if s.docs != nil {
		dispatcher.Docs = s.docs
	}
	if s.cfg.Server.PublicBaseURL != "" {
		dispatcher.SMSStatusCallback = s.cfg.Server.PublicBaseURL + "/api/v1/phone/sms-status"
	}

	var transport bridge.Transport
	if spec.Direction == call.DirectionBrowser {
		transport = newBrowserTransport(ws)
	} else {
		transport = newTwilioTransport(ws)
	}

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(ctx, -1)

	b := bridge.New(bridge.Config{
		Session:      session,
		Transport:    transport,
		Tools:        dispatcher,
		Metrics:      s.metrics,
		OnTerminated: s.finishCall,
	})
	res := b.Run(ctx)
	slog.Info("call ended",
		"call_id", res.ID, "cause", res.Cause, "duration_ms", res.DurationMs)
	return nil
}

func (s *Server) trackCall(session *call.Session, disconnect func()) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[session.Spec.ID] = liveCall{session: session, disconnect: disconnect}
}

func (s *Server) untrackCall(id uuid.UUID) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	delete(s.live, id)
}

// finishCall runs the endpoint side effects of a finished call: provider
// hang-up or transfer for telephony calls, a lifecycle event row for
// answered directions, and the duration metric.
func (s *Server) finishCall(ctx context.Context, res call.Result) {
	s.liveMu.Lock()
	lc, ok := s.live[res.ID]
	s.liveMu.Unlock()
	if !ok {
		return
	}
	spec := lc.session.Spec

	if s.phone != nil && spec.ProviderCallID != "" {
		if res.Cause == call.CauseTransferred && res.TransferTo != "" {
			if err := s.phone.Transfer(ctx, spec.ProviderCallID, res.TransferTo); err != nil {
				slog.Error("call transfer failed", "call_id", res.ID, "error", err)
			}
		} else if err := s.phone.HangUp(ctx, spec.ProviderCallID); err != nil {
			slog.Error("provider hang-up failed", "call_id", res.ID, "error", err)
		}
	}

	// Outbound calls get their lifecycle rows from provider status
	// callbacks; inbound and browser calls record completion here.
	if spec.Direction != call.DirectionOutbound {
		if err := s.db.InsertCallEvent(ctx, res.ID, "completed", res.DurationMs/1000); err != nil {
			slog.Error("call event insert failed", "call_id", res.ID, "error", err)
		}
	}

	s.metrics.CallDuration.Record(ctx, float64(res.DurationMs)/1000,
		metric.WithAttributes(attribute.String("cause", string(res.Cause))))
}

// handleListenIn streams a live call to an operator as NDJSON.
func (s *Server) handleListenIn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	queue, ok := s.listeners.Lookup(id)
	if !ok {
		http.Error(w, "call is not live", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		msg, ok := queue.Next(r.Context())
		if !ok {
			return
		}
		if msg.Type == listener.TypeCallEnd {
			// Give the operator the same audible cue the caller gets.
			s.writeListenerTone(r.Context(), w, queue, id)
		}
		line, err := queue.Serialize(msg)
		if err != nil {
			slog.Warn("listener serialization failed", "call_id", id, "error", err)
			continue
		}
		if _, err := w.Write(line); err != nil {
			return
		}
		flusher.Flush()
		if msg.Type == listener.TypeCallEnd {
			return
		}
	}
}

func (s *Server) writeListenerTone(ctx context.Context, w io.Writer, queue *listener.Queue, id uuid.UUID) {
	spec, err := s.liveFormat(id)
	if err != nil {
		return
	}
	snd, err := s.sounds.Get(ctx, sounds.HangUpTone, spec)
	if err != nil {
		slog.Debug("listener tone unavailable", "error", err)
		return
	}
	line, err := queue.Serialize(listener.Message{Type: listener.TypeAudio, AudioB64: snd.B64})
	if err == nil {
		w.Write(line)
	}
}

func (s *Server) liveFormat(id uuid.UUID) (audio.Format, error) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if lc, ok := s.live[id]; ok {
		return lc.session.Spec.Format, nil
	}
	return "", fmt.Errorf("server: call %s not live", id)
}

// handleHangUp lets an operator end a live call. The recorded cause
// distinguishes this from the caller hanging up.
func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	s.liveMu.Lock()
	lc, ok := s.live[id]
	s.liveMu.Unlock()
	if !ok {
		http.Error(w, "call is not live", http.StatusNotFound)
		return
	}
	lc.session.State.SetCause(call.CauseListenerHangup, "")
	if s.phone != nil && lc.session.Spec.ProviderCallID != "" {
		if err := s.phone.HangUp(r.Context(), lc.session.Spec.ProviderCallID); err != nil {
			slog.Error("provider hang-up failed", "call_id", id, "error", err)
			http.Error(w, "hang-up failed", http.StatusBadGateway)
			return
		}
	} else if lc.disconnect != nil {
		// No provider leg to tear the call down; drop the endpoint socket
		// so the bridge notices and closes the session.
		lc.disconnect()
	}
	w.WriteHeader(http.StatusAccepted)
}

// loadReplay fetches and reconstructs an archived call.
func (s *Server) loadReplay(ctx context.Context, id uuid.UUID) ([]call.SpeakerSegment, []byte, audio.Format, error) {
	spec, err := s.db.FetchCall(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	archive, err := s.files.Download(ctx, "logs/"+id.String()+".zip")
	if err != nil {
		return nil, nil, "", err
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, nil, "", fmt.Errorf("server: open archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, nil, "", fmt.Errorf("server: empty archive for %s", id)
	}
	f, err := zr.File[0].Open()
	if err != nil {
		return nil, nil, "", fmt.Errorf("server: open archive entry: %w", err)
	}
	defer f.Close()
	logData, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, "", fmt.Errorf("server: read archive entry: %w", err)
	}
	segments, raw, err := replay.Process(logData, spec.Format)
	if err != nil {
		return nil, nil, "", err
	}
	return segments, raw, spec.Format, nil
}

// handleCallAudio serves the reconstructed call audio as a WAV file.
func (s *Server) handleCallAudio(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	_, raw, format, err := s.loadReplay(r.Context(), id)
	if err != nil {
		slog.Error("replay failed", "call_id", id, "error", err)
		http.Error(w, "replay unavailable", http.StatusNotFound)
		return
	}
	pcm := audio.ToPCM16(raw, format)
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio.PCM16ToWAV(pcm, format.SampleRate()))
}

// handleCallReplay serves the transcript and waveform of an archived call.
func (s *Server) handleCallReplay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	segments, raw, format, err := s.loadReplay(r.Context(), id)
	if err != nil {
		slog.Error("replay failed", "call_id", id, "error", err)
		http.Error(w, "replay unavailable", http.StatusNotFound)
		return
	}
	pcm := audio.ToPCM16(raw, format)
	resp := map[string]any{
		"segments":    segments,
		"bar_heights": replay.BarHeights(pcm, 100, segments, format.SampleRate()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
