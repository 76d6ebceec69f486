// Package bridge pumps audio and events between a human endpoint and the
// model session: the uplink loop forwards human audio and playback
// acknowledgements, the downlink loop forwards model audio, handles
// barge-in truncation and dispatches tool invocations. When either side
// ends, the bridge tears the call down exactly once.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/observe"
	"github.com/callyx-ai/callyx/internal/realtime"
)

// ToolDispatcher executes one model tool invocation. stop asks the bridge
// to end the downlink loop immediately.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name, callID, arguments string, io ToolIO) (stop bool)
}

// ToolIO is what tool execution may do to the live call.
type ToolIO interface {
	PlayAudio(ctx context.Context, b64 string, ms int) error
	Notify(ctx context.Context, event string, payload any) error
}

// Bridge couples one session to one transport.
type Bridge struct {
	session   *call.Session
	transport Transport
	tools     ToolDispatcher
	marks     *call.MarkQueue
	now       func() time.Time
	metrics   *observe.Metrics

	// useMarkProtocol selects the out-of-band mark exchange used by
	// telephony media streams. Browser endpoints acknowledge playback with
	// their own mark envelopes, so no mark frames are sent to them.
	useMarkProtocol bool

	// OnTerminated, when set, runs after the session closes with the final
	// result. The server uses it for endpoint side effects: provider
	// hang-up or transfer, lifecycle event rows.
	OnTerminated func(ctx context.Context, res call.Result)
}

// Config assembles a Bridge.
type Config struct {
	Session   *call.Session
	Transport Transport
	Tools     ToolDispatcher
	Now       func() time.Time
	// Metrics defaults to the package-level instruments when nil.
	Metrics      *observe.Metrics
	OnTerminated func(ctx context.Context, res call.Result)
}

// New builds a bridge for the given session and transport.
func New(cfg Config) *Bridge {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		session:         cfg.Session,
		transport:       cfg.Transport,
		tools:           cfg.Tools,
		marks:           call.NewMarkQueue(),
		now:             now,
		metrics:         metrics,
		useMarkProtocol: cfg.Session.Spec.Direction != call.DirectionBrowser,
		OnTerminated:    cfg.OnTerminated,
	}
}

// Run pumps both directions until the call ends, then closes the session.
// The returned result is the call's final disposition.
func (b *Bridge) Run(ctx context.Context) call.Result {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		b.uplink(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		b.downlink(gctx)
		return nil
	})
	g.Wait()
	cancel()

	// Teardown gets a fresh deadline; the run context is gone.
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 4*time.Minute)
	defer closeCancel()
	res := b.session.Close(closeCtx, call.CauseUnknown)
	if b.OnTerminated != nil {
		b.OnTerminated(closeCtx, res)
	}
	return res
}

// uplink forwards human frames to the model and consumes playback
// acknowledgements. It exits when the endpoint disconnects or, after a
// model-initiated hang-up, when every queued chunk has been acknowledged
// so the goodbye finishes playing.
func (b *Bridge) uplink(ctx context.Context) {
	spec := b.session.Spec
	for {
		env, err := b.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				// Endpoint went away on its own.
				b.session.State.SetCause(call.CauseUserHangup, "")
				b.truncateInFlight(ctx)
			}
			return
		}
		switch env.Kind {
		case EnvelopeMedia:
			if err := b.session.ReceiveHumanAudio(ctx, env.Payload); err != nil {
				slog.Warn("uplink forward failed", "call_id", spec.ID, "error", err)
				return
			}
			if ms, err := spec.Format.FrameMs(env.Payload); err == nil {
				b.metrics.AudioForwarded.Add(ctx, int64(ms),
					metric.WithAttributes(attribute.String("direction", "uplink")))
			}
		case EnvelopeStart:
			// A provider stream (re)start invalidates playback tracking.
			b.marks.Reset()
		case EnvelopeMark:
			b.marks.Ack(b.now())
			if b.session.State.Cause() != "" && b.marks.Empty() {
				return
			}
		case EnvelopeHangup:
			b.session.State.SetCause(call.CauseUserHangup, "")
			b.truncateInFlight(ctx)
			return
		}
	}
}

// downlink forwards model events to the endpoint.
func (b *Bridge) downlink(ctx context.Context) {
	spec := b.session.Spec
	for evt := range b.session.Events(ctx) {
		switch evt.Type {
		case realtime.EventAudioDelta:
			// Item tracking latches onto the first item after a reset and
			// follows it until a barge-in or stream restart clears it, so
			// pending chunks keep counting toward that item's heard time.
			if b.marks.ItemID() == "" {
				b.marks.BeginItem(evt.ItemID)
			}
			if err := b.transport.SendMedia(ctx, evt.Delta); err != nil {
				slog.Warn("downlink send failed", "call_id", spec.ID, "error", err)
				return
			}
			b.marks.Push(evt.AudioMs)
			b.metrics.AudioForwarded.Add(ctx, int64(evt.AudioMs),
				metric.WithAttributes(attribute.String("direction", "downlink")))
			if b.useMarkProtocol {
				if err := b.transport.SendMark(ctx); err != nil {
					slog.Warn("mark send failed", "call_id", spec.ID, "error", err)
					return
				}
			}

		case realtime.EventSpeechStarted:
			b.handleBargeIn(ctx)

		case realtime.EventInputTranscriptDone, realtime.EventResponseTranscriptDone:
			if evt.Segments != nil {
				if err := b.transport.SendSegments(ctx, evt.Segments); err != nil {
					slog.Debug("segment publish skipped", "call_id", spec.ID, "error", err)
				}
			}

		case realtime.EventFunctionCallDone:
			if b.tools == nil {
				slog.Warn("tool invoked with no dispatcher", "call_id", spec.ID, "tool", evt.Name)
				continue
			}
			b.metrics.ToolCalls.Add(ctx, 1,
				metric.WithAttributes(attribute.String("tool", evt.Name)))
			if stop := b.tools.Dispatch(ctx, evt.Name, evt.CallID, evt.Arguments, b.toolIO()); stop {
				return
			}
		}
	}
}

// handleBargeIn reacts to the human starting to speak while assistant audio
// may still be in flight: the current item is truncated to what was heard,
// the endpoint drops its buffer, and playback tracking resets.
func (b *Bridge) handleBargeIn(ctx context.Context) {
	if !b.marks.Empty() {
		b.truncateInFlight(ctx)
		b.metrics.BargeIns.Add(ctx, 1)
		if err := b.transport.SendClear(ctx); err != nil {
			slog.Debug("clear send failed", "call_id", b.session.Spec.ID, "error", err)
		}
	}
	b.marks.Reset()
}

// truncateInFlight trims the model's view of the current assistant item to
// the audio actually heard.
func (b *Bridge) truncateInFlight(ctx context.Context) {
	itemID := b.marks.ItemID()
	if itemID == "" {
		return
	}
	heard := b.marks.HeardMs(b.now())
	if err := b.session.Truncate(ctx, itemID, heard); err != nil {
		slog.Debug("truncate failed", "call_id", b.session.Spec.ID, "error", err)
	}
}

// toolIO exposes the transport to tool execution on the downlink
// goroutine.
func (b *Bridge) toolIO() ToolIO { return &bridgeIO{b: b} }

type bridgeIO struct{ b *Bridge }

func (io *bridgeIO) PlayAudio(ctx context.Context, b64 string, ms int) error {
	if err := io.b.transport.SendMedia(ctx, b64); err != nil {
		return err
	}
	io.b.marks.Push(ms)
	if io.b.useMarkProtocol {
		return io.b.transport.SendMark(ctx)
	}
	return nil
}

func (io *bridgeIO) Notify(ctx context.Context, event string, payload any) error {
	return io.b.transport.SendEvent(ctx, event, payload)
}
