package tooling

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/internal/bridge"
	"github.com/callyx-ai/callyx/internal/call"
)

// Phone drives telephony side effects. Matches the telephony client.
type Phone interface {
	SendDigits(ctx context.Context, callSID, digits string) error
	SendSMS(ctx context.Context, from, to, body, statusCallback string) (string, error)
}

// DocumentQuerier answers knowledge-base queries.
type DocumentQuerier interface {
	Query(ctx context.Context, kbIDs []uuid.UUID, query string) string
}

// MessageStore records outbound text messages.
type MessageStore interface {
	InsertTextMessage(ctx context.Context, callID uuid.UUID, from, to, body, providerID string) (uuid.UUID, error)
}

// ToneSource supplies the hang-up tone in the call's format.
type ToneSource interface {
	HangUpTone(ctx context.Context) (b64 string, ms int, err error)
}

// Dispatcher executes the model's tool invocations for one call. All
// collaborators except the session may be nil; a tool whose collaborator is
// missing reports failure to the model instead of crashing the call.
type Dispatcher struct {
	Session  *call.Session
	Phone    Phone
	Docs     DocumentQuerier
	Messages MessageStore
	Tone     ToneSource

	// SMSStatusCallback is passed to the SMS provider when set.
	SMSStatusCallback string
}

var _ bridge.ToolDispatcher = (*Dispatcher)(nil)

// Dispatch runs one tool invocation. The returned stop flag tells the
// bridge to end the downlink loop now (answering machine, transfer).
func (d *Dispatcher) Dispatch(ctx context.Context, name, callID, arguments string, io bridge.ToolIO) bool {
	spec := d.Session.Spec
	log := slog.With("call_id", spec.ID, "tool", name)

	var args map[string]string
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			log.Warn("undecodable tool arguments", "error", err)
			return false
		}
	}

	switch name {
	case ToolHangUp:
		return d.hangUp(ctx, args["reason"], io, log)

	case ToolCancelHangUp:
		if d.Session.State.ClearModelCause() {
			log.Info("pending hang-up cancelled")
		}
		return false

	case ToolQueryDocuments:
		result := "No documents found"
		if d.Docs != nil {
			result = d.Docs.Query(ctx, spec.KnowledgeBaseIDs, args["query"])
		}
		d.reply(ctx, callID, result, log)
		return false

	case ToolSendTextMessage:
		d.sendText(ctx, callID, args["message"], io, log)
		return false

	case ToolTransferCall:
		return d.transfer(ctx, args["phone_number_label"], log)

	case ToolEnterKeypad:
		d.enterKeypad(ctx, callID, args["digits"], io, log)
		return false

	default:
		log.Warn("unknown tool invoked")
		return false
	}
}

func (d *Dispatcher) reply(ctx context.Context, callID, output string, log *slog.Logger) {
	if err := d.Session.SendToolResult(ctx, callID, output); err != nil {
		log.Warn("tool result delivery failed", "error", err)
	}
}

func (d *Dispatcher) hangUp(ctx context.Context, reason string, io bridge.ToolIO, log *slog.Logger) bool {
	cause := call.CauseEndOfCallBot
	if reason == "answering_machine" {
		cause = call.CauseVoiceMailBot
	}
	d.Session.State.SetCause(cause, "")
	log.Info("model requested hang-up", "reason", reason)

	// Browser endpoints get an audible cue; telephony callers hear the
	// provider's own disconnect.
	if d.Session.Spec.HangUpTone && d.Tone != nil {
		if b64, ms, err := d.Tone.HangUpTone(ctx); err == nil {
			if err := io.PlayAudio(ctx, b64, ms); err != nil {
				log.Warn("hang-up tone playback failed", "error", err)
			}
		} else {
			log.Warn("hang-up tone unavailable", "error", err)
		}
	}
	// An answering machine gets no goodbye; end the call right away.
	return cause == call.CauseVoiceMailBot
}

func (d *Dispatcher) sendText(ctx context.Context, callID, message string, io bridge.ToolIO, log *slog.Logger) {
	spec := d.Session.Spec
	if message == "" {
		message = spec.TextMessageBody
	}
	// Browser calls have no SMS leg; the message surfaces on the page as an
	// out-of-band event and is recorded with the provider sentinel sid.
	if spec.Direction == call.DirectionBrowser {
		if err := io.Notify(ctx, "message", map[string]any{"body": message}); err != nil {
			log.Debug("message notification skipped", "error", err)
		}
		if d.Messages != nil {
			if _, err := d.Messages.InsertTextMessage(ctx, spec.ID, spec.TextMessageFrom, spec.ToNumber, message, "no-sid"); err != nil {
				log.Error("text message record failed", "error", err)
			}
		}
		d.reply(ctx, callID, "Message sent", log)
		return
	}
	if d.Phone == nil || spec.TextMessageFrom == "" || spec.ToNumber == "" {
		d.reply(ctx, callID, "Text messaging is not available on this call", log)
		return
	}
	sid, err := d.Phone.SendSMS(ctx, spec.TextMessageFrom, spec.ToNumber, message, d.SMSStatusCallback)
	if err != nil {
		log.Error("sms send failed", "error", err)
		d.reply(ctx, callID, "The text message could not be sent", log)
		return
	}
	if d.Messages != nil {
		if _, err := d.Messages.InsertTextMessage(ctx, spec.ID, spec.TextMessageFrom, spec.ToNumber, message, sid); err != nil {
			log.Error("text message record failed", "error", err)
		}
	}
	if err := io.Notify(ctx, "message", map[string]any{"body": message}); err != nil {
		log.Debug("message notification skipped", "error", err)
	}
	d.reply(ctx, callID, "Message sent", log)
}

// transfer resolves the requested label against the configured targets and
// records the transfer as the termination cause; the actual redirect runs
// during teardown so in-flight audio settles first.
func (d *Dispatcher) transfer(ctx context.Context, label string, log *slog.Logger) bool {
	spec := d.Session.Spec
	if spec.ProviderCallID == "" || len(spec.TransferTargets) == 0 {
		log.Warn("transfer requested but unavailable")
		return false
	}
	target := resolveTarget(label, spec.TransferTargets)
	d.Session.State.SetCause(call.CauseTransferred, target.PhoneNumber)
	log.Info("transferring call", "label", target.Label, "to", target.PhoneNumber)
	return true
}

// resolveTarget picks the configured target whose label is closest to what
// the model produced. Models occasionally paraphrase enum values, so exact
// match falls back to minimum edit distance.
func resolveTarget(label string, targets []call.TransferTarget) call.TransferTarget {
	best := targets[0]
	bestDist := -1
	needle := strings.ToLower(strings.TrimSpace(label))
	for _, t := range targets {
		have := strings.ToLower(t.Label)
		if have == needle {
			return t
		}
		d := matchr.Levenshtein(needle, have)
		if bestDist < 0 || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

func (d *Dispatcher) enterKeypad(ctx context.Context, callID, digits string, io bridge.ToolIO, log *slog.Logger) {
	spec := d.Session.Spec
	if digits == "" {
		d.reply(ctx, callID, "No digits provided", log)
		return
	}
	if d.Phone == nil || spec.ProviderCallID == "" {
		d.reply(ctx, callID, "Keypad entry is not available on this call", log)
		return
	}
	if err := d.Phone.SendDigits(ctx, spec.ProviderCallID, digits); err != nil {
		log.Error("keypad entry failed", "error", err)
		d.reply(ctx, callID, "Keypad entry failed", log)
		return
	}
	if err := io.Notify(ctx, "keypad", map[string]any{"digits": digits}); err != nil {
		log.Debug("keypad notification skipped", "error", err)
	}
	d.reply(ctx, callID, "Entered digits "+digits, log)
}
