// Package call holds the per-call conversation state and the session that
// owns it: speaker segments, the pre-speech input buffer, played-audio
// accounting, the mark queue used for barge-in truncation, and the
// idempotent termination sequence.
//
// The bridge feeds a Session from two goroutines (human audio and model
// events), so State and MarkQueue are internally locked.
package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/callyx-ai/callyx/pkg/audio"
)

// Speaker identifies which side of the conversation produced a transcript
// segment. The values appear verbatim in listener payloads and replay
// output.
type Speaker string

const (
	SpeakerUser      Speaker = "User"
	SpeakerAssistant Speaker = "Assistant"
)

// SpeakerSegment is one turn of the running transcript. Timestamp is the
// call-relative start of the turn in seconds, derived from the played-audio
// total at the moment the turn began. ItemID ties the segment to the model
// conversation item so late transcripts can find their turn.
type SpeakerSegment struct {
	Timestamp  float64 `json:"timestamp"`
	Speaker    Speaker `json:"speaker"`
	Transcript string  `json:"transcript"`
	ItemID     string  `json:"item_id"`
}

// TerminationCause records why a call ended. The first writer wins; every
// later attempt is ignored so the recorded cause reflects the actual
// trigger rather than the last goroutine to notice the shutdown.
type TerminationCause string

const (
	CauseEndOfCallBot   TerminationCause = "end_of_call_bot"
	CauseVoiceMailBot   TerminationCause = "voice_mail_bot"
	CauseUserHangup     TerminationCause = "user_hangup"
	CauseListenerHangup TerminationCause = "listener_hangup"
	CauseTransferred    TerminationCause = "transferred"
	CauseUnknown        TerminationCause = "unknown"
)

// Direction distinguishes the three endpoint flavours a call can have.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBrowser  Direction = "browser"
)

// TransferTarget is a labelled phone number an agent may hand the call to.
type TransferTarget struct {
	Label       string `yaml:"label" json:"label"`
	PhoneNumber string `yaml:"phone_number" json:"phone_number"`
}

// Spec carries everything needed to stand up one call session: identity,
// transport flavour, audio format, the agent prompt and its fill-in values,
// and the tool surface the model may use.
type Spec struct {
	ID        uuid.UUID
	Direction Direction
	Format    audio.Format

	// ProviderCallID is the telephony provider's call identifier (empty for
	// browser calls). Needed for hang-up, transfer and keypad side effects.
	ProviderCallID string
	FromNumber     string
	ToNumber       string

	// PromptTemplate is the agent system prompt with {placeholder} slots;
	// Input supplies the fill-in values.
	PromptTemplate string
	Input          map[string]string

	Voice              string
	EnabledTools       []string
	KnowledgeBaseIDs   []uuid.UUID
	TransferTargets    []TransferTarget
	TextMessageFrom    string
	TextMessageBody    string
	HangUpTone         bool

	// StartSpeakingBufferMs, when positive, arms the kickoff timer: if the
	// human stays silent this long after session.updated, the model is asked
	// to open the conversation.
	StartSpeakingBufferMs int
}

// EventSink receives the ordered event feed a call produces for listeners.
// Implemented by the listener queue; the session only ever sees this
// interface so the call package stays independent of transport concerns.
type EventSink interface {
	PushAudio(b64 string)
	PushSegments(segs []SpeakerSegment)
	EndCall()
}

// Result is what termination reports back to the transport layer.
type Result struct {
	ID         uuid.UUID
	DurationMs int
	Cause      TerminationCause
	// TransferTo is the resolved number when Cause is CauseTransferred.
	TransferTo string
	EndedAt    time.Time
}
