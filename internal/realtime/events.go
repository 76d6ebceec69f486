// Package realtime maintains the WebSocket session with the speech-to-speech
// model endpoint: dialing, session configuration, the outbound operations the
// bridge needs (audio append, truncation, tool results, response kickoff) and
// a typed view of the inbound event stream. Every frame in both directions is
// appended to a per-call session log for replay.
package realtime

// Server event types the bridge reacts to. Anything else is logged to the
// session log and otherwise ignored.
const (
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventAudioDelta             = "response.audio.delta"
	EventInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	EventResponseTranscriptDone = "response.audio_transcript.done"
	EventFunctionCallDone       = "response.function_call_arguments.done"
	EventSessionUpdated         = "session.updated"
	EventResponseDone           = "response.done"
	EventError                  = "error"
)

// Event is the decoded superset of the server events the bridge consumes.
// Fields are populated per event type; unused fields stay zero.
type Event struct {
	Type string `json:"type"`

	ItemID       string `json:"item_id,omitempty"`
	Delta        string `json:"delta,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	AudioStartMs int    `json:"audio_start_ms,omitempty"`

	// Function call fields.
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Response *ResponseStatus `json:"response,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`

	// Raw is the frame as received, kept for the session log.
	Raw []byte `json:"-"`
}

// ResponseStatus is the slice of a response.done payload the bridge cares
// about.
type ResponseStatus struct {
	Status        string `json:"status"`
	StatusDetails any    `json:"status_details,omitempty"`
}

// ErrorDetail is the payload of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Tool is a function tool definition advertised in the session
// configuration.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
