package call

import (
	"log/slog"
	"sync"
)

// bufferedFrame is one pre-speech audio frame held back until the model's
// voice activity detector confirms the human is speaking.
type bufferedFrame struct {
	b64 string
	ms  int
	// cumulativeMs is the running input-stream position at the END of this
	// frame, measured on the same clock as the detector's audio_start_ms.
	cumulativeMs int
}

// State is the mutable conversation state of one call. The bridge mutates
// it from both of its goroutines (human audio on one, model events on the
// other), so every method takes the state lock.
type State struct {
	mu sync.Mutex

	totalMs      int
	userSpeaking bool

	// Pre-speech buffering. inputMs starts at the detector's prefix padding
	// so buffered positions line up with the audio_start_ms the detector
	// reports when speech begins.
	inputMs int
	buffer  []bufferedFrame

	segments []SpeakerSegment

	cause      TerminationCause
	transferTo string
}

// NewState returns call state with the input clock pre-advanced by the
// detector's prefix padding window.
func NewState(prefixPaddingMs int) *State {
	return &State{inputMs: prefixPaddingMs}
}

// TotalMs returns the total audio milliseconds attributed to the call so
// far: everything the model played plus all human speech forwarded to it.
func (s *State) TotalMs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalMs
}

// AddPlayedMs credits model output audio to the call duration.
func (s *State) AddPlayedMs(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalMs += ms
}

// UserSpeaking reports whether the detector currently considers the human
// to be speaking.
func (s *State) UserSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpeaking
}

// BufferInput holds back one human audio frame received outside a speech
// window and advances the input clock past it.
func (s *State) BufferInput(b64 string, ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputMs += ms
	s.buffer = append(s.buffer, bufferedFrame{b64: b64, ms: ms, cumulativeMs: s.inputMs})
}

// CountSpokenMs credits human speech forwarded inside a speech window.
func (s *State) CountSpokenMs(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputMs += ms
	s.totalMs += ms
}

// BeginSpeech transitions into a speech window at the given detector
// position. Buffered frames that end at or after audioStartMs were part of
// the utterance: their duration is credited to the call and they are
// returned so the caller can replay them to listeners. Earlier frames are
// pre-speech silence and are discarded. The whole buffer is drained either
// way.
func (s *State) BeginSpeech(audioStartMs int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSpeaking = true
	var frames []string
	for _, f := range s.buffer {
		if f.cumulativeMs >= audioStartMs {
			s.totalMs += f.ms
			frames = append(frames, f.b64)
		}
	}
	s.buffer = s.buffer[:0]
	return frames
}

// EndSpeech leaves the speech window.
func (s *State) EndSpeech() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSpeaking = false
}

// UpsertSegment applies a transcript update: if a segment with the same
// item id exists its transcript is replaced, otherwise the segment is
// appended. Returns a copy of the full transcript for publication.
func (s *State) UpsertSegment(seg SpeakerSegment) []SpeakerSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.segments {
		if s.segments[i].ItemID == seg.ItemID {
			if s.segments[i].Speaker != seg.Speaker {
				slog.Warn("transcript speaker mismatch",
					"item_id", seg.ItemID,
					"have", s.segments[i].Speaker,
					"got", seg.Speaker)
				return s.segmentsLocked()
			}
			s.segments[i].Transcript = seg.Transcript
			return s.segmentsLocked()
		}
	}
	s.segments = append(s.segments, seg)
	return s.segmentsLocked()
}

// AdoptItemID assigns the given item id to the trailing assistant segment
// that is still waiting for one. Reports whether an adoption happened.
func (s *State) AdoptItemID(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.segments); n > 0 {
		last := &s.segments[n-1]
		if last.Speaker == SpeakerAssistant && last.ItemID == "" {
			last.ItemID = itemID
			return true
		}
	}
	return false
}

// Segments returns a copy of the transcript so far.
func (s *State) Segments() []SpeakerSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentsLocked()
}

func (s *State) segmentsLocked() []SpeakerSegment {
	out := make([]SpeakerSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

// SetCause records the termination cause. Only the first caller wins;
// the return value reports whether this call was the winner.
func (s *State) SetCause(c TerminationCause, transferTo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != "" {
		return false
	}
	s.cause = c
	s.transferTo = transferTo
	return true
}

// ClearModelCause withdraws a cause previously set by the model's hang-up
// tool. Causes set by any other trigger stay in place.
func (s *State) ClearModelCause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == CauseEndOfCallBot || s.cause == CauseVoiceMailBot {
		s.cause = ""
		s.transferTo = ""
		return true
	}
	return false
}

// Cause returns the recorded termination cause, or "" when the call is
// still live.
func (s *State) Cause() TerminationCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// TransferTo returns the resolved transfer number when the cause is
// CauseTransferred.
func (s *State) TransferTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferTo
}
