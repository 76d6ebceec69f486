package call_test

import (
	"testing"

	"github.com/callyx-ai/callyx/internal/call"
)

func TestStatePreSpeechBuffer(t *testing.T) {
	// The input clock starts at the detector's 300ms prefix padding.
	s := call.NewState(300)
	s.BufferInput("frame_a", 100) // ends at 400
	s.BufferInput("frame_b", 100) // ends at 500
	s.BufferInput("frame_c", 100) // ends at 600

	// Speech detected starting at 450ms: frames ending at or after that
	// position belong to the utterance.
	frames := s.BeginSpeech(450)
	if len(frames) != 2 || frames[0] != "frame_b" || frames[1] != "frame_c" {
		t.Fatalf("flushed frames: got %v, want [frame_b frame_c]", frames)
	}
	if got := s.TotalMs(); got != 200 {
		t.Errorf("total after flush: got %d, want 200", got)
	}
	if !s.UserSpeaking() {
		t.Error("user should be marked speaking")
	}

	// The buffer drains completely either way.
	if again := s.BeginSpeech(0); len(again) != 0 {
		t.Errorf("second flush should be empty, got %v", again)
	}
}

func TestStateSpokenAudioCountsDirectly(t *testing.T) {
	s := call.NewState(300)
	s.BeginSpeech(0)
	s.CountSpokenMs(150)
	s.AddPlayedMs(250)
	if got := s.TotalMs(); got != 400 {
		t.Errorf("total: got %d, want 400", got)
	}
}

func TestStateSegmentUpsert(t *testing.T) {
	s := call.NewState(300)
	s.UpsertSegment(call.SpeakerSegment{Speaker: call.SpeakerUser, ItemID: "item_1"})
	segs := s.UpsertSegment(call.SpeakerSegment{
		Speaker: call.SpeakerUser, ItemID: "item_1", Transcript: "hello there",
	})
	if len(segs) != 1 {
		t.Fatalf("segments: got %d, want 1", len(segs))
	}
	if segs[0].Transcript != "hello there" {
		t.Errorf("transcript: got %q", segs[0].Transcript)
	}

	// A speaker mismatch must not overwrite the existing segment.
	segs = s.UpsertSegment(call.SpeakerSegment{
		Speaker: call.SpeakerAssistant, ItemID: "item_1", Transcript: "bogus",
	})
	if segs[0].Transcript != "hello there" {
		t.Error("mismatched speaker overwrote transcript")
	}
}

func TestStateAdoptItemID(t *testing.T) {
	s := call.NewState(300)
	s.UpsertSegment(call.SpeakerSegment{Speaker: call.SpeakerAssistant})
	if !s.AdoptItemID("item_9") {
		t.Fatal("adoption should succeed on trailing empty assistant segment")
	}
	if s.AdoptItemID("item_10") {
		t.Error("second adoption should fail; item id already set")
	}
	segs := s.Segments()
	if segs[0].ItemID != "item_9" {
		t.Errorf("item id: got %q, want item_9", segs[0].ItemID)
	}
}

func TestStateCauseFirstWriterWins(t *testing.T) {
	s := call.NewState(300)
	if !s.SetCause(call.CauseEndOfCallBot, "") {
		t.Fatal("first set should win")
	}
	if s.SetCause(call.CauseUserHangup, "") {
		t.Fatal("second set should lose")
	}
	if got := s.Cause(); got != call.CauseEndOfCallBot {
		t.Errorf("cause: got %q, want end_of_call_bot", got)
	}
}

func TestStateClearModelCause(t *testing.T) {
	s := call.NewState(300)
	s.SetCause(call.CauseVoiceMailBot, "")
	if !s.ClearModelCause() {
		t.Fatal("model-set cause should clear")
	}
	if got := s.Cause(); got != "" {
		t.Errorf("cause after clear: got %q, want empty", got)
	}

	// A listener-initiated hang-up is not the model's to cancel.
	s.SetCause(call.CauseListenerHangup, "")
	if s.ClearModelCause() {
		t.Error("non-model cause must not clear")
	}
}
