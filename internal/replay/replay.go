// Package replay reconstructs a call from its archived session log: the
// ordered speaker segments and the raw audio actually heard, with barge-in
// truncations applied. The output feeds call review UIs, which also use
// the waveform bars computed here.
package replay

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/realtime"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// chunk is one reconstructed stretch of audio. itemID is empty for human
// audio; elapsedMs is the position within the item at the END of the chunk,
// which is what truncation offsets are measured against.
type chunk struct {
	data      []byte
	ms        int
	elapsedMs int
	itemID    string
}

// logEvent is the slice of a logged frame the reconstruction needs.
type logEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	Audio        string `json:"audio"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	AudioStartMs int    `json:"audio_start_ms"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// Process replays a session log and returns the transcript segments plus
// the call audio in the given format. Lines that fail to parse are skipped
// with a log entry; a truncated log still yields everything before the
// damage.
func Process(logData []byte, format audio.Format) ([]call.SpeakerSegment, []byte, error) {
	if !format.Valid() {
		return nil, nil, fmt.Errorf("replay: unknown audio format %q", format)
	}

	var (
		segments      []call.SpeakerSegment
		chunks        []chunk
		removed       = map[int]bool{}
		totalMs       int
		inputMs       = realtime.PrefixPaddingMs
		userSpeaking  bool
		inputElapsed  int
		outputElapsed int
		preSpeech     []chunk // human audio buffered outside a speech window
	)

	sc := bufio.NewScanner(bytes.NewReader(logData))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		// Strip the "[timestamp] " prefix.
		_, payload, ok := strings.Cut(line, "]")
		if !ok {
			continue
		}
		var evt logEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &evt); err != nil {
			slog.Warn("skipping undecodable log line", "error", err)
			continue
		}

		switch evt.Type {
		case "input_audio_buffer.append":
			raw, err := base64.StdEncoding.DecodeString(evt.Audio)
			if err != nil {
				slog.Warn("skipping undecodable audio frame", "error", err)
				continue
			}
			ms := format.BytesToMs(len(raw))
			inputMs += ms
			if userSpeaking {
				totalMs += ms
				inputElapsed += ms
				chunks = append(chunks, chunk{data: raw, ms: ms, elapsedMs: inputElapsed})
			} else {
				preSpeech = append(preSpeech, chunk{data: raw, ms: ms, elapsedMs: inputMs})
			}

		case realtime.EventSpeechStarted:
			outputElapsed = 0
			userSpeaking = true
			segments = append(segments, call.SpeakerSegment{
				Timestamp: float64(totalMs) / 1000,
				Speaker:   call.SpeakerUser,
				ItemID:    evt.ItemID,
			})
			// Promote the buffered frames that belong to the utterance.
			for _, c := range preSpeech {
				if c.elapsedMs >= evt.AudioStartMs {
					inputElapsed += c.ms
					chunks = append(chunks, chunk{data: c.data, ms: c.ms, elapsedMs: inputElapsed})
					totalMs += c.ms
				}
			}
			preSpeech = preSpeech[:0]

		case realtime.EventSpeechStopped:
			userSpeaking = false
			inputElapsed = 0
			segments = append(segments, call.SpeakerSegment{
				Timestamp: float64(totalMs) / 1000,
				Speaker:   call.SpeakerAssistant,
			})

		case realtime.EventAudioDelta:
			raw, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil {
				slog.Warn("skipping undecodable audio delta", "error", err)
				continue
			}
			ms := format.BytesToMs(len(raw))
			outputElapsed += ms
			chunks = append(chunks, chunk{data: raw, ms: ms, elapsedMs: outputElapsed, itemID: evt.ItemID})
			totalMs += ms
			if n := len(segments); n == 0 {
				segments = append(segments, call.SpeakerSegment{
					Timestamp: float64(totalMs) / 1000,
					Speaker:   call.SpeakerAssistant,
					ItemID:    evt.ItemID,
				})
			} else if segments[n-1].ItemID == "" {
				if segments[n-1].Speaker != call.SpeakerAssistant {
					slog.Warn("segment without item id is not the assistant")
				} else {
					segments[n-1].ItemID = evt.ItemID
				}
			}

		case realtime.EventInputTranscriptDone:
			applyTranscript(segments, evt.ItemID, evt.Transcript, call.SpeakerUser)

		case realtime.EventResponseTranscriptDone:
			applyTranscript(segments, evt.ItemID, evt.Transcript, call.SpeakerAssistant)

		case "conversation.item.truncated":
			removedMs := 0
			for i := range chunks {
				c := &chunks[i]
				if c.itemID == "" || c.itemID != evt.ItemID || evt.AudioEndMs >= c.elapsedMs {
					continue
				}
				if i > 0 && evt.AudioEndMs >= chunks[i-1].elapsedMs {
					// The cut lands inside this chunk; drop its tail.
					cutMs := c.elapsedMs - evt.AudioEndMs
					removedMs += cutMs
					cutBytes := cutMs * format.SampleRate() * format.BytesPerSample() / 1000
					if cutBytes < len(c.data) {
						c.data = c.data[:len(c.data)-cutBytes]
					} else {
						c.data = nil
					}
				} else {
					removedMs += c.ms
					removed[i] = true
				}
			}
			// Everything after the truncated item happened earlier than the
			// running clock thought; pull the following segments back.
			for i := range segments {
				if segments[i].ItemID == evt.ItemID && i+1 < len(segments) {
					segments[i+1].Timestamp -= float64(removedMs) / 1000
				}
			}
			totalMs -= removedMs
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("replay: scan log: %w", err)
	}

	var out []byte
	for i, c := range chunks {
		if !removed[i] {
			out = append(out, c.data...)
		}
	}
	return segments, out, nil
}

func applyTranscript(segments []call.SpeakerSegment, itemID, transcript string, want call.Speaker) {
	for i := range segments {
		if segments[i].ItemID != itemID {
			continue
		}
		if segments[i].Speaker != want {
			slog.Warn("transcript speaker mismatch", "item_id", itemID, "want", want)
			return
		}
		segments[i].Transcript = transcript
		return
	}
}

// BarHeight is one waveform bar for call review UIs.
type BarHeight struct {
	Height  float64      `json:"height"`
	Speaker call.Speaker `json:"speaker"`
}

// BarHeights renders numBars RMS bars over reconstructed PCM16 audio,
// attributing each bar to the speaker active at its timestamp.
func BarHeights(pcm []byte, numBars int, segments []call.SpeakerSegment, sampleRate int) []BarHeight {
	if len(segments) == 0 || numBars <= 0 {
		return nil
	}
	samples := len(pcm) / 2
	perBar := samples / numBars
	if perBar == 0 {
		return nil
	}

	rms := make([]float64, numBars)
	maxRMS := 0.0
	for b := range numBars {
		var sum float64
		for s := b * perBar; s < (b+1)*perBar; s++ {
			v := float64(int16(uint16(pcm[s*2]) | uint16(pcm[s*2+1])<<8))
			sum += v * v
		}
		rms[b] = math.Sqrt(sum / float64(perBar))
		if rms[b] > maxRMS {
			maxRMS = rms[b]
		}
	}

	msPerBar := float64(perBar) / float64(sampleRate) * 1000
	bars := make([]BarHeight, numBars)
	for b := range numBars {
		h := rms[b]
		if maxRMS > 0 {
			h /= maxRMS * 1.3
		}
		at := float64(b) * msPerBar / 1000
		bars[b] = BarHeight{Height: h, Speaker: speakerAt(segments, at)}
	}
	return bars
}

func speakerAt(segments []call.SpeakerSegment, ts float64) call.Speaker {
	speaker := segments[0].Speaker
	for _, s := range segments {
		if s.Timestamp > ts {
			break
		}
		speaker = s.Speaker
	}
	return speaker
}
