// Package audio provides the audio primitives shared by the call bridge:
// wire formats and their clock parameters, duration math for base64 frames,
// G.711 decompression for the listener stream, and WAV framing for replay
// output.
//
// All durations are integer milliseconds. The bridge never resamples; a call
// runs end to end in the single format negotiated at session start.
package audio

import (
	"encoding/base64"
	"fmt"
)

// Format identifies the audio codec of a call. It is used verbatim as the
// input_audio_format / output_audio_format value of the realtime session, so
// the constants match the model endpoint's wire names.
type Format string

const (
	// FormatPCM16 is 16-bit linear PCM at 24 kHz, used by browser calls.
	FormatPCM16 Format = "pcm16"

	// FormatG711Ulaw is 8-bit μ-law at 8 kHz, used by telephony media streams.
	FormatG711Ulaw Format = "g711_ulaw"

	// FormatG711Alaw is 8-bit A-law at 8 kHz.
	FormatG711Alaw Format = "g711_alaw"
)

// Valid reports whether f is a recognised audio format.
func (f Format) Valid() bool {
	switch f {
	case FormatPCM16, FormatG711Ulaw, FormatG711Alaw:
		return true
	}
	return false
}

// SampleRate returns the sampling rate of the format in Hz.
func (f Format) SampleRate() int {
	if f == FormatPCM16 {
		return 24000
	}
	return 8000
}

// BytesPerSample returns the storage size of one sample.
func (f Format) BytesPerSample() int {
	if f == FormatPCM16 {
		return 2
	}
	return 1
}

// BytesToMs converts a raw payload length to its playback duration.
func (f Format) BytesToMs(n int) int {
	return n / f.BytesPerSample() * 1000 / f.SampleRate()
}

// FrameMs decodes a base64 frame and returns its playback duration.
// Malformed base64 yields an error rather than a silent zero so that the
// caller can log the bad frame.
func (f Format) FrameMs(b64 string) (int, error) {
	n := base64.StdEncoding.DecodedLen(len(b64))
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, fmt.Errorf("audio: decode frame (%d bytes base64): %w", n, err)
	}
	return f.BytesToMs(len(raw)), nil
}
