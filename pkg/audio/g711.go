package audio

// G.711 decompression. The listener stream re-encodes telephony audio as
// 16-bit linear PCM so that browser consumers can play it without a μ-law
// decoder; see the listener package. Encoding is never needed — the model
// produces μ-law directly when the call runs in a G.711 format.

// ulawToLinear holds the 256-entry μ-law expansion table, built once at init.
var ulawToLinear [256]int16

// alawToLinear holds the 256-entry A-law expansion table.
var alawToLinear [256]int16

func init() {
	for i := range 256 {
		ulawToLinear[i] = decodeUlawSample(byte(i))
		alawToLinear[i] = decodeAlawSample(byte(i))
	}
}

// decodeUlawSample expands one μ-law byte per ITU-T G.711.
func decodeUlawSample(u byte) int16 {
	u = ^u
	t := int16(u&0x0f)<<3 + 0x84
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return 0x84 - t
	}
	return t - 0x84
}

// decodeAlawSample expands one A-law byte per ITU-T G.711.
func decodeAlawSample(a byte) int16 {
	a ^= 0x55
	t := int16(a&0x0f) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return t
	}
	return -t
}

// UlawToPCM16 expands μ-law bytes to little-endian 16-bit linear PCM.
// The result is always exactly twice the input length.
func UlawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := ulawToLinear[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// AlawToPCM16 expands A-law bytes to little-endian 16-bit linear PCM.
func AlawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := alawToLinear[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ToPCM16 converts a raw payload in the given format to 16-bit linear PCM.
// PCM16 input is returned unchanged (zero allocation).
func ToPCM16(in []byte, f Format) []byte {
	switch f {
	case FormatG711Ulaw:
		return UlawToPCM16(in)
	case FormatG711Alaw:
		return AlawToPCM16(in)
	default:
		return in
	}
}
