package audio

import (
	"encoding/binary"
	"math"
)

// FloatsToPCM encodes float32 samples as raw little-endian f32le bytes, the
// wire format used by the TTS and STT upstreams.
func FloatsToPCM(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// PCMToFloats decodes raw f32le bytes back into float32 samples. Trailing
// bytes that do not complete a sample are ignored.
func PCMToFloats(data []byte) []float32 {
	n := len(data) / 4
	samples := make([]float32, n)
	for i := range n {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
