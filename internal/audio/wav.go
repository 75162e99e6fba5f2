package audio

import "encoding/binary"

// StreamingWAVHeaderSize is the length of the header emitted by
// StreamingWAVHeader.
const StreamingWAVHeaderSize = 44

// StreamingWAVHeader builds a 44-byte WAV header for 32-bit float PCM with
// unknown total length: both the RIFF chunk size and the data chunk size are
// 0xFFFFFFFF placeholders, which players treat as "read until EOF". Suitable
// for prefixing a live PCM stream whose length is not known up front.
func StreamingWAVHeader(sampleRate, channels int) []byte {
	const bytesPerSample = 4
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	buf := make([]byte, StreamingWAVHeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 3) // IEEE float
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 32) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], 0xFFFFFFFF)
	return buf
}
