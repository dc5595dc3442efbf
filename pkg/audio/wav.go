package audio

import "encoding/binary"

const bitsPerSample = 16

// EncodeWAV wraps p in a standard 44-byte-header RIFF/WAV container.
func EncodeWAV(p PCM) []byte {
	byteRate := p.SampleRate * p.Channels * bitsPerSample / 8
	blockAlign := p.Channels * bitsPerSample / 8
	dataSize := len(p.Data)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(p.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], p.Data)

	return buf
}
