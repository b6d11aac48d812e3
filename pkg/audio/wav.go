// Package audio provides helpers for Renfield's canonical audio format:
// signed 16-bit little-endian PCM, mono, 16 000 Hz. Satellite devices stream
// raw PCM chunks; before handing a complete utterance to the STT engine the
// pipeline wraps it in a standard 44-byte RIFF/WAV header via EncodeWAV.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 16_000

	// Channels is the canonical channel count (mono).
	Channels = 1

	// BitsPerSample is fixed at 16 for signed little-endian PCM.
	BitsPerSample = 16

	// WAVHeaderSize is the size of the RIFF/WAV header produced by EncodeWAV.
	WAVHeaderSize = 44
)

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct upload to
// an STT engine. No external dependencies are required.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := BitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, WAVHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// EncodeCanonicalWAV wraps pcm in a WAV header using the canonical mono
// 16 kHz format.
func EncodeCanonicalWAV(pcm []byte) []byte {
	return EncodeWAV(pcm, SampleRate, Channels)
}

// Duration returns the playback duration of a raw PCM buffer in the canonical
// format. Returns 0 for empty buffers.
func Duration(pcm []byte) time.Duration {
	samples := len(pcm) / (BitsPerSample / 8)
	return time.Duration(samples) * time.Second / time.Duration(SampleRate*Channels)
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in PCM sample units (0–32 767). Returns 0 for buffers shorter
// than one sample. Used to detect empty (silent) utterances before invoking
// the STT engine.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
