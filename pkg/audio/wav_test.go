package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 3200) // 100 ms at 16 kHz mono 16-bit
	wav := EncodeWAV(pcm, SampleRate, Channels)

	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), WAVHeaderSize+len(pcm))
	}
	if got := string(wav[0:4]); got != "RIFF" {
		t.Errorf("chunk id = %q, want RIFF", got)
	}
	if got := string(wav[8:12]); got != "WAVE" {
		t.Errorf("format = %q, want WAVE", got)
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint16(wav[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != Channels {
		t.Errorf("channels = %d, want %d", got, Channels)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != SampleRate {
		t.Errorf("sample rate = %d, want %d", got, SampleRate)
	}
	wantByteRate := uint32(SampleRate * Channels * BitsPerSample / 8)
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != wantByteRate {
		t.Errorf("byte rate = %d, want %d", got, wantByteRate)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	wav := EncodeCanonicalWAV(nil)
	if len(wav) != WAVHeaderSize {
		t.Fatalf("len = %d, want %d", len(wav), WAVHeaderSize)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 0 {
		t.Errorf("data size = %d, want 0", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		pcm  int // bytes
		want time.Duration
	}{
		{"empty", 0, 0},
		{"one second", SampleRate * 2, time.Second},
		{"hundred ms", 3200, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(make([]byte, tt.pcm)); got != tt.want {
				t.Errorf("Duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}

	silence := make([]byte, 320)
	if got := RMS(silence); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}

	// Constant full-scale signal: RMS equals the sample value.
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(16000)))
	}
	if got := RMS(loud); got < 15999 || got > 16001 {
		t.Errorf("RMS(constant 16000) = %v, want ~16000", got)
	}
}
