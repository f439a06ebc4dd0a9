package audio

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestEncodeWAV(t *testing.T) {
	pcm := SamplesToBytes([]int16{100, -100, 200, -200})

	wav, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}

	if len(wav) != 44+len(pcm) {
		t.Errorf("Expected %d bytes, got %d", 44+len(pcm), len(wav))
	}

	checks := []struct {
		offset int
		want   string
	}{
		{0, "RIFF"},
		{8, "WAVE"},
		{12, "fmt "},
		{36, "data"},
	}
	for _, c := range checks {
		if got := string(wav[c.offset : c.offset+4]); got != c.want {
			t.Errorf("Offset %d: expected %q, got %q", c.offset, c.want, got)
		}
	}

	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if byteRate := binary.LittleEndian.Uint32(wav[28:32]); byteRate != 32000 {
		t.Errorf("Expected byte rate 32000, got %d", byteRate)
	}
}

func TestEncodeWAVInvalid(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		rate int
	}{
		{"empty", nil, 16000},
		{"odd length", []byte{1, 2, 3}, 16000},
		{"zero rate", []byte{1, 2}, 0},
		{"negative rate", []byte{1, 2}, -8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.rate); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestParseWAV(t *testing.T) {
	pcm := SamplesToBytes(make([]int16, 16000))
	wav, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}

	info, payload, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("Failed to parse WAV: %v", err)
	}

	if info.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}
	if info.Duration != time.Second {
		t.Errorf("Expected 1s duration, got %v", info.Duration)
	}
	if len(payload) != len(pcm) {
		t.Errorf("Expected %d payload bytes, got %d", len(pcm), len(payload))
	}
}

func TestParseWAVSkipsUnknownChunks(t *testing.T) {
	pcm := SamplesToBytes([]int16{1, 2, 3, 4})
	wav, err := EncodeWAV(pcm, 8000)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}

	// Insert an odd-sized LIST chunk between fmt and data
	extra := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	patched := append([]byte{}, wav[:36]...)
	patched = append(patched, extra...)
	patched = append(patched, wav[36:]...)

	info, payload, err := ParseWAV(patched)
	if err != nil {
		t.Fatalf("Failed to parse WAV: %v", err)
	}
	if info.SampleRate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", info.SampleRate)
	}
	if string(payload) != string(pcm) {
		t.Error("Payload mismatch")
	}
}

func TestParseWAVErrors(t *testing.T) {
	good, _ := EncodeWAV(SamplesToBytes([]int16{1, 2}), 16000)

	float := append([]byte{}, good...)
	binary.LittleEndian.PutUint16(float[20:22], 3)

	noData := append([]byte{}, good[:36]...)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"too short", []byte("RIFF"), ErrNotWAV},
		{"wrong magic", append([]byte("RIFX"), good[4:]...), ErrNotWAV},
		{"float format", float, ErrUnsupportedWAV},
		{"missing data", noData, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseWAV(tt.data)
			if err == nil {
				t.Fatal("Expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
