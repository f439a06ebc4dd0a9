package opus

import (
	"math"
	"testing"

	"github.com/skypro1111/vad-orchestrator/internal/stage"
)

func sineFrame(n, sampleRate int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}
	return frame
}

func TestValidSampleRate(t *testing.T) {
	tests := []struct {
		rate int
		want bool
	}{
		{8000, true},
		{16000, true},
		{48000, true},
		{44100, false},
		{0, false},
	}

	for _, tt := range tests {
		if got := ValidSampleRate(tt.rate); got != tt.want {
			t.Errorf("ValidSampleRate(%d): expected %v, got %v", tt.rate, tt.want, got)
		}
	}
}

func TestNewCompressorDefaults(t *testing.T) {
	if c := NewCompressor(0); c.Bitrate != DefaultBitrate {
		t.Errorf("Expected default bitrate %d, got %d", DefaultBitrate, c.Bitrate)
	}
	if c := NewCompressor(32000); c.Bitrate != 32000 {
		t.Errorf("Expected bitrate 32000, got %d", c.Bitrate)
	}
}

func TestNewEncoderRejectsRate(t *testing.T) {
	if _, err := NewCompressor(0).NewEncoder(44100); err == nil {
		t.Error("Expected error for 44.1 kHz")
	}
}

func TestEncodeDecode(t *testing.T) {
	const rate = 16000

	enc, err := NewCompressor(0).NewEncoder(rate)
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}
	defer enc.Close()

	if enc.FrameSamples() != 320 {
		t.Fatalf("Expected 320 samples per frame, got %d", enc.FrameSamples())
	}

	packets, err := stage.EncodePackets(enc, sineFrame(rate, rate))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if len(packets) != 50 {
		t.Fatalf("Expected 50 packets for one second, got %d", len(packets))
	}

	dec, err := NewDecoder(rate)
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}

	pcm, err := dec.Decode(packets[0])
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(pcm) != 320 {
		t.Errorf("Expected 320 decoded samples, got %d", len(pcm))
	}
}

func TestEncodeWrongFrameSize(t *testing.T) {
	enc, err := NewCompressor(0).NewEncoder(16000)
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	if _, err := enc.Encode(make([]int16, 100)); err == nil {
		t.Error("Expected error for short frame")
	}

	enc.Close()
	if _, err := enc.Encode(make([]int16, 320)); err == nil {
		t.Error("Expected error after close")
	}
}
