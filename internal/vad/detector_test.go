package vad

import (
	"math"
	"testing"
)

func constantFrame(value int16, n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"threshold too high", Config{Threshold: 1.5, FullScale: 3000, Smoothing: 0.5}, true},
		{"negative threshold", Config{Threshold: -0.1, FullScale: 3000, Smoothing: 0.5}, true},
		{"zero full scale", Config{Threshold: 0.5, FullScale: 0, Smoothing: 0.5}, true},
		{"zero smoothing", Config{Threshold: 0.5, FullScale: 3000, Smoothing: 0}, true},
		{"no smoothing", Config{Threshold: 0.5, FullScale: 3000, Smoothing: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("Expected 0 for empty frame, got %f", got)
	}

	if got := RMS(constantFrame(1000, 320)); math.Abs(got-1000) > 1e-9 {
		t.Errorf("Expected 1000, got %f", got)
	}

	alternating := []int16{3, -3, 3, -3}
	if got := RMS(alternating); math.Abs(got-3) > 1e-9 {
		t.Errorf("Expected 3, got %f", got)
	}
}

func TestEnergyDetectorDecisions(t *testing.T) {
	config := DefaultConfig()
	config.Smoothing = 1 // Decisions follow each frame exactly

	detector, err := NewEnergyDetector(config)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	tests := []struct {
		name  string
		frame []int16
		want  bool
	}{
		{"silence", constantFrame(0, 320), false},
		{"quiet", constantFrame(500, 320), false},
		{"loud", constantFrame(8000, 320), true},
		{"at threshold", constantFrame(1440, 320), true},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detector.IsSpeech(tt.frame); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEnergyDetectorSmoothing(t *testing.T) {
	detector, err := NewEnergyDetector(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	loud := constantFrame(9000, 320)
	silent := constantFrame(0, 320)

	if !detector.IsSpeech(loud) {
		t.Fatal("Expected first loud frame to be speech")
	}

	// 0.5 after one silent frame, still above 0.48
	if !detector.IsSpeech(silent) {
		t.Error("Expected smoothing to carry speech over one silent frame")
	}

	if detector.IsSpeech(silent) {
		t.Error("Expected second silent frame to be non-speech")
	}

	stats := detector.GetStats()
	if stats.TotalFrames != 3 {
		t.Errorf("Expected 3 frames, got %d", stats.TotalFrames)
	}
	if stats.SpeechFrames != 2 {
		t.Errorf("Expected 2 speech frames, got %d", stats.SpeechFrames)
	}
	if stats.LastProbability != 0.25 {
		t.Errorf("Expected last probability 0.25, got %f", stats.LastProbability)
	}
}

func TestFactoryIsolation(t *testing.T) {
	factory, err := NewFactory(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create factory: %v", err)
	}

	a := factory()
	b := factory()

	a.IsSpeech(constantFrame(9000, 320))

	// b has no smoothing history from a
	if b.IsSpeech(constantFrame(0, 320)) {
		t.Error("Expected detectors from one factory to be independent")
	}

	if _, err := NewFactory(Config{}); err == nil {
		t.Error("Expected invalid config to be rejected")
	}
}
