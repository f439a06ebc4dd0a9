package vad

import (
	"fmt"
	"math"
)

// Detector makes the per-frame speech decision consumed by the segmenter.
// Implementations keep per-flow state and are not shared between flows.
type Detector interface {
	IsSpeech(frame []int16) bool
}

// Factory creates a fresh Detector for a new flow
type Factory func() Detector

// Config contains energy detector settings
type Config struct {
	Threshold float64 // probability at or above which a frame is speech
	FullScale float64 // RMS level mapped to probability 1.0
	Smoothing float64 // weight of the newest frame, 1.0 disables smoothing
}

// DefaultConfig returns settings tuned for 16 kHz 20 ms frames
func DefaultConfig() Config {
	return Config{
		Threshold: 0.48,
		FullScale: 3000,
		Smoothing: 0.5,
	}
}

// Validate checks the detector configuration
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.FullScale <= 0 {
		return fmt.Errorf("full scale must be positive, got %f", c.FullScale)
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("smoothing must be in (0, 1], got %f", c.Smoothing)
	}
	return nil
}

// EnergyDetector is an RMS energy speech classifier with exponential
// smoothing of the per-frame probability
type EnergyDetector struct {
	config Config

	lastProbability float64
	primed          bool

	// Statistics
	totalFrames  uint64
	speechFrames uint64
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalFrames      uint64  `json:"total_frames"`
	SpeechFrames     uint64  `json:"speech_frames"`
	SpeechPercentage float64 `json:"speech_percentage"`
	LastProbability  float64 `json:"last_probability"`
	Threshold        float64 `json:"threshold"`
}

// NewEnergyDetector creates a new energy detector
func NewEnergyDetector(config Config) (*EnergyDetector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &EnergyDetector{config: config}, nil
}

// NewFactory returns a Factory producing energy detectors with config
func NewFactory(config Config) (Factory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return func() Detector {
		d, _ := NewEnergyDetector(config) // validated above
		return d
	}, nil
}

// Probability returns the smoothed speech probability for a frame and
// updates the detector state
func (d *EnergyDetector) Probability(frame []int16) float64 {
	p := RMS(frame) / d.config.FullScale
	if p > 1 {
		p = 1
	}

	if d.primed {
		p = d.config.Smoothing*p + (1-d.config.Smoothing)*d.lastProbability
	}
	d.lastProbability = p
	d.primed = true

	return p
}

// IsSpeech reports whether the frame is speech
func (d *EnergyDetector) IsSpeech(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}

	speech := d.Probability(frame) >= d.config.Threshold

	d.totalFrames++
	if speech {
		d.speechFrames++
	}
	return speech
}

// GetStats returns current detector statistics
func (d *EnergyDetector) GetStats() DetectorStats {
	percentage := float64(0)
	if d.totalFrames > 0 {
		percentage = float64(d.speechFrames) / float64(d.totalFrames) * 100
	}

	return DetectorStats{
		TotalFrames:      d.totalFrames,
		SpeechFrames:     d.speechFrames,
		SpeechPercentage: percentage,
		LastProbability:  d.lastProbability,
		Threshold:        d.config.Threshold,
	}
}

// RMS returns the root mean square level of a frame in sample units
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(frame)))
}
