package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Buffer accumulates cleaned PCM16 audio for one flow until it is flushed.
// Access is serialized by the owning flow session.
type Buffer struct {
	sampleRate int
	samples    []int16

	// Statistics
	appends    uint64
	lastAppend time.Time
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Samples  int     `json:"samples"`
	Seconds  float64 `json:"seconds"`
	Appends  uint64  `json:"appends"`
	LastSeen string  `json:"last_append,omitempty"`
}

// NewBuffer creates an empty accumulation buffer
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		samples:    make([]int16, 0, sampleRate*2), // Pre-allocate two seconds
	}
}

// Append copies samples onto the end of the buffer
func (b *Buffer) Append(samples []int16) {
	if len(samples) == 0 {
		return
	}
	b.samples = append(b.samples, samples...)
	b.appends++
	b.lastAppend = time.Now()
}

// Samples returns the accumulated audio. The slice is owned by the buffer
// and is only valid until the next Append or Reset.
func (b *Buffer) Samples() []int16 {
	return b.samples
}

// Len returns the number of buffered samples
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Duration returns the buffered audio length
func (b *Buffer) Duration() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.sampleRate)
}

// Reset empties the buffer and releases its storage
func (b *Buffer) Reset() {
	b.samples = nil
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	stats := BufferStats{
		Samples: len(b.samples),
		Seconds: b.Duration().Seconds(),
		Appends: b.appends,
	}
	if !b.lastAppend.IsZero() {
		stats.LastSeen = b.lastAppend.Format(time.RFC3339)
	}
	return stats
}

// BytesToSamples converts little-endian PCM16 bytes to samples
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes converts samples to little-endian PCM16 bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// SplitFrames cuts samples into consecutive frames of frameSamples. The last
// frame may be shorter. The frames alias the input slice.
func SplitFrames(samples []int16, frameSamples int) [][]int16 {
	if len(samples) == 0 {
		return nil
	}
	if frameSamples <= 0 {
		return [][]int16{samples}
	}

	frames := make([][]int16, 0, (len(samples)+frameSamples-1)/frameSamples)
	for start := 0; start < len(samples); start += frameSamples {
		end := start + frameSamples
		if end > len(samples) {
			end = len(samples)
		}
		frames = append(frames, samples[start:end])
	}
	return frames
}
