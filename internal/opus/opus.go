package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/skypro1111/vad-orchestrator/internal/stage"
)

// Codec is the codec name announced to the Recognize stage
const Codec = "opus"

const (
	frameMs     = 20
	channels    = 1
	maxPacketSz = 4000 // libopus recommended upper bound
)

// DefaultBitrate is the encoder target in bits per second
const DefaultBitrate = 20000

// Compressor creates Opus encoders for flows
type Compressor struct {
	Bitrate int
}

// NewCompressor creates a compressor with the given bitrate. A bitrate of
// zero selects DefaultBitrate.
func NewCompressor(bitrate int) *Compressor {
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	return &Compressor{Bitrate: bitrate}
}

// FrameSamples returns the samples in one 20 ms frame at sampleRate
func FrameSamples(sampleRate int) int {
	return sampleRate * frameMs / 1000
}

// ValidSampleRate reports whether libopus accepts the rate
func ValidSampleRate(sampleRate int) bool {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// NewEncoder creates a per-flow encoder
func (c *Compressor) NewEncoder(sampleRate int) (stage.Encoder, error) {
	if !ValidSampleRate(sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", sampleRate)
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	enc.SetBitrate(c.Bitrate)

	return &Encoder{
		enc:          enc,
		frameSamples: FrameSamples(sampleRate),
	}, nil
}

// Encoder wraps a gopus encoder for a single flow. Opus keeps inter-frame
// state, so an encoder is never shared between flows.
type Encoder struct {
	enc          *gopus.Encoder
	frameSamples int
	packets      int
}

// Encode encodes exactly one frame
func (e *Encoder) Encode(frame []int16) ([]byte, error) {
	if e.enc == nil {
		return nil, fmt.Errorf("opus: encoder closed")
	}
	if len(frame) != e.frameSamples {
		return nil, fmt.Errorf("opus: frame has %d samples, want %d", len(frame), e.frameSamples)
	}

	pkt, err := e.enc.Encode(frame, e.frameSamples, maxPacketSz)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	e.packets++
	return pkt, nil
}

// FrameSamples returns the samples per frame
func (e *Encoder) FrameSamples() int {
	return e.frameSamples
}

// Codec returns the codec name
func (e *Encoder) Codec() string {
	return Codec
}

// Packets returns the number of packets produced
func (e *Encoder) Packets() int {
	return e.packets
}

// Close releases the encoder. libopus state is freed by the gopus finalizer.
func (e *Encoder) Close() error {
	e.enc = nil
	return nil
}

// Decoder wraps a gopus decoder; used by the stub Recognize stage to measure
// received audio
type Decoder struct {
	dec          *gopus.Decoder
	frameSamples int
}

// NewDecoder creates a mono decoder
func NewDecoder(sampleRate int) (*Decoder, error) {
	if !ValidSampleRate(sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", sampleRate)
	}

	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, frameSamples: FrameSamples(sampleRate)}, nil
}

// Decode decodes one packet into PCM samples
func (d *Decoder) Decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, d.frameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}
