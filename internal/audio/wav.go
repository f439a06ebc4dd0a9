package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const wavHeaderSize = 44

var (
	// ErrNotWAV is returned when data lacks the RIFF/WAVE signature
	ErrNotWAV = errors.New("not a RIFF/WAVE stream")
	// ErrUnsupportedWAV is returned for anything other than 16-bit PCM
	ErrUnsupportedWAV = errors.New("unsupported WAV encoding")
)

// WAVInfo describes a parsed WAV stream
type WAVInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	DataSize      int           `json:"data_size_bytes"`
	Duration      time.Duration `json:"duration"`
}

// EncodeWAV wraps little-endian PCM16 mono bytes in a canonical 44-byte WAV
// header
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)

	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], 1) // PCM
	le.PutUint16(out[22:24], channels)
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(sampleRate*blockAlign))
	le.PutUint16(out[32:34], blockAlign)
	le.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)

	return out, nil
}

// ParseWAV walks the RIFF chunks of a 16-bit PCM WAV stream and returns its
// format together with the data chunk payload. Unknown chunks are skipped.
func ParseWAV(data []byte) (*WAVInfo, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, nil, ErrNotWAV
	}

	le := binary.LittleEndian
	var info *WAVInfo
	pos := 12

	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(le.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, nil, fmt.Errorf("truncated fmt chunk")
			}
			if format := le.Uint16(data[body : body+2]); format != 1 {
				return nil, nil, fmt.Errorf("%w: format tag %d", ErrUnsupportedWAV, format)
			}
			info = &WAVInfo{
				Channels:      int(le.Uint16(data[body+2 : body+4])),
				SampleRate:    int(le.Uint32(data[body+4 : body+8])),
				BitsPerSample: int(le.Uint16(data[body+14 : body+16])),
			}
			if info.BitsPerSample != 16 {
				return nil, nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedWAV, info.BitsPerSample)
			}

		case "data":
			if info == nil {
				return nil, nil, fmt.Errorf("data chunk before fmt chunk")
			}
			end := body + size
			if end > len(data) {
				// Streams written before the final size is known
				end = len(data)
			}
			payload := data[body:end]
			info.DataSize = len(payload)
			if info.SampleRate > 0 && info.Channels > 0 {
				frames := len(payload) / (2 * info.Channels)
				info.Duration = time.Duration(frames) * time.Second / time.Duration(info.SampleRate)
			}
			return info, payload, nil
		}

		// Chunks are word aligned
		pos = body + size + size%2
	}

	return nil, nil, fmt.Errorf("missing data chunk")
}
