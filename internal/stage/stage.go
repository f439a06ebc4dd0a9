package stage

import (
	"context"
)

// Stage names used in errors, logs, spans and metrics
const (
	NameDenoise   = "denoise"
	NameLID       = "lid"
	NameCompress  = "compress"
	NameRecognize = "recognize"
)

// Audio is a PCM16 little-endian mono buffer with its sample rate
type Audio struct {
	PCM        []byte `json:"pcm"`
	SampleRate int    `json:"sample_rate"`
}

// Detection is a Language-ID answer. An empty Language means none was
// detected.
type Detection struct {
	Language string  `json:"language,omitempty"`
	Score    float64 `json:"score"`
}

// Detected reports whether a language was identified
func (d Detection) Detected() bool {
	return d.Language != ""
}

// Denoiser cleans audio. Calls are stateless.
type Denoiser interface {
	Clean(ctx context.Context, in Audio) (Audio, error)
}

// LanguageIdentifier detects the spoken language of a complete utterance
type LanguageIdentifier interface {
	Detect(ctx context.Context, in Audio) (Detection, error)
}

// Encoder turns fixed-size PCM frames into codec packets. One encoder serves
// one flow.
type Encoder interface {
	Encode(frame []int16) ([]byte, error)
	FrameSamples() int
	Codec() string
	Close() error
}

// Compressor creates per-flow encoders
type Compressor interface {
	NewEncoder(sampleRate int) (Encoder, error)
}

// RecognizeStart opens a recognition stream
type RecognizeStart struct {
	FlowID     string `json:"flow_id"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Language   string `json:"language,omitempty"`
}

// RecognizePacket carries one codec packet. Language is set on the first
// packet only.
type RecognizePacket struct {
	Seq      int    `json:"seq"`
	Data     []byte `json:"data"`
	Language string `json:"language,omitempty"`
}

// RecognizeResult is the terminal recognition answer
type RecognizeResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Packets    int     `json:"packets"`
	Bytes      int     `json:"bytes"`
}

// RecognizeStream is the client side of one recognition stream. The flow is
// its only writer.
type RecognizeStream interface {
	Send(pkt RecognizePacket) error
	// CloseAndRecv signals end of input and waits for the final result
	CloseAndRecv() (RecognizeResult, error)
	Close() error
}

// Recognizer opens recognition streams
type Recognizer interface {
	Open(ctx context.Context, start RecognizeStart) (RecognizeStream, error)
}

// Set bundles the stage clients shared by all flows. Denoiser may be nil, in
// which case audio is used as captured.
type Set struct {
	Denoiser   Denoiser
	LID        LanguageIdentifier
	Compressor Compressor
	Recognizer Recognizer
}

// EncodePackets splits samples into encoder-sized frames and encodes them in
// order. A trailing remainder shorter than one frame is dropped.
func EncodePackets(enc Encoder, samples []int16) ([][]byte, error) {
	size := enc.FrameSamples()
	if size <= 0 {
		return nil, &Error{Stage: NameCompress, Kind: KindInternal, Err: errInvalidFrameSize}
	}

	packets := make([][]byte, 0, len(samples)/size)
	for start := 0; start+size <= len(samples); start += size {
		pkt, err := enc.Encode(samples[start : start+size])
		if err != nil {
			return nil, Classify(NameCompress, err)
		}
		if len(pkt) == 0 {
			continue
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
