package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
	"github.com/skypro1111/vad-orchestrator/internal/stage"
)

// FlowInfo identifies the flow a FlowFinisher is opened for
type FlowInfo struct {
	FlowID     string
	DeviceID   string
	SampleRate int
}

// Utterance is the audio a flush hands to a finisher
type Utterance struct {
	FlowID     string
	DeviceID   string
	SampleRate int

	// Samples is the cleaned audio accumulated since start, in order
	Samples []int16

	// LanguageAudio is the content of the Language-ID accumulator
	LanguageAudio []int16
}

// Duration returns the length of the utterance
func (u *Utterance) Duration() time.Duration {
	if u.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(u.Samples)) * time.Second / time.Duration(u.SampleRate)
}

// Emit writes one event to the flow's client
type Emit func(protocol.Event)

// Finisher opens the per-flow draining half of a flush
type Finisher interface {
	Open(info FlowInfo) (FlowFinisher, error)
}

// FlowFinisher drains a non-empty utterance. A nil return lets the
// orchestrator emit the terminal end event; an error aborts the flush and
// is reported with its reason code instead.
type FlowFinisher interface {
	Finish(ctx context.Context, u *Utterance, emit Emit) error
	// EndStage labels the flow's no_voice and end events
	EndStage() string
	// Timeout is the least time a flush must allow Finish, 0 leaves the
	// orchestrator's FlushTimeout in charge
	Timeout() time.Duration
	Close() error
}

// RecognitionFinisher runs Language-ID, Compress and Recognize, in that
// order, over the whole utterance
type RecognitionFinisher struct {
	lid        stage.LanguageIdentifier
	compressor stage.Compressor
	recognizer stage.Recognizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRecognitionFinisher creates a finisher over the shared stage clients
func NewRecognitionFinisher(stages stage.Set, m *metrics.Metrics, logger *slog.Logger) (*RecognitionFinisher, error) {
	if stages.LID == nil || stages.Compressor == nil || stages.Recognizer == nil {
		return nil, errors.New("recognition finisher needs Language-ID, Compress and Recognize stages")
	}
	if m == nil {
		return nil, errors.New("metrics cannot be nil")
	}
	return &RecognitionFinisher{
		lid:        stages.LID,
		compressor: stages.Compressor,
		recognizer: stages.Recognizer,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Open creates the flow's encoder
func (f *RecognitionFinisher) Open(info FlowInfo) (FlowFinisher, error) {
	enc, err := f.compressor.NewEncoder(info.SampleRate)
	if err != nil {
		return nil, errorsx.Wrap(stage.Classify(stage.NameCompress, err), errorsx.ReasonStageCompress)
	}
	return &recognitionFlow{parent: f, encoder: enc}, nil
}

type recognitionFlow struct {
	parent  *RecognitionFinisher
	encoder stage.Encoder
}

func (r *recognitionFlow) EndStage() string {
	return protocol.StageOrchestrator
}

func (r *recognitionFlow) Timeout() time.Duration {
	return 0
}

func (r *recognitionFlow) Close() error {
	return r.encoder.Close()
}

func (r *recognitionFlow) Finish(ctx context.Context, u *Utterance, emit Emit) error {
	f := r.parent
	logger := f.logger.With(slog.String("flow_id", u.FlowID))

	// Language must be resolved before any packet reaches Recognize
	detection := r.detect(ctx, u, logger)

	packets, err := r.compress(ctx, u)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStageCompress)
	}

	result, err := r.recognize(ctx, u, detection.Language, packets)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStageRecognize)
	}

	logger.Info("Recognition completed",
		slog.String("language", detection.Language),
		slog.Int("packets", len(packets)),
		slog.Float64("utterance_seconds", u.Duration().Seconds()),
		slog.Int("text_length", len(result.Text)),
	)

	if detection.Detected() {
		emit(protocol.Language(u.FlowID, detection.Language, detection.Score))
	}
	emit(protocol.ASRFinal(u.FlowID, result.Text, result.Confidence))

	return nil
}

// detect calls Language-ID once. Failures degrade to no language.
func (r *recognitionFlow) detect(ctx context.Context, u *Utterance, logger *slog.Logger) stage.Detection {
	if len(u.LanguageAudio) == 0 {
		return stage.Detection{}
	}

	f := r.parent
	ctx, span := startSpan(ctx, "flow.lid", u.FlowID)
	start := time.Now()

	detection, err := f.lid.Detect(ctx, stage.Audio{
		PCM:        audio.SamplesToBytes(u.LanguageAudio),
		SampleRate: u.SampleRate,
	})
	f.metrics.RecordStageCall(stage.NameLID, time.Since(start).Seconds())
	endSpan(span, err)

	if err != nil {
		err = stage.Classify(stage.NameLID, err)
		f.metrics.RecordStageFailure(stage.NameLID, string(kindOf(err)))
		logger.Warn("Language detection failed, continuing without language",
			slog.String("error", err.Error()),
		)
		return stage.Detection{}
	}

	logger.Debug("Language detected",
		slog.String("language", detection.Language),
		slog.Float64("score", detection.Score),
	)
	return detection
}

func (r *recognitionFlow) compress(ctx context.Context, u *Utterance) ([][]byte, error) {
	f := r.parent
	_, span := startSpan(ctx, "flow.compress", u.FlowID)
	start := time.Now()

	packets, err := stage.EncodePackets(r.encoder, u.Samples)
	f.metrics.RecordStageCall(stage.NameCompress, time.Since(start).Seconds())
	endSpan(span, err)

	if err != nil {
		f.metrics.RecordStageFailure(stage.NameCompress, string(kindOf(err)))
		return nil, err
	}
	return packets, nil
}

// recognize streams packets in order; only the first carries the language
func (r *recognitionFlow) recognize(ctx context.Context, u *Utterance, language string, packets [][]byte) (stage.RecognizeResult, error) {
	f := r.parent
	ctx, span := startSpan(ctx, "flow.recognize", u.FlowID)
	start := time.Now()

	result, err := r.stream(ctx, u, language, packets)
	f.metrics.RecordStageCall(stage.NameRecognize, time.Since(start).Seconds())
	endSpan(span, err)

	if err != nil {
		err = stage.Classify(stage.NameRecognize, err)
		f.metrics.RecordStageFailure(stage.NameRecognize, string(kindOf(err)))
		return stage.RecognizeResult{}, err
	}
	f.metrics.RecordPacketsSent(len(packets))
	return result, nil
}

func (r *recognitionFlow) stream(ctx context.Context, u *Utterance, language string, packets [][]byte) (stage.RecognizeResult, error) {
	stream, err := r.parent.recognizer.Open(ctx, stage.RecognizeStart{
		FlowID:     u.FlowID,
		Codec:      r.encoder.Codec(),
		SampleRate: u.SampleRate,
		Language:   language,
	})
	if err != nil {
		return stage.RecognizeResult{}, err
	}
	defer stream.Close()

	for i, data := range packets {
		pkt := stage.RecognizePacket{Seq: i, Data: data}
		if i == 0 {
			pkt.Language = language
		}
		if err := stream.Send(pkt); err != nil {
			return stage.RecognizeResult{}, err
		}
	}

	return stream.CloseAndRecv()
}

// kindOf extracts the failure kind of a classified stage error
func kindOf(err error) stage.Kind {
	var se *stage.Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return stage.KindInternal
}
