package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/chain"
	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
)

// Pusher delivers a WAV utterance to the Compress HTTP stage
type Pusher interface {
	Push(ctx context.Context, req *chain.PushRequest) (*chain.PushResult, error)
	// Budget bounds one Push including its retries
	Budget() time.Duration
}

// ChainSettings are the push options of a chain flow. Zero values fall back
// to the flow's own device id and the client's default URL.
type ChainSettings struct {
	DeviceID string
	URL      string
	Params   chain.Params
}

// ChainFinisher pushes the utterance as WAV to Compress and relays the
// stage's descriptor. Settings may change until the flow flushes.
type ChainFinisher struct {
	pusher  Pusher
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	settings ChainSettings
}

// NewChainFinisher creates a chain finisher with initial settings
func NewChainFinisher(pusher Pusher, settings ChainSettings, m *metrics.Metrics, logger *slog.Logger) *ChainFinisher {
	return &ChainFinisher{
		pusher:   pusher,
		metrics:  m,
		logger:   logger,
		settings: settings,
	}
}

// Configure applies fn to the current settings
func (f *ChainFinisher) Configure(fn func(*ChainSettings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.settings)
}

// Settings returns a copy of the current settings
func (f *ChainFinisher) Settings() ChainSettings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.settings
}

// Open returns the finisher itself; it keeps no per-flow resources
func (f *ChainFinisher) Open(FlowInfo) (FlowFinisher, error) {
	return f, nil
}

// EndStage labels chain events with the VAD stage
func (f *ChainFinisher) EndStage() string {
	return protocol.StageVAD
}

// Timeout lets a push run through all of its retries
func (f *ChainFinisher) Timeout() time.Duration {
	return f.pusher.Budget()
}

// Close is a no-op
func (f *ChainFinisher) Close() error {
	return nil
}

// Finish pushes the utterance. A failed push is reported inside the
// descriptor and does not abort the flush.
func (f *ChainFinisher) Finish(ctx context.Context, u *Utterance, emit Emit) error {
	settings := f.Settings()

	deviceID := settings.DeviceID
	if deviceID == "" {
		deviceID = u.DeviceID
	}
	params := settings.Params
	if params.TargetSR == 0 {
		params.TargetSR = u.SampleRate
	}

	wav, err := audio.EncodeWAV(audio.SamplesToBytes(u.Samples), u.SampleRate)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVADRuntime)
	}

	ctx, span := startSpan(ctx, "flow.chain_push", u.FlowID)
	start := time.Now()

	result, pushErr := f.pusher.Push(ctx, &chain.PushRequest{
		URL:      settings.URL,
		FlowID:   u.FlowID,
		DeviceID: deviceID,
		WAV:      wav,
		Params:   params,
	})
	elapsed := time.Since(start)
	endSpan(span, pushErr)

	var descriptor json.RawMessage
	if pushErr != nil {
		f.metrics.RecordChainPush("failure", elapsed.Seconds())
		f.logger.Error("Compress push failed",
			slog.String("flow_id", u.FlowID),
			slog.String("device_id", deviceID),
			slog.String("error", pushErr.Error()),
		)
		descriptor, err = json.Marshal(chain.Descriptor{
			Status: "error",
			Code:   string(errorsx.ReasonChainCompressFailed),
			Msg:    pushErr.Error(),
		})
		if err != nil {
			return err
		}
	} else {
		f.metrics.RecordChainPush("success", elapsed.Seconds())
		f.logger.Info("Compress push completed",
			slog.String("flow_id", u.FlowID),
			slog.String("device_id", deviceID),
			slog.String("request_id", result.RequestID),
			slog.Int("wav_bytes", len(wav)),
			slog.Duration("elapsed", elapsed),
		)
		descriptor = result.Descriptor
	}

	emit(protocol.Result(u.FlowID))
	emit(protocol.Compress(u.FlowID, descriptor))
	return nil
}
