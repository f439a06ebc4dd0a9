package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
	"github.com/skypro1111/vad-orchestrator/internal/stage"
	"github.com/skypro1111/vad-orchestrator/internal/vad"
)

// FlushReason records what triggered a flush
type FlushReason string

const (
	FlushExplicit   FlushReason = "explicit"
	FlushIdle       FlushReason = "idle"
	FlushDisconnect FlushReason = "disconnect"
	FlushShutdown   FlushReason = "shutdown"
)

// Flush outcomes reported in metrics
const (
	outcomeOK      = "ok"
	outcomeNoVoice = "no_voice"
	outcomeError   = "error"
)

// Config contains orchestrator configuration
type Config struct {
	Segmenter    audio.SegmenterConfig
	IdleFlush    time.Duration // 0 disables auto-flush
	MaxFlows     int           // 0 means unlimited
	FlushTimeout time.Duration // bounds one draining sequence, 0 means none; a finisher may extend it
}

// Deps are the collaborators shared by all flows
type Deps struct {
	Detectors vad.Factory
	Denoiser  stage.Denoiser // optional
	Finisher  Finisher       // default for flows that bring none
	Metrics   *metrics.Metrics
}

// StartParams are the per-flow options of Start
type StartParams struct {
	DeviceID    string
	SampleRate  int      // 0 selects the configured rate
	Finisher    Finisher // nil selects the orchestrator default
	SkipDenoise bool     // use captured audio even when Denoise is configured
}

// Orchestrator owns the live flow table
type Orchestrator struct {
	config    Config
	detectors vad.Factory
	denoiser  stage.Denoiser
	finisher  Finisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sessions map[string]*Session
	stopped  bool
	mu       sync.RWMutex

	// Idle flushes run on timer goroutines with the orchestrator's context
	ctx    context.Context
	cancel context.CancelFunc
	idleWG sync.WaitGroup
}

// New creates an orchestrator
func New(logger *slog.Logger, config Config, deps Deps) (*Orchestrator, error) {
	if config.Segmenter.ChunkSamples() <= 0 {
		return nil, fmt.Errorf("invalid segmenter config: %d Hz, %d ms", config.Segmenter.SampleRate, config.Segmenter.ChunkMs)
	}
	if deps.Detectors == nil {
		return nil, errors.New("detector factory cannot be nil")
	}
	if deps.Metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		config:    config,
		detectors: deps.Detectors,
		denoiser:  deps.Denoiser,
		finisher:  deps.Finisher,
		metrics:   deps.Metrics,
		logger:    logger,
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Config returns the orchestrator configuration
func (o *Orchestrator) Config() Config {
	return o.config
}

// Start creates a live flow. An id that is already live is rejected with
// ErrDuplicateFlow and the existing flow is left untouched.
func (o *Orchestrator) Start(ctx context.Context, flowID string, sink EventSink, params StartParams) (*Session, error) {
	if flowID == "" {
		return nil, errorsx.New(errorsx.ReasonBadRequest, "flow id cannot be empty")
	}
	if sink == nil {
		return nil, errorsx.New(errorsx.ReasonBadRequest, "event sink cannot be nil")
	}

	sampleRate := params.SampleRate
	if sampleRate == 0 {
		sampleRate = o.config.Segmenter.SampleRate
	}
	if sampleRate != o.config.Segmenter.SampleRate {
		o.metrics.RecordRejected("start", "bad_sample_rate")
		return nil, fmt.Errorf("%w: %d Hz, expected %d Hz", ErrBadSampleRate, sampleRate, o.config.Segmenter.SampleRate)
	}

	finisher := params.Finisher
	if finisher == nil {
		finisher = o.finisher
	}
	if finisher == nil {
		return nil, errorsx.New(errorsx.ReasonInternal, "no finisher configured")
	}

	// Fail fast before opening per-flow resources
	if _, exists := o.lookup(flowID); exists {
		return nil, o.rejectDuplicate(flowID)
	}

	flowFinisher, err := finisher.Open(FlowInfo{FlowID: flowID, DeviceID: params.DeviceID, SampleRate: sampleRate})
	if err != nil {
		o.metrics.RecordRejected("start", string(errorsx.Reason(err)))
		return nil, fmt.Errorf("failed to open flow stages: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           flowID,
		DeviceID:     params.DeviceID,
		SampleRate:   sampleRate,
		StartTime:    now,
		sink:         sink,
		finisher:     flowFinisher,
		detector:     o.detectors(),
		segmenter:    audio.NewSegmenter(o.config.Segmenter),
		buffer:       audio.NewBuffer(sampleRate),
		lidBuf:       audio.NewBuffer(sampleRate),
		skipDenoise:  params.SkipDenoise,
		lastActivity: now,
	}
	s.idle = NewIdleTimer(o.config.IdleFlush, func() { o.idleFlush(s) })

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		flowFinisher.Close()
		return nil, errorsx.New(errorsx.ReasonInternal, "orchestrator is stopped")
	}
	if _, exists := o.sessions[flowID]; exists {
		o.mu.Unlock()
		flowFinisher.Close()
		return nil, o.rejectDuplicate(flowID)
	}
	if o.config.MaxFlows > 0 && len(o.sessions) >= o.config.MaxFlows {
		o.mu.Unlock()
		flowFinisher.Close()
		o.metrics.RecordRejected("start", "too_many_flows")
		return nil, ErrTooManyFlows
	}
	o.sessions[flowID] = s
	active := len(o.sessions)
	o.mu.Unlock()

	s.idle.Reset()
	o.metrics.RecordFlowCreated(active)

	o.logger.Info("Created new flow",
		slog.String("flow_id", flowID),
		slog.String("device_id", params.DeviceID),
		slog.Int("sample_rate", sampleRate),
		slog.Int("active_flows", active),
	)

	return s, nil
}

func (o *Orchestrator) rejectDuplicate(flowID string) error {
	o.metrics.RecordRejected("start", "duplicate_flow")
	o.logger.Warn("Flow already active, start rejected",
		slog.String("flow_id", flowID),
	)
	return ErrDuplicateFlow
}

// FeedFrame runs one binary frame of PCM16 audio through detection,
// segmentation and Denoise. Recognition is deferred to Flush.
func (o *Orchestrator) FeedFrame(ctx context.Context, flowID string, raw []byte) error {
	s, ok := o.lookup(flowID)
	if !ok {
		o.metrics.RecordRejected("feed", "unknown_flow")
		o.logger.Warn("Frame for unknown flow ignored",
			slog.String("flow_id", flowID),
			slog.Int("bytes", len(raw)),
		)
		return ErrUnknownFlow
	}

	if !s.accepting() {
		o.metrics.RecordRejected("feed", "flushing")
		o.logger.Debug("Frame after flush began ignored",
			slog.String("flow_id", flowID),
		)
		return ErrFlowFlushing
	}

	samples, err := audio.BytesToSamples(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A flush may have started while this frame waited for the lock; once
	// it has, the idle timer must stay disarmed
	if !s.accepting() {
		o.metrics.RecordRejected("feed", "flushing")
		return ErrFlowFlushing
	}
	s.touch()

	if err != nil {
		o.metrics.RecordRejected("feed", "malformed_frame")
		o.logger.Warn("Malformed frame dropped",
			slog.String("flow_id", flowID),
			slog.Int("bytes", len(raw)),
		)
		o.emit(ctx, s, protocol.Error(flowID, string(errorsx.ReasonVADRuntime), err.Error()))
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	s.state.CompareAndSwap(int32(StateCreated), int32(StateAccumulating))

	var frames, speech uint64
	for _, frame := range audio.SplitFrames(samples, o.config.Segmenter.ChunkSamples()) {
		isSpeech := s.detector.IsSpeech(frame)
		s.segmenter.Accept(frame, isSpeech)

		o.metrics.RecordFrame(isSpeech)
		frames++
		if isSpeech {
			speech++
		}
	}

	var segments uint64
	if segment := s.segmenter.Drain(); segment != nil {
		segments++
		o.metrics.RecordSegments()
		o.absorb(ctx, s, segment)
	}

	s.infoMu.Lock()
	s.framesProcessed += frames
	s.speechFrames += speech
	s.segments += segments
	s.infoMu.Unlock()
	s.snapshot()

	return nil
}

// absorb denoises segment audio and appends it to the Language-ID
// accumulator and the utterance buffer. Caller holds s.mu.
func (o *Orchestrator) absorb(ctx context.Context, s *Session, segment []int16) {
	cleaned := o.denoise(ctx, s, segment)
	s.lidBuf.Append(cleaned)
	s.buffer.Append(cleaned)
}

// denoise cleans segment audio. Any failure falls back to the raw audio.
func (o *Orchestrator) denoise(ctx context.Context, s *Session, segment []int16) []int16 {
	if o.denoiser == nil || s.skipDenoise {
		return segment
	}

	ctx, span := startSpan(ctx, "flow.denoise", s.ID)
	start := time.Now()

	out, err := o.denoiser.Clean(ctx, stage.Audio{
		PCM:        audio.SamplesToBytes(segment),
		SampleRate: s.SampleRate,
	})
	o.metrics.RecordStageCall(stage.NameDenoise, time.Since(start).Seconds())

	var cleaned []int16
	if err == nil {
		if out.SampleRate != 0 && out.SampleRate != s.SampleRate {
			err = fmt.Errorf("denoise returned %d Hz audio for a %d Hz flow", out.SampleRate, s.SampleRate)
		} else {
			cleaned, err = audio.BytesToSamples(out.PCM)
		}
	}
	endSpan(span, err)

	if err != nil {
		err = stage.Classify(stage.NameDenoise, err)
		o.metrics.RecordStageFailure(stage.NameDenoise, string(kindOf(err)))

		s.infoMu.Lock()
		s.denoiseFailures++
		s.infoMu.Unlock()

		o.logger.Warn("Denoise failed, using raw audio",
			slog.String("flow_id", s.ID),
			slog.Int("samples", len(segment)),
			slog.String("error", err.Error()),
		)
		return segment
	}

	return cleaned
}

// Touch re-arms the idle timer of a flow on inbound control traffic
func (o *Orchestrator) Touch(flowID string) error {
	s, ok := o.lookup(flowID)
	if !ok {
		return ErrUnknownFlow
	}
	if !s.accepting() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepting() {
		s.touch()
	}
	return nil
}

// Flush drains a flow and destroys it. Concurrent and repeated calls run the
// draining sequence once; the losers return nil without emitting anything.
func (o *Orchestrator) Flush(ctx context.Context, flowID string, reason FlushReason) error {
	s, ok := o.lookup(flowID)
	if !ok {
		o.logger.Debug("Flush for unknown flow ignored",
			slog.String("flow_id", flowID),
			slog.String("reason", string(reason)),
		)
		return ErrUnknownFlow
	}
	return o.flushSession(ctx, s, reason)
}

func (o *Orchestrator) idleFlush(s *Session) {
	o.mu.RLock()
	if o.stopped {
		o.mu.RUnlock()
		return
	}
	o.idleWG.Add(1)
	o.mu.RUnlock()
	defer o.idleWG.Done()

	o.logger.Info("Flow idle, flushing",
		slog.String("flow_id", s.ID),
		slog.Duration("idle", o.config.IdleFlush),
	)
	o.flushSession(o.ctx, s, FlushIdle)
}

// flushTimeout is the configured bound, raised to what the flow's finisher needs
func (o *Orchestrator) flushTimeout(s *Session) time.Duration {
	timeout := o.config.FlushTimeout
	if timeout == 0 {
		return 0
	}
	if t := s.finisher.Timeout(); t > timeout {
		timeout = t
	}
	return timeout
}

func (o *Orchestrator) flushSession(ctx context.Context, s *Session, reason FlushReason) error {
	if !s.beginFlush() {
		o.logger.Debug("Flush already handled",
			slog.String("flow_id", s.ID),
			slog.String("reason", string(reason)),
			slog.String("state", s.State().String()),
		)
		return nil
	}

	s.idle.Stop()

	s.infoMu.Lock()
	s.lastFlushReason = reason
	s.infoMu.Unlock()

	if timeout := o.flushTimeout(s); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := startSpan(ctx, "flow.flush", s.ID)
	start := time.Now()

	// Waits for an in-flight FeedFrame to finish
	s.mu.Lock()
	utteranceSeconds, outcome, err := o.drain(ctx, s)
	s.snapshot()
	s.mu.Unlock()

	endSpan(span, err)
	s.state.CompareAndSwap(int32(StateFlushing), int32(StateFlushed))
	o.metrics.RecordFlush(string(reason), outcome, utteranceSeconds)

	logAttrs := []any{
		slog.String("flow_id", s.ID),
		slog.String("reason", string(reason)),
		slog.String("outcome", outcome),
		slog.Float64("utterance_seconds", utteranceSeconds),
		slog.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		o.logger.Error("Flow flush failed", append(logAttrs, slog.String("error", err.Error()))...)
	} else {
		o.logger.Info("Flow flushed", logAttrs...)
	}

	o.destroy(s)
	return err
}

// drain runs the ordered draining sequence. Caller holds s.mu.
func (o *Orchestrator) drain(ctx context.Context, s *Session) (float64, string, error) {
	if tail := s.segmenter.Flush(); tail != nil {
		o.metrics.RecordSegments()
		s.infoMu.Lock()
		s.segments++
		s.infoMu.Unlock()
		o.absorb(ctx, s, tail)
	}

	endStage := s.finisher.EndStage()

	if s.buffer.Len() == 0 {
		s.lidBuf.Reset()
		o.emit(ctx, s, protocol.NoVoice(s.ID))
		o.emit(ctx, s, protocol.End(endStage, s.ID))
		return 0, outcomeNoVoice, nil
	}

	u := &Utterance{
		FlowID:        s.ID,
		DeviceID:      s.DeviceID,
		SampleRate:    s.SampleRate,
		Samples:       s.buffer.Samples(),
		LanguageAudio: s.lidBuf.Samples(),
	}
	s.lidBuf.Reset()
	utteranceSeconds := u.Duration().Seconds()

	err := s.finisher.Finish(ctx, u, func(ev protocol.Event) { o.emit(ctx, s, ev) })
	s.buffer.Reset()

	if err != nil {
		o.emit(ctx, s, protocol.Error(s.ID, string(errorsx.Reason(err)), err.Error()))
		return utteranceSeconds, outcomeError, err
	}

	o.emit(ctx, s, protocol.End(endStage, s.ID))
	return utteranceSeconds, outcomeOK, nil
}

// emit writes ev to the flow's sink unless the flow is closed
func (o *Orchestrator) emit(ctx context.Context, s *Session, ev protocol.Event) {
	if s.State() == StateClosed {
		o.logger.Debug("Event for closed flow dropped",
			slog.String("flow_id", s.ID),
			slog.String("event", ev.String()),
		)
		return
	}

	if err := s.sink.Emit(ctx, ev); err != nil {
		o.logger.Warn("Failed to emit event",
			slog.String("flow_id", s.ID),
			slog.String("event", ev.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	o.metrics.RecordEvent(ev.Type)
	s.infoMu.Lock()
	s.eventsEmitted++
	s.infoMu.Unlock()
}

// Close releases a flow's resources and removes it from the live table. It
// is safe whether or not the flow was flushed and reports whether a live
// flow was found.
func (o *Orchestrator) Close(flowID string) bool {
	o.mu.Lock()
	s, ok := o.sessions[flowID]
	if ok {
		delete(o.sessions, flowID)
	}
	o.mu.Unlock()

	if !ok {
		return false
	}

	o.release(s)
	return true
}

// destroy removes s from the table if it is still the live entry for its id
func (o *Orchestrator) destroy(s *Session) {
	o.mu.Lock()
	if cur, ok := o.sessions[s.ID]; ok && cur == s {
		delete(o.sessions, s.ID)
	}
	o.mu.Unlock()

	o.release(s)
}

// release closes the session once. A flush still draining keeps its
// resources until it finishes; its remaining events are dropped.
func (o *Orchestrator) release(s *Session) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.idle.Stop()

		s.mu.Lock()
		if err := s.finisher.Close(); err != nil {
			o.logger.Warn("Failed to release flow stages",
				slog.String("flow_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
		s.buffer.Reset()
		s.lidBuf.Reset()
		s.mu.Unlock()

		active := o.ActiveCount()
		o.metrics.RecordFlowClosed(active, time.Since(s.StartTime).Seconds())

		o.logger.Info("Flow closed",
			slog.String("flow_id", s.ID),
			slog.Duration("duration", time.Since(s.StartTime)),
			slog.Int("active_flows", active),
		)
	})
}

// Session returns a snapshot of one live flow
func (o *Orchestrator) Session(flowID string) (SessionInfo, bool) {
	s, ok := o.lookup(flowID)
	if !ok {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// Sessions returns snapshots of all live flows
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.RLock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// ActiveCount returns the number of live flows
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// Stop flushes and closes every live flow and rejects new ones
func (o *Orchestrator) Stop(ctx context.Context) {
	o.logger.Info("Stopping orchestrator...")

	o.mu.Lock()
	o.stopped = true
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			o.flushSession(ctx, s, FlushShutdown)
			o.destroy(s)
		}(s)
	}
	wg.Wait()

	// Idle flushes already running finish with the orchestrator context
	o.idleWG.Wait()
	o.cancel()

	o.logger.Info("Orchestrator stopped",
		slog.Int("flushed_flows", len(sessions)),
		slog.Int("remaining_flows", o.ActiveCount()),
	)
}

func (o *Orchestrator) lookup(flowID string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[flowID]
	return s, ok
}
