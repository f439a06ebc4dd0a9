package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
	"github.com/skypro1111/vad-orchestrator/internal/vad"
)

// State is the lifecycle phase of a flow
type State int32

const (
	StateCreated State = iota
	StateAccumulating
	StateFlushing
	StateFlushed
	StateClosed
)

// String returns the state name used in logs and the monitoring API
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventSink receives the events of one flow
type EventSink interface {
	Emit(ctx context.Context, ev protocol.Event) error
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(ctx context.Context, ev protocol.Event) error

// Emit calls f
func (f SinkFunc) Emit(ctx context.Context, ev protocol.Event) error {
	return f(ctx, ev)
}

// Session is one live flow
type Session struct {
	ID         string
	DeviceID   string
	SampleRate int
	StartTime  time.Time

	state    atomic.Int32
	sink     EventSink
	finisher FlowFinisher
	idle     *IdleTimer

	// mu serializes the audio path: FeedFrame, the draining half of Flush
	// and resource release
	mu        sync.Mutex
	detector  vad.Detector
	segmenter *audio.Segmenter
	buffer    *audio.Buffer // cleaned utterance audio
	lidBuf    *audio.Buffer // Language-ID accumulator

	skipDenoise bool

	closeOnce sync.Once

	// infoMu guards the fields read by the monitoring API
	infoMu          sync.Mutex
	lastActivity    time.Time
	framesProcessed uint64
	speechFrames    uint64
	segments        uint64
	denoiseFailures uint64
	bufferedSamples int
	segmenterStats  audio.SegmenterStats
	bufferStats     audio.BufferStats
	detectorStats   *vad.DetectorStats
	eventsEmitted   uint64
	lastFlushReason FlushReason
}

// State returns the current lifecycle phase
func (s *Session) State() State {
	return State(s.state.Load())
}

// beginFlush moves the session into flushing. Only the first caller wins.
func (s *Session) beginFlush() bool {
	for {
		cur := State(s.state.Load())
		if cur != StateCreated && cur != StateAccumulating {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateFlushing)) {
			return true
		}
	}
}

// accepting reports whether frames may still be fed
func (s *Session) accepting() bool {
	st := s.State()
	return st == StateCreated || st == StateAccumulating
}

func (s *Session) touch() {
	s.idle.Reset()

	s.infoMu.Lock()
	s.lastActivity = time.Now()
	s.infoMu.Unlock()
}

// SessionInfo is a monitoring snapshot of a flow
type SessionInfo struct {
	FlowID          string               `json:"flow_id"`
	DeviceID        string               `json:"device_id,omitempty"`
	State           string               `json:"state"`
	SampleRate      int                  `json:"sample_rate"`
	StartTime       time.Time            `json:"start_time"`
	LastActivity    time.Time            `json:"last_activity"`
	Duration        time.Duration        `json:"duration"`
	FramesProcessed uint64               `json:"frames_processed"`
	SpeechFrames    uint64               `json:"speech_frames"`
	Segments        uint64               `json:"segments"`
	DenoiseFailures uint64               `json:"denoise_failures"`
	BufferedSeconds float64              `json:"buffered_seconds"`
	EventsEmitted   uint64               `json:"events_emitted"`
	IdleTimerArmed  bool                 `json:"idle_timer_armed"`
	FlushReason     string               `json:"flush_reason,omitempty"`
	Segmenter       audio.SegmenterStats `json:"segmenter"`
	Buffer          audio.BufferStats    `json:"buffer"`
	Detector        *vad.DetectorStats   `json:"detector,omitempty"`
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()

	info := SessionInfo{
		FlowID:          s.ID,
		DeviceID:        s.DeviceID,
		State:           s.State().String(),
		SampleRate:      s.SampleRate,
		StartTime:       s.StartTime,
		LastActivity:    s.lastActivity,
		Duration:        time.Since(s.StartTime),
		FramesProcessed: s.framesProcessed,
		SpeechFrames:    s.speechFrames,
		Segments:        s.segments,
		DenoiseFailures: s.denoiseFailures,
		EventsEmitted:   s.eventsEmitted,
		IdleTimerArmed:  s.idle.Active(),
		FlushReason:     string(s.lastFlushReason),
		Segmenter:       s.segmenterStats,
		Buffer:          s.bufferStats,
		Detector:        s.detectorStats,
	}
	if s.SampleRate > 0 {
		info.BufferedSeconds = float64(s.bufferedSamples) / float64(s.SampleRate)
	}
	return info
}

// snapshot copies audio path statistics for Info. Caller holds s.mu.
func (s *Session) snapshot() {
	stats := s.segmenter.Stats()
	bufferStats := s.buffer.GetStats()

	var detectorStats *vad.DetectorStats
	if d, ok := s.detector.(statsDetector); ok {
		ds := d.GetStats()
		detectorStats = &ds
	}

	s.infoMu.Lock()
	s.segmenterStats = stats
	s.bufferedSamples = bufferStats.Samples
	s.bufferStats = bufferStats
	s.detectorStats = detectorStats
	s.infoMu.Unlock()
}

// statsDetector is a Detector that reports its own statistics
type statsDetector interface {
	GetStats() vad.DetectorStats
}
