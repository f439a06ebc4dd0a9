package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/vad-orchestrator/internal/audio"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
	"github.com/skypro1111/vad-orchestrator/internal/stage"
	"github.com/skypro1111/vad-orchestrator/internal/vad"
)

const testChunkSamples = 320

var testSegmenterConfig = audio.SegmenterConfig{
	SampleRate: 16000,
	ChunkMs:    20,
	PadStartMs: 100,
	PadEndMs:   80,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// markerDetector treats a frame as speech when its first sample is non-zero
type markerDetector struct{}

func (markerDetector) IsSpeech(frame []int16) bool {
	return len(frame) > 0 && frame[0] != 0
}

func markerFactory() vad.Factory {
	return func() vad.Detector { return markerDetector{} }
}

// frames builds count frames filled with marker
func frames(count int, marker int16) []byte {
	samples := make([]int16, count*testChunkSamples)
	for i := range samples {
		samples[i] = marker
	}
	return audio.SamplesToBytes(samples)
}

// callLog records the order of stage calls across fakes
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeDenoiser struct {
	log *callLog
	err error
}

func (d *fakeDenoiser) Clean(_ context.Context, in stage.Audio) (stage.Audio, error) {
	d.log.add("denoise")
	if d.err != nil {
		return stage.Audio{}, d.err
	}
	return in, nil
}

type fakeLID struct {
	log       *callLog
	detection stage.Detection
	err       error
	block     chan struct{} // when set, Detect waits for it to close
	entered   chan struct{} // closed when Detect is first entered

	mu      sync.Mutex
	samples int
	once    sync.Once
}

func (l *fakeLID) Detect(ctx context.Context, in stage.Audio) (stage.Detection, error) {
	l.log.add("lid")
	if l.entered != nil {
		l.once.Do(func() { close(l.entered) })
	}
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return stage.Detection{}, ctx.Err()
		}
	}

	l.mu.Lock()
	l.samples = len(in.PCM) / 2
	l.mu.Unlock()

	if l.err != nil {
		return stage.Detection{}, l.err
	}
	return l.detection, nil
}

type fakeCompressor struct {
	log *callLog
	err error

	mu       sync.Mutex
	encoders int
	closed   int
}

func (c *fakeCompressor) NewEncoder(int) (stage.Encoder, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	c.encoders++
	c.mu.Unlock()
	return &fakeEncoder{parent: c}, nil
}

func (c *fakeCompressor) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeEncoder struct {
	parent *fakeCompressor
}

func (e *fakeEncoder) Encode(frame []int16) ([]byte, error) {
	e.parent.log.add("encode")
	return audio.SamplesToBytes(frame[:1]), nil
}

func (e *fakeEncoder) FrameSamples() int { return testChunkSamples }
func (e *fakeEncoder) Codec() string     { return "fake" }

func (e *fakeEncoder) Close() error {
	e.parent.mu.Lock()
	e.parent.closed++
	e.parent.mu.Unlock()
	return nil
}

type fakeRecognizer struct {
	log     *callLog
	openErr error
	sendErr error

	mu      sync.Mutex
	starts  []stage.RecognizeStart
	packets []stage.RecognizePacket
}

func (r *fakeRecognizer) Open(_ context.Context, start stage.RecognizeStart) (stage.RecognizeStream, error) {
	r.log.add("open")
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.mu.Lock()
	r.starts = append(r.starts, start)
	r.mu.Unlock()
	return &fakeStream{parent: r}, nil
}

func (r *fakeRecognizer) received() ([]stage.RecognizeStart, []stage.RecognizePacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stage.RecognizeStart(nil), r.starts...), append([]stage.RecognizePacket(nil), r.packets...)
}

type fakeStream struct {
	parent *fakeRecognizer
	count  int
}

func (s *fakeStream) Send(pkt stage.RecognizePacket) error {
	s.parent.log.add("send")
	if s.parent.sendErr != nil {
		return s.parent.sendErr
	}
	s.parent.mu.Lock()
	s.parent.packets = append(s.parent.packets, pkt)
	s.parent.mu.Unlock()
	s.count++
	return nil
}

func (s *fakeStream) CloseAndRecv() (stage.RecognizeResult, error) {
	s.parent.log.add("recv")
	return stage.RecognizeResult{Text: "hello", Confidence: 0.9, Packets: s.count}, nil
}

func (s *fakeStream) Close() error { return nil }

// recordingSink collects emitted events
type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSink) Emit(_ context.Context, ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) count(eventType string) int {
	n := 0
	for _, t := range s.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (s *recordingSink) find(eventType string) (protocol.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

// testRig wires an orchestrator to fake stages
type testRig struct {
	log        *callLog
	denoiser   *fakeDenoiser
	lid        *fakeLID
	compressor *fakeCompressor
	recognizer *fakeRecognizer
	finisher   *RecognitionFinisher
	metrics    *metrics.Metrics
	orch       *Orchestrator
}

func newTestRig(t *testing.T, idle time.Duration) *testRig {
	t.Helper()

	log := &callLog{}
	rig := &testRig{
		log:        log,
		denoiser:   &fakeDenoiser{log: log},
		lid:        &fakeLID{log: log, detection: stage.Detection{Language: "en", Score: 0.8}},
		compressor: &fakeCompressor{log: log},
		recognizer: &fakeRecognizer{log: log},
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
	}

	finisher, err := NewRecognitionFinisher(stage.Set{
		LID:        rig.lid,
		Compressor: rig.compressor,
		Recognizer: rig.recognizer,
	}, rig.metrics, testLogger())
	if err != nil {
		t.Fatalf("Failed to create finisher: %v", err)
	}
	rig.finisher = finisher

	orch, err := New(testLogger(), Config{
		Segmenter:    testSegmenterConfig,
		IdleFlush:    idle,
		FlushTimeout: 5 * time.Second,
	}, Deps{
		Detectors: markerFactory(),
		Denoiser:  rig.denoiser,
		Finisher:  finisher,
		Metrics:   rig.metrics,
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	t.Cleanup(func() { orch.Stop(context.Background()) })

	rig.orch = orch
	return rig
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v", timeout)
}

var errStageDown = errors.New("stage unavailable")
