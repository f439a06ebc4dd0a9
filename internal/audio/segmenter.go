package audio

// SegmenterState represents the current state of the segmentation process
type SegmenterState int

const (
	SegmenterIdle SegmenterState = iota
	SegmenterInSegment
)

// String returns the lowercase state name used in logs and stats
func (s SegmenterState) String() string {
	switch s {
	case SegmenterIdle:
		return "idle"
	case SegmenterInSegment:
		return "in_segment"
	default:
		return "unknown"
	}
}

// SegmenterConfig contains configuration for the segmentation process
type SegmenterConfig struct {
	SampleRate int // Hz
	ChunkMs    int // frame duration
	PadStartMs int // pre-roll duration
	PadEndMs   int // post-roll (hangover) duration
}

// ChunkSamples returns the number of samples in one full frame
func (c SegmenterConfig) ChunkSamples() int {
	return c.SampleRate * c.ChunkMs / 1000
}

// PadStartFrames returns the pre-roll capacity in frames
func (c SegmenterConfig) PadStartFrames() int {
	if c.ChunkMs <= 0 || c.PadStartMs <= 0 {
		return 0
	}
	return c.PadStartMs / c.ChunkMs
}

// PadEndFrames returns the hangover length in frames
func (c SegmenterConfig) PadEndFrames() int {
	if c.ChunkMs <= 0 || c.PadEndMs <= 0 {
		return 0
	}
	return c.PadEndMs / c.ChunkMs
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State             string `json:"state"`
	FramesAccepted    uint64 `json:"frames_accepted"`
	SpeechFrames      uint64 `json:"speech_frames"`
	SegmentsFinalized uint64 `json:"segments_finalized"`
	PendingSegments   int    `json:"pending_segments"`
	CurrentFrames     int    `json:"current_segment_frames"`
}

// Segmenter turns a stream of frames with external speech decisions into
// padded utterance segments. It performs no I/O and is not safe for
// concurrent use; the owning flow serializes access.
type Segmenter struct {
	config         SegmenterConfig
	padStartFrames int
	padEndFrames   int

	state    SegmenterState
	preRoll  *frameRing
	current  [][]int16
	final    [][]int16
	hangover int

	// Statistics
	framesAccepted    uint64
	speechFrames      uint64
	segmentsFinalized uint64
}

// NewSegmenter creates a new segmenter in the idle state
func NewSegmenter(config SegmenterConfig) *Segmenter {
	padStart := config.PadStartFrames()
	return &Segmenter{
		config:         config,
		padStartFrames: padStart,
		padEndFrames:   config.PadEndFrames(),
		state:          SegmenterIdle,
		preRoll:        newFrameRing(padStart),
	}
}

// Accept consumes one frame and its speech decision. An empty frame is
// ignored.
func (s *Segmenter) Accept(frame []int16, isSpeech bool) {
	if len(frame) == 0 {
		return
	}

	// The segmenter owns every frame it retains
	f := make([]int16, len(frame))
	copy(f, frame)

	s.framesAccepted++
	if isSpeech {
		s.speechFrames++
	}

	if s.state == SegmenterIdle && s.padStartFrames > 0 {
		s.preRoll.push(f)
	}

	switch s.state {
	case SegmenterIdle:
		if !isSpeech {
			return
		}
		if s.preRoll.len() > 0 {
			s.current = append(s.current, s.preRoll.drain()...)
		} else {
			s.current = append(s.current, f)
		}
		s.state = SegmenterInSegment
		s.hangover = s.padEndFrames

	case SegmenterInSegment:
		if isSpeech {
			s.current = append(s.current, f)
			s.hangover = s.padEndFrames
			return
		}

		// Tolerate brief gaps until the hangover is exhausted
		if s.hangover > 0 {
			s.current = append(s.current, f)
			s.hangover--
			return
		}

		s.finalizeCurrent()
	}
}

// Drain returns all finalized segments concatenated in arrival order and
// clears them. Returns nil when nothing is pending.
func (s *Segmenter) Drain() []int16 {
	if len(s.final) == 0 {
		return nil
	}

	total := 0
	for _, seg := range s.final {
		total += len(seg)
	}

	out := make([]int16, 0, total)
	for _, seg := range s.final {
		out = append(out, seg...)
	}
	s.final = nil

	return out
}

// Flush force-finalizes the in-progress segment regardless of hangover and
// drains.
func (s *Segmenter) Flush() []int16 {
	if s.state == SegmenterInSegment {
		s.finalizeCurrent()
	}
	return s.Drain()
}

// State returns the current segmenter state
func (s *Segmenter) State() SegmenterState {
	return s.state
}

// Config returns the segmenter configuration
func (s *Segmenter) Config() SegmenterConfig {
	return s.config
}

// PendingSegments returns the number of finalized segments awaiting drain
func (s *Segmenter) PendingSegments() int {
	return len(s.final)
}

// Stats returns current segmenter statistics
func (s *Segmenter) Stats() SegmenterStats {
	return SegmenterStats{
		State:             s.state.String(),
		FramesAccepted:    s.framesAccepted,
		SpeechFrames:      s.speechFrames,
		SegmentsFinalized: s.segmentsFinalized,
		PendingSegments:   len(s.final),
		CurrentFrames:     len(s.current),
	}
}

// finalizeCurrent moves the in-progress segment to the finalized list
func (s *Segmenter) finalizeCurrent() {
	total := 0
	for _, f := range s.current {
		total += len(f)
	}

	seg := make([]int16, 0, total)
	for _, f := range s.current {
		seg = append(seg, f...)
	}

	s.final = append(s.final, seg)
	s.segmentsFinalized++

	s.current = nil
	s.hangover = 0
	s.state = SegmenterIdle
}

// frameRing is a bounded FIFO of frames; pushing into a full ring evicts
// the oldest frame.
type frameRing struct {
	frames [][]int16
	start  int
	count  int
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 0 {
		capacity = 0
	}
	return &frameRing{frames: make([][]int16, capacity)}
}

func (r *frameRing) push(f []int16) {
	if len(r.frames) == 0 {
		return
	}
	if r.count < len(r.frames) {
		r.frames[(r.start+r.count)%len(r.frames)] = f
		r.count++
		return
	}
	r.frames[r.start] = f
	r.start = (r.start + 1) % len(r.frames)
}

func (r *frameRing) len() int {
	return r.count
}

// drain returns the frames oldest first and empties the ring
func (r *frameRing) drain() [][]int16 {
	out := make([][]int16, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.frames)
		out = append(out, r.frames[idx])
		r.frames[idx] = nil
	}
	r.start = 0
	r.count = 0
	return out
}
