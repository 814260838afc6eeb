package audio

import (
	"sync"
	"time"
)

// SegmentState represents the current state of utterance segmentation
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateWaitingSilence
)

func (s SegmentState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateWaitingSilence:
		return "waiting_silence"
	default:
		return "idle"
	}
}

// Utterance is a span of speech cut out of an input stream, ready for transcription
type Utterance struct {
	Index      uint64        `json:"index"`
	SampleRate int           `json:"sample_rate"`
	Samples    []int16       `json:"-"`
	Duration   time.Duration `json:"duration"`
	Speech     time.Duration `json:"speech"`
	Confidence float32       `json:"confidence"` // Average VAD confidence
}

// SegmenterConfig contains configuration for utterance segmentation
type SegmenterConfig struct {
	SampleRate         int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	MaxDuration        time.Duration
	// PreRoll keeps this much audio from before speech onset.
	PreRoll time.Duration
}

// Segmenter cuts a stream of VAD-classified windows into utterances. Time is
// measured in samples, so results do not depend on when windows arrive.
type Segmenter struct {
	config SegmenterConfig
	state  SegmentState

	current []int16
	preroll []int16

	speechSamples  int
	silenceSamples int

	confidenceSum   float32
	confidenceCount int

	// Statistics
	utterances    uint64
	discarded     uint64
	totalDuration time.Duration

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State          string  `json:"state"`
	Utterances     uint64  `json:"utterances"`
	Discarded      uint64  `json:"discarded"`
	PendingSamples int     `json:"pending_samples"`
	AvgDuration    float64 `json:"avg_duration_sec"`
}

// NewSegmenter creates a new segmenter
func NewSegmenter(config SegmenterConfig) *Segmenter {
	return &Segmenter{
		config: config,
		state:  StateIdle,
	}
}

func (s *Segmenter) samplesFor(d time.Duration) int {
	return int(int64(d) * int64(s.config.SampleRate) / int64(time.Second))
}

func (s *Segmenter) durationOf(samples int) time.Duration {
	return time.Duration(int64(samples) * int64(time.Second) / int64(s.config.SampleRate))
}

// Push feeds one window of samples with its VAD decision. It returns a
// finished utterance when the window closes one, nil otherwise.
func (s *Segmenter) Push(window []int16, voice bool, confidence float32) *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if !voice {
			s.keepPreRoll(window)
			return nil
		}
		s.current = append(s.current[:0], s.preroll...)
		s.preroll = s.preroll[:0]
		s.current = append(s.current, window...)
		s.speechSamples = len(window)
		s.silenceSamples = 0
		s.track(confidence)
		s.state = StateCollecting

	case StateCollecting, StateWaitingSilence:
		s.current = append(s.current, window...)
		s.track(confidence)
		if voice {
			s.speechSamples += len(window)
			s.silenceSamples = 0
			s.state = StateCollecting
		} else {
			s.silenceSamples += len(window)
			if s.silenceSamples >= s.samplesFor(s.config.MinSilenceDuration) {
				return s.finalize()
			}
			s.state = StateWaitingSilence
		}
	}

	if s.config.MaxDuration > 0 && len(s.current) >= s.samplesFor(s.config.MaxDuration) {
		return s.finalize()
	}
	return nil
}

// Flush finalizes whatever is being collected, e.g. when the input ends.
func (s *Segmenter) Flush() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return nil
	}
	return s.finalize()
}

func (s *Segmenter) track(confidence float32) {
	s.confidenceSum += confidence
	s.confidenceCount++
}

func (s *Segmenter) keepPreRoll(window []int16) {
	limit := s.samplesFor(s.config.PreRoll)
	if limit <= 0 {
		return
	}
	s.preroll = append(s.preroll, window...)
	if over := len(s.preroll) - limit; over > 0 {
		s.preroll = append(s.preroll[:0], s.preroll[over:]...)
	}
}

// finalize must be called with the lock held
func (s *Segmenter) finalize() *Utterance {
	defer s.reset()

	if s.speechSamples < s.samplesFor(s.config.MinSpeechDuration) {
		s.discarded++
		return nil
	}

	u := &Utterance{
		Index:      s.utterances,
		SampleRate: s.config.SampleRate,
		Samples:    append([]int16(nil), s.current...),
		Duration:   s.durationOf(len(s.current)),
		Speech:     s.durationOf(s.speechSamples),
	}
	if s.confidenceCount > 0 {
		u.Confidence = s.confidenceSum / float32(s.confidenceCount)
	}

	s.utterances++
	s.totalDuration += u.Duration
	return u
}

func (s *Segmenter) reset() {
	s.state = StateIdle
	s.current = s.current[:0]
	s.speechSamples = 0
	s.silenceSamples = 0
	s.confidenceSum = 0
	s.confidenceCount = 0
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := float64(0)
	if s.utterances > 0 {
		avg = s.totalDuration.Seconds() / float64(s.utterances)
	}

	return SegmenterStats{
		State:          s.state.String(),
		Utterances:     s.utterances,
		Discarded:      s.discarded,
		PendingSamples: len(s.current),
		AvgDuration:    avg,
	}
}

// IsIdle returns whether no utterance is being collected
func (s *Segmenter) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == StateIdle
}
