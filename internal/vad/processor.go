package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config holds the energy detector settings
type Config struct {
	Threshold  float32 // Voice probability threshold (0.0 - 1.0)
	WindowSize int     // Samples per window
	SampleRate int
	// Smoothing is the weight of the current window against the previous result.
	Smoothing float32
	// EnergyCeiling is the RMS level mapped to probability 1.
	EnergyCeiling float64
}

// Processor performs energy based Voice Activity Detection
type Processor struct {
	config Config

	lastResult float32

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// VADResult represents the result of voice activity detection
type VADResult struct {
	Probability float32   `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`
	Confidence  float32   `json:"confidence"` // Distance from the threshold, scaled to 0-1
	WindowIndex int       `json:"window_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(config Config) (*Processor, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", config.Threshold)
	}
	if config.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", config.WindowSize)
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Smoothing <= 0 || config.Smoothing > 1 {
		config.Smoothing = 1
	}
	if config.EnergyCeiling <= 0 {
		config.EnergyCeiling = 10000
	}

	return &Processor{config: config}, nil
}

// Process classifies one window of audio samples
func (p *Processor) Process(samples []int16) (*VADResult, error) {
	if len(samples) != p.config.WindowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", p.config.WindowSize, len(samples))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	probability := p.energy(samples)
	if p.totalWindows > 0 {
		probability = p.config.Smoothing*probability + (1-p.config.Smoothing)*p.lastResult
	}
	p.lastResult = probability

	hasVoice := probability >= p.config.Threshold

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	confidence := float32(math.Abs(float64(probability - p.config.Threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return &VADResult{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		WindowIndex: int(p.totalWindows - 1),
		Timestamp:   p.lastProcessed,
	}, nil
}

// energy maps the window RMS to 0-1
func (p *Processor) energy(samples []int16) float32 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	normalized := rms / p.config.EnergyCeiling
	if normalized > 1 {
		normalized = 1
	}
	return float32(normalized)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.config.Threshold,
	}
}

// UpdateThreshold updates the voice detection threshold
func (p *Processor) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.config.Threshold = threshold
	return nil
}

// Reset resets the processor state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
}

// WindowSize returns the window size in samples
func (p *Processor) WindowSize() int {
	return p.config.WindowSize
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config.Threshold
}
