package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine types
const (
	EngineTTS = "tts"
	EngineSTT = "stt"
)

// Config represents the complete gateway configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Session       SessionConfig       `yaml:"session"`
	Engine        EngineConfig        `yaml:"engine"`
	TTS           TTSConfig           `yaml:"tts"`
	STT           STTConfig           `yaml:"stt"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API and WebSocket server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	WebSocketPath  string   `yaml:"websocket_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
}

// SessionConfig contains per-connection streaming parameters
type SessionConfig struct {
	PhoneSampleRate       int    `yaml:"phone_sample_rate"`
	PacingIntervalMs      int    `yaml:"pacing_interval_ms"`
	StreamFinishedMessage string `yaml:"stream_finished_message"`
	IdleTimeout           int    `yaml:"idle_timeout"` // seconds, 0 disables
	EmitStopTimeoutMs     int    `yaml:"emit_stop_timeout_ms"`
	ShutdownTimeout       int    `yaml:"shutdown_timeout"` // seconds
	MaxSessions           int    `yaml:"max_sessions"`     // 0 is unlimited
	MaxAdditionalOutputs  int    `yaml:"max_additional_outputs"`
	ForwardTranscripts    bool   `yaml:"forward_transcripts"`
}

// EngineConfig selects the streaming handler served on every connection
type EngineConfig struct {
	Type string `yaml:"type"`
}

// TTSConfig contains speech synthesis configuration
type TTSConfig struct {
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Timeout          int    `yaml:"timeout"` // seconds
	MaxRetries       int    `yaml:"max_retries"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	ChunkMs          int    `yaml:"chunk_ms"`
	OutputSampleRate int    `yaml:"output_sample_rate"`
	PhoneMode        bool   `yaml:"phone_mode"`
	MaxQueuedTexts   int    `yaml:"max_queued_texts"`
}

// STTConfig contains speech recognition configuration
type STTConfig struct {
	InputSampleRate      int           `yaml:"input_sample_rate"`
	InputEncoding        string        `yaml:"input_encoding"`
	OutputSampleRate     int           `yaml:"output_sample_rate"`
	PhoneMode            bool          `yaml:"phone_mode"`
	EchoAudio            bool          `yaml:"echo_audio"`
	MaxPendingUtterances int           `yaml:"max_pending_utterances"`
	VAD                  VADConfig     `yaml:"vad"`
	Segment              SegmentConfig `yaml:"segment"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	Threshold     float32 `yaml:"threshold"`
	WindowSize    int     `yaml:"window_size"` // samples
	Smoothing     float32 `yaml:"smoothing"`
	EnergyCeiling float64 `yaml:"energy_ceiling"`
}

// SegmentConfig contains utterance segmentation parameters
type SegmentConfig struct {
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds
	MaxDuration        float64 `yaml:"max_duration"`         // seconds
	PreRoll            float64 `yaml:"pre_roll"`             // seconds
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint           string `yaml:"endpoint"`
	APIKey             string `yaml:"api_key"`
	Timeout            int    `yaml:"timeout"` // seconds
	MaxRetries         int    `yaml:"max_retries"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	Language           string `yaml:"language"`
	Model              string `yaml:"model"`
	RetryInitialMs     int    `yaml:"retry_initial_ms"`
	RetryMaxIntervalMs int    `yaml:"retry_max_interval_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills in unset optional fields
func (c *Config) ApplyDefaults() {
	setInt(&c.HTTP.Port, 8080)
	setString(&c.HTTP.Address, "0.0.0.0")
	setString(&c.HTTP.WebSocketPath, "/ws")
	setInt(&c.HTTP.ReadTimeout, 15)
	setInt(&c.HTTP.WriteTimeout, 10)

	setInt(&c.Session.PhoneSampleRate, 8000)
	setInt(&c.Session.PacingIntervalMs, 20)
	setString(&c.Session.StreamFinishedMessage, "Streaming complete")
	setInt(&c.Session.EmitStopTimeoutMs, 2000)
	setInt(&c.Session.ShutdownTimeout, 5)
	setInt(&c.Session.MaxAdditionalOutputs, 100)

	setString(&c.Engine.Type, EngineTTS)

	setInt(&c.TTS.Timeout, 30)
	setInt(&c.TTS.MaxConcurrent, 10)
	setInt(&c.TTS.SampleRate, 24000)
	setInt(&c.TTS.ChunkMs, 20)
	setInt(&c.TTS.MaxQueuedTexts, 32)

	setInt(&c.STT.InputSampleRate, 8000)
	setString(&c.STT.InputEncoding, "mulaw")
	setInt(&c.STT.MaxPendingUtterances, 8)
	if c.STT.VAD.Threshold == 0 {
		c.STT.VAD.Threshold = 0.5
	}
	setInt(&c.STT.VAD.WindowSize, 256)
	if c.STT.VAD.Smoothing == 0 {
		c.STT.VAD.Smoothing = 1
	}
	if c.STT.VAD.EnergyCeiling == 0 {
		c.STT.VAD.EnergyCeiling = 10000
	}
	setFloat(&c.STT.Segment.MinSpeechDuration, 0.25)
	setFloat(&c.STT.Segment.MinSilenceDuration, 0.6)
	setFloat(&c.STT.Segment.MaxDuration, 15)

	setInt(&c.Transcription.Timeout, 30)
	setInt(&c.Transcription.MaxConcurrent, 10)
	setInt(&c.Transcription.RetryInitialMs, 200)
	setInt(&c.Transcription.RetryMaxIntervalMs, 5000)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "json")
	setString(&c.Logging.Output, "stdout")
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	// Only the selected engine must be complete.
	switch c.Engine.Type {
	case EngineTTS:
		if err := c.TTS.Validate(); err != nil {
			return fmt.Errorf("tts config: %w", err)
		}
	case EngineSTT:
		if err := c.STT.Validate(); err != nil {
			return fmt.Errorf("stt config: %w", err)
		}
		if err := c.Transcription.Validate(); err != nil {
			return fmt.Errorf("transcription config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if !strings.HasPrefix(h.WebSocketPath, "/") {
		return fmt.Errorf("websocket_path must start with '/', got '%s'", h.WebSocketPath)
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.PhoneSampleRate < 1000 || s.PhoneSampleRate > 48000 {
		return fmt.Errorf("phone_sample_rate must be between 1000 and 48000 Hz, got %d", s.PhoneSampleRate)
	}

	if s.PacingIntervalMs < 0 {
		return fmt.Errorf("pacing_interval_ms cannot be negative, got %d", s.PacingIntervalMs)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	if s.MaxAdditionalOutputs < 1 {
		return fmt.Errorf("max_additional_outputs must be at least 1, got %d", s.MaxAdditionalOutputs)
	}

	return nil
}

// Validate validates engine selection
func (e *EngineConfig) Validate() error {
	if e.Type != EngineTTS && e.Type != EngineSTT {
		return fmt.Errorf("type must be '%s' or '%s', got '%s'", EngineTTS, EngineSTT, e.Type)
	}
	return nil
}

// Validate validates speech synthesis configuration
func (t *TTSConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.SampleRate < 8000 || t.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", t.SampleRate)
	}

	if t.ChunkMs < 5 || t.ChunkMs > 1000 {
		return fmt.Errorf("chunk_ms must be between 5 and 1000, got %d", t.ChunkMs)
	}

	if t.OutputSampleRate < 0 {
		return fmt.Errorf("output_sample_rate cannot be negative, got %d", t.OutputSampleRate)
	}

	return nil
}

// Validate validates speech recognition configuration
func (s *STTConfig) Validate() error {
	if s.InputSampleRate < 8000 || s.InputSampleRate > 48000 {
		return fmt.Errorf("input_sample_rate must be between 8000 and 48000 Hz, got %d", s.InputSampleRate)
	}

	if s.InputEncoding != "mulaw" && s.InputEncoding != "pcm16" {
		return fmt.Errorf("input_encoding must be 'mulaw' or 'pcm16', got '%s'", s.InputEncoding)
	}

	if s.MaxPendingUtterances < 1 {
		return fmt.Errorf("max_pending_utterances must be at least 1, got %d", s.MaxPendingUtterances)
	}

	if err := s.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}

	if err := s.Segment.Validate(); err != nil {
		return fmt.Errorf("segment: %w", err)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 64 || v.WindowSize > 2048 {
		return fmt.Errorf("window_size must be between 64 and 2048 samples, got %d", v.WindowSize)
	}

	if v.Smoothing < 0 || v.Smoothing > 1 {
		return fmt.Errorf("smoothing must be between 0 and 1, got %f", v.Smoothing)
	}

	if v.EnergyCeiling <= 0 {
		return fmt.Errorf("energy_ceiling must be positive, got %f", v.EnergyCeiling)
	}

	return nil
}

// Validate validates segmentation configuration
func (s *SegmentConfig) Validate() error {
	if s.MinSpeechDuration <= 0 {
		return fmt.Errorf("min_speech_duration must be positive, got %f", s.MinSpeechDuration)
	}

	if s.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", s.MinSilenceDuration)
	}

	if s.MaxDuration <= s.MinSpeechDuration {
		return fmt.Errorf("max_duration (%f) must be greater than min_speech_duration (%f)",
			s.MaxDuration, s.MinSpeechDuration)
	}

	if s.PreRoll < 0 {
		return fmt.Errorf("pre_roll cannot be negative, got %f", s.PreRoll)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.RetryMaxIntervalMs < t.RetryInitialMs {
		return fmt.Errorf("retry_max_interval_ms (%d) must not be less than retry_initial_ms (%d)",
			t.RetryMaxIntervalMs, t.RetryInitialMs)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := ParseLevel(l.Level); err != nil {
		return err
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path.
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Redacted returns a copy safe to expose over the API
func (c *Config) Redacted() Config {
	out := *c
	if out.TTS.APIKey != "" {
		out.TTS.APIKey = "***"
	}
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "***"
	}
	out.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	return out
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetPacingInterval returns the frame pacing interval as a time.Duration
func (s *SessionConfig) GetPacingInterval() time.Duration {
	return time.Duration(s.PacingIntervalMs) * time.Millisecond
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetEmitStopTimeout returns the emit loop stop bound as a time.Duration
func (s *SessionConfig) GetEmitStopTimeout() time.Duration {
	return time.Duration(s.EmitStopTimeoutMs) * time.Millisecond
}

// GetShutdownTimeoutDuration returns the handler shutdown bound as a time.Duration
func (s *SessionConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (t *TTSConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetChunkDuration returns the synthesized frame length as a time.Duration
func (t *TTSConfig) GetChunkDuration() time.Duration {
	return time.Duration(t.ChunkMs) * time.Millisecond
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (s *SegmentConfig) GetMinSpeechDuration() time.Duration {
	return seconds(s.MinSpeechDuration)
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (s *SegmentConfig) GetMinSilenceDuration() time.Duration {
	return seconds(s.MinSilenceDuration)
}

// GetMaxDuration returns the maximum utterance duration as a time.Duration
func (s *SegmentConfig) GetMaxDuration() time.Duration {
	return seconds(s.MaxDuration)
}

// GetPreRoll returns the pre-roll as a time.Duration
func (s *SegmentConfig) GetPreRoll() time.Duration {
	return seconds(s.PreRoll)
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetRetryInitialInterval returns the first retry delay as a time.Duration
func (t *TranscriptionConfig) GetRetryInitialInterval() time.Duration {
	return time.Duration(t.RetryInitialMs) * time.Millisecond
}

// GetRetryMaxInterval returns the retry delay cap as a time.Duration
func (t *TranscriptionConfig) GetRetryMaxInterval() time.Duration {
	return time.Duration(t.RetryMaxIntervalMs) * time.Millisecond
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
