package stt

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/metrics"
	"github.com/skypro1111/stream-gateway/internal/transcription"
	"github.com/skypro1111/stream-gateway/internal/vad"
)

// Input encodings accepted by Receive
const (
	EncodingMuLaw = "mulaw"
	EncodingPCM16 = "pcm16"
)

// Transcriber turns one WAV utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error)
}

// Config controls input decoding, segmentation and output
type Config struct {
	InputSampleRate      int
	InputEncoding        string
	PhoneMode            bool
	OutputSampleRate     int  // InputSampleRate when 0
	EchoAudio            bool // Pair each transcript with the utterance audio
	VAD                  vad.Config
	Segment              audio.SegmenterConfig
	MaxPendingUtterances int
}

// Handler recognizes speech in received audio. Audio is cut into utterances
// on pauses; Emit yields one transcript per utterance until Shutdown.
type Handler struct {
	id          string
	transcriber Transcriber
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	vad       *vad.Processor
	segmenter *audio.Segmenter

	mu    sync.Mutex
	carry []int16 // samples short of a full VAD window

	utterances chan *audio.Utterance
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHandler creates a recognition handler
func NewHandler(transcriber Transcriber, config Config, logger *slog.Logger, m *metrics.Metrics) (*Handler, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if config.InputSampleRate <= 0 {
		return nil, fmt.Errorf("input sample rate must be positive, got %d", config.InputSampleRate)
	}
	switch config.InputEncoding {
	case "":
		config.InputEncoding = EncodingMuLaw
	case EncodingMuLaw, EncodingPCM16:
	default:
		return nil, fmt.Errorf("unsupported input encoding %q", config.InputEncoding)
	}
	if config.OutputSampleRate <= 0 {
		config.OutputSampleRate = config.InputSampleRate
	}
	if config.MaxPendingUtterances <= 0 {
		config.MaxPendingUtterances = 8
	}
	config.VAD.SampleRate = config.InputSampleRate
	config.Segment.SampleRate = config.InputSampleRate

	processor, err := vad.NewProcessor(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &Handler{
		id:          id,
		transcriber: transcriber,
		config:      config,
		logger:      logger.With(slog.String("recognizer_id", id)),
		metrics:     m,
		vad:         processor,
		segmenter:   audio.NewSegmenter(config.Segment),
		utterances:  make(chan *audio.Utterance, config.MaxPendingUtterances),
		done:        make(chan struct{}),
	}, nil
}

// NewFactory returns a handler.Factory creating one Handler per connection
func NewFactory(transcriber Transcriber, config Config, logger *slog.Logger, m *metrics.Metrics) handler.Factory {
	return func() (handler.StreamingHandler, error) {
		return NewHandler(transcriber, config, logger, m)
	}
}

func (h *Handler) StartUp(ctx context.Context) error {
	h.logger.Debug("Recognition handler started",
		slog.Int("sample_rate", h.config.InputSampleRate),
		slog.String("encoding", h.config.InputEncoding))
	return nil
}

// Receive decodes one base64 audio payload and feeds it through VAD and segmentation
func (h *Handler) Receive(ctx context.Context, payload string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return fmt.Errorf("invalid audio payload: %w", err)
	}

	var samples []int16
	if h.config.InputEncoding == EncodingPCM16 {
		samples = audio.PCM16FromBytes(raw)
	} else {
		samples = audio.DecodeMuLaw(raw)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return fmt.Errorf("handler is shut down")
	default:
	}

	h.carry = append(h.carry, samples...)
	size := h.vad.WindowSize()
	consumed := 0
	for len(h.carry)-consumed >= size {
		window := h.carry[consumed : consumed+size]
		consumed += size

		result, err := h.vad.Process(window)
		if err != nil {
			return fmt.Errorf("VAD failed: %w", err)
		}
		if u := h.segmenter.Push(window, result.HasVoice, result.Confidence); u != nil {
			h.enqueue(u)
		}
	}
	h.carry = append(h.carry[:0], h.carry[consumed:]...)
	return nil
}

// enqueue must be called with the lock held
func (h *Handler) enqueue(u *audio.Utterance) {
	select {
	case h.utterances <- u:
		h.metrics.RecordUtterance(false)
		h.logger.Debug("Utterance queued",
			slog.Uint64("utterance", u.Index),
			slog.Duration("duration", u.Duration))
	default:
		h.metrics.RecordUtterance(true)
		h.logger.Warn("Transcription queue full, dropping utterance",
			slog.Uint64("utterance", u.Index),
			slog.Duration("duration", u.Duration))
	}
}

// Emit returns the transcript stream. It blocks until an utterance is
// available and ends with io.EOF after Shutdown.
func (h *Handler) Emit() handler.OutputStream {
	return handler.StreamFunc(func(ctx context.Context) (handler.Output, error) {
		for {
			var u *audio.Utterance
			select {
			case <-ctx.Done():
				return handler.Output{}, ctx.Err()
			case <-h.done:
				return handler.Output{}, io.EOF
			case u = <-h.utterances:
			}

			out, err := h.transcribe(ctx, u)
			if err != nil {
				return handler.Output{}, err
			}
			if out != nil {
				return *out, nil
			}
		}
	})
}

func (h *Handler) transcribe(ctx context.Context, u *audio.Utterance) (*handler.Output, error) {
	wav, err := audio.EncodeWAV(u.Samples, u.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode utterance: %w", err)
	}

	resp, err := h.transcriber.Transcribe(ctx, &transcription.Request{
		SessionID:   h.id,
		UtteranceID: u.Index,
		SampleRate:  u.SampleRate,
		Duration:    u.Duration,
		Confidence:  u.Confidence,
		AudioData:   wav,
	})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		h.logger.Debug("Empty transcript", slog.Uint64("utterance", u.Index))
		return nil, nil
	}

	out := &handler.Output{Additional: handler.Transcript{
		Text:       text,
		Language:   resp.Language,
		Confidence: resp.Confidence,
		Duration:   u.Duration.Seconds(),
		Utterance:  u.Index,
	}}
	if h.config.EchoAudio {
		out.Frame = &handler.AudioFrame{SampleRate: u.SampleRate, Samples: u.Samples}
	}
	return out, nil
}

func (h *Handler) OutputSampleRate() int { return h.config.OutputSampleRate }

func (h *Handler) PhoneMode() bool { return h.config.PhoneMode }

// Shutdown ends the transcript stream; queued utterances are discarded
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	stats := h.segmenter.GetStats()
	h.logger.Debug("Recognition handler shut down",
		slog.Uint64("utterances", stats.Utterances),
		slog.Uint64("discarded", stats.Discarded),
		slog.Int("queued", len(h.utterances)))
	return nil
}

// Stats returns the segmentation statistics of this handler
func (h *Handler) Stats() audio.SegmenterStats {
	return h.segmenter.GetStats()
}
