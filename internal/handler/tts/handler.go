package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/handler"
)

// ErrEmptyText is returned by Receive for blank payloads.
var ErrEmptyText = errors.New("empty text")

// Synthesizer opens a PCM s16le stream for a text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (io.ReadCloser, error)
}

// Config controls synthesis and framing
type Config struct {
	Voice            string
	SampleRate       int           // Rate of the PCM the synthesizer returns
	ChunkDuration    time.Duration // Audio per emitted frame
	OutputSampleRate int           // Conversion target outside phone mode; SampleRate when 0
	PhoneMode        bool
	MaxQueuedTexts   int
}

// Handler turns received texts into audio frames. Texts are synthesized in
// the order received; each Emit drains everything queued so far.
type Handler struct {
	synth  Synthesizer
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   []string
	current io.ReadCloser // body being drained
	closed  bool
}

// NewHandler creates a synthesis handler
func NewHandler(synth Synthesizer, config Config, logger *slog.Logger) (*Handler, error) {
	if synth == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 20 * time.Millisecond
	}
	if config.OutputSampleRate <= 0 {
		config.OutputSampleRate = config.SampleRate
	}
	if config.MaxQueuedTexts <= 0 {
		config.MaxQueuedTexts = 32
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		synth:  synth,
		config: config,
		logger: logger,
	}, nil
}

// NewFactory returns a handler.Factory creating one Handler per connection
func NewFactory(synth Synthesizer, config Config, logger *slog.Logger) handler.Factory {
	return func() (handler.StreamingHandler, error) {
		return NewHandler(synth, config, logger)
	}
}

func (h *Handler) StartUp(ctx context.Context) error {
	h.logger.Debug("Synthesis handler started", slog.String("voice", h.config.Voice))
	return nil
}

// Receive queues a text for synthesis
func (h *Handler) Receive(ctx context.Context, payload string) error {
	text := strings.TrimSpace(payload)
	if text == "" {
		return ErrEmptyText
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("handler is shut down")
	}
	if len(h.queue) >= h.config.MaxQueuedTexts {
		return fmt.Errorf("text queue full (%d)", len(h.queue))
	}
	h.queue = append(h.queue, text)
	return nil
}

// Emit returns a stream over the audio of all queued texts
func (h *Handler) Emit() handler.OutputStream {
	h.mu.Lock()
	h.closeCurrent()
	h.mu.Unlock()

	frameBytes := int(h.config.ChunkDuration.Seconds()*float64(h.config.SampleRate)) * 2
	if frameBytes < 2 {
		frameBytes = 2
	}
	buf := make([]byte, frameBytes)

	return handler.StreamFunc(func(ctx context.Context) (handler.Output, error) {
		for {
			if err := ctx.Err(); err != nil {
				return handler.Output{}, err
			}

			body, err := h.body(ctx)
			if err != nil {
				return handler.Output{}, err
			}

			n, err := io.ReadFull(body, buf)
			if n >= 2 {
				samples := audio.PCM16FromBytes(buf[:n])
				return handler.Frame(h.config.SampleRate, samples), nil
			}

			switch {
			case err == nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				h.release(body)
			default:
				h.release(body)
				return handler.Output{}, fmt.Errorf("failed to read synthesized audio: %w", err)
			}
		}
	})
}

// body returns the stream being drained, opening the next queued text when needed
func (h *Handler) body(ctx context.Context) (io.ReadCloser, error) {
	h.mu.Lock()
	if h.current != nil {
		body := h.current
		h.mu.Unlock()
		return body, nil
	}
	if h.closed || len(h.queue) == 0 {
		h.mu.Unlock()
		return nil, io.EOF
	}
	text := h.queue[0]
	h.queue = h.queue[1:]
	h.mu.Unlock()

	body, err := h.synth.Synthesize(ctx, SynthesisRequest{
		Text:       text,
		Voice:      h.config.Voice,
		SampleRate: h.config.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		body.Close()
		return nil, io.EOF
	}
	h.current = body
	return body, nil
}

func (h *Handler) release(body io.ReadCloser) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == body {
		h.closeCurrent()
	}
}

// closeCurrent must be called with the lock held
func (h *Handler) closeCurrent() {
	if h.current != nil {
		h.current.Close()
		h.current = nil
	}
}

func (h *Handler) OutputSampleRate() int { return h.config.OutputSampleRate }

func (h *Handler) PhoneMode() bool { return h.config.PhoneMode }

// Shutdown drops queued texts and aborts any synthesis in progress
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := len(h.queue)
	h.queue = nil
	h.closed = true
	h.closeCurrent()

	h.logger.Debug("Synthesis handler shut down", slog.Int("dropped_texts", dropped))
	return nil
}

// Pending returns the number of texts not yet synthesized
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
