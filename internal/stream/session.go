package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/metrics"
)

var (
	// ErrSessionTerminated is returned for sends after the session ended.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrNoSession is returned for media sends before start assigned an id.
	ErrNoSession = errors.New("session not started")
)

// Conn is the message channel a session runs over. ReadJSON is only called
// from the receive loop; WriteJSON calls are serialized by the session.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// State is the lifecycle state of a session
type State int32

const (
	StateAwaitingStart State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "awaiting_start"
	}
}

// Config holds per-session streaming settings
type Config struct {
	PhoneSampleRate int           // Output rate in phone mode
	PacingInterval  time.Duration // Wait after each sent frame
	FinishedMessage string
	EmitStopTimeout time.Duration // Bound on waiting for the emit loop at teardown
	ShutdownTimeout time.Duration // Bound on handler Shutdown
}

// DefaultConfig returns the standard telephony settings
func DefaultConfig() Config {
	return Config{
		PhoneSampleRate: 8000,
		PacingInterval:  20 * time.Millisecond,
		FinishedMessage: DefaultFinishedMessage,
		EmitStopTimeout: 2 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PhoneSampleRate <= 0 {
		c.PhoneSampleRate = d.PhoneSampleRate
	}
	if c.PacingInterval < 0 {
		c.PacingInterval = 0
	}
	if c.FinishedMessage == "" {
		c.FinishedMessage = d.FinishedMessage
	}
	if c.EmitStopTimeout <= 0 {
		c.EmitStopTimeout = d.EmitStopTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Options configures a new session
type Options struct {
	Config     Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	RemoteAddr string
}

// Session bridges one connection and one streaming handler. A receive loop
// reads client events; at most one emit loop at a time drains handler output
// to the client as paced mu-law media.
type Session struct {
	conn     Conn
	handler  handler.StreamingHandler
	registry Registry
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	remoteAddr string
	createdAt  time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	id           string
	state        State
	started      bool // handler StartUp succeeded
	sink         OutputSink
	durations    []float64
	emit         *emitTask
	pending      bool // input arrived while the emit loop was draining
	lastActivity time.Time
	runCtx       context.Context

	terminated    chan struct{}
	terminateOnce sync.Once
	closeOnce     sync.Once
	disconnected  atomic.Bool
	framesSent    atomic.Uint64
}

type emitTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session for an accepted connection
func NewSession(conn Conn, h handler.StreamingHandler, registry Registry, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RemoteAddr != "" {
		logger = logger.With(slog.String("remote_addr", opts.RemoteAddr))
	}
	now := time.Now()

	return &Session{
		conn:         conn,
		handler:      h,
		registry:     registry,
		config:       opts.Config.withDefaults(),
		logger:       logger,
		metrics:      opts.Metrics,
		remoteAddr:   opts.RemoteAddr,
		createdAt:    now,
		lastActivity: now,
		state:        StateAwaitingStart,
		terminated:   make(chan struct{}),
		runCtx:       context.Background(),
	}
}

// Run reads client events until the client stops or disconnects, the
// connection fails or ctx ends, then tears the session down. It returns
// nil for orderly endings.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	// Unblocks ReadJSON when the server shuts down.
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	err := s.receiveLoop(ctx)
	s.teardown()
	return err
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		if s.isTerminated() {
			return nil
		}

		var msg InboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			switch {
			case s.isTerminated():
				return nil
			case isMalformed(err):
				s.protocolError("malformed_json", slog.String("error", err.Error()))
				continue
			case isDisconnect(err):
				s.disconnected.Store(true)
				s.logger.Info("Client disconnected",
					slog.String("session_id", s.ID()),
					slog.String("reason", err.Error()))
				return nil
			default:
				return fmt.Errorf("read failed: %w", err)
			}
		}

		s.touch()
		s.dispatch(ctx, &msg)
	}
}

// dispatch handles one event; a panic is contained to the event
func (s *Session) dispatch(ctx context.Context, msg *InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling event",
				slog.String("session_id", s.ID()),
				slog.String("event", msg.Event),
				slog.Any("panic", r))
			s.metrics.RecordProtocolError("panic")
		}
	}()

	s.metrics.RecordInbound(knownEvent(msg.Event))

	switch msg.Event {
	case EventStart:
		s.handleStart(ctx, msg)
	case EventText, EventMedia:
		s.handleInput(ctx, msg)
	case EventStop:
		s.logger.Info("Stop received", slog.String("session_id", s.ID()))
		s.Terminate()
	case EventPing:
		if err := s.send(OutboundMessage{Event: EventPong}, false); err != nil {
			s.logger.Debug("Failed to send pong", slog.String("error", err.Error()))
		}
	default:
		s.logger.Debug("Ignoring unknown event", slog.String("event", msg.Event))
	}
}

func (s *Session) handleStart(ctx context.Context, msg *InboundMessage) {
	id := msg.SessionID()
	if id == "" {
		s.protocolError("missing_session_id")
		return
	}

	s.mu.Lock()
	state, oldID := s.state, s.id
	s.mu.Unlock()

	switch state {
	case StateAwaitingStart:
		if err := s.handler.StartUp(ctx); err != nil {
			s.logger.Error("Handler start up failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			s.Terminate()
			return
		}
		sink := s.registry.AdditionalOutputs(id)

		s.mu.Lock()
		s.started = true
		s.id = id
		s.sink = sink
		s.state = StateActive
		s.mu.Unlock()

		s.registry.Register(id, s)
		s.logger.Info("Session started", slog.String("session_id", id))

	case StateActive:
		// Repeated start: refresh the registration, the emit loop is untouched.
		// Register re-keys a session that arrives under a new id.
		if id != oldID {
			sink := s.registry.AdditionalOutputs(id)
			s.mu.Lock()
			s.id = id
			s.sink = sink
			s.mu.Unlock()
		}
		s.registry.Register(id, s)
		s.logger.Info("Session re-registered",
			slog.String("session_id", id),
			slog.String("previous_id", oldID))
	}
}

func (s *Session) handleInput(ctx context.Context, msg *InboundMessage) {
	s.mu.Lock()
	active := s.state == StateActive
	s.mu.Unlock()

	if !active {
		s.protocolError("input_before_start", slog.String("event", msg.Event))
		return
	}
	if msg.Media == nil {
		s.protocolError("missing_media", slog.String("event", msg.Event))
		return
	}

	if err := s.handler.Receive(ctx, msg.Media.Payload); err != nil {
		s.logger.Warn("Handler rejected input",
			slog.String("session_id", s.ID()),
			slog.String("event", msg.Event),
			slog.String("error", err.Error()))
		return
	}
	s.scheduleEmit()
}

func (s *Session) protocolError(reason string, attrs ...any) {
	s.metrics.RecordProtocolError(reason)
	s.logger.Warn("Protocol error",
		append([]any{slog.String("session_id", s.ID()), slog.String("reason", reason)}, attrs...)...)
}

// Terminate ends the session. No message is sent once it returns.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		// Wait out an in-flight write.
		s.writeMu.Lock()
		close(s.terminated)
		s.writeMu.Unlock()

		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
	})
}

// Close closes the connection and terminates the session; the receive loop
// then exits and tears down.
func (s *Session) Close() {
	s.closeConn()
	s.Terminate()
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Error closing connection", slog.String("error", err.Error()))
		}
	})
}

func (s *Session) isTerminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

// Done is closed when the session is terminated
func (s *Session) Done() <-chan struct{} {
	return s.terminated
}

func (s *Session) teardown() {
	s.Terminate()
	s.stopEmit()

	if !s.disconnected.Load() {
		s.closeConn()
	}

	s.mu.Lock()
	id, started := s.id, s.started
	s.mu.Unlock()

	if started {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		if err := s.handler.Shutdown(ctx); err != nil {
			s.logger.Warn("Handler shutdown failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		cancel()
	}

	s.registry.CleanUp(id)

	s.logger.Info("Session closed",
		slog.String("session_id", id),
		slog.Duration("duration", time.Since(s.createdAt)),
		slog.Uint64("frames_sent", s.framesSent.Load()),
		slog.Bool("client_disconnected", s.disconnected.Load()))
}

// send writes one message unless the session is terminated. Media and
// stream_finished messages also require a session id.
func (s *Session) send(msg OutboundMessage, needsID bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isTerminated() {
		return ErrSessionTerminated
	}
	if needsID && s.ID() == "" {
		return ErrNoSession
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Event, err)
	}
	s.touch()
	return nil
}

// SendTranscript forwards recognized text to the client
func (s *Session) SendTranscript(text string) error {
	return s.send(OutboundMessage{Event: EventMedia, Media: &MediaPayload{Text: text}}, true)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ID returns the session identifier, empty before start
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PlayingDurations returns the durations in seconds of every frame sent, in order
func (s *Session) PlayingDurations() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.durations...)
}

// LastActivity returns the time of the last inbound or outbound message
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EmitActive reports whether an emit loop is running
func (s *Session) EmitActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emit != nil
}

// SessionInfo is a monitoring snapshot of a session
type SessionInfo struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	RemoteAddr   string        `json:"remote_addr,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	FramesSent   uint64        `json:"frames_sent"`
	AudioSeconds float64       `json:"audio_seconds"`
	EmitActive   bool          `json:"emit_active"`
	PhoneMode    bool          `json:"phone_mode"`

	// Filled in by the registry
	AdditionalOutputs uint64 `json:"additional_outputs"`
}

// Info returns a snapshot of the session for monitoring
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, d := range s.durations {
		total += d
	}

	return SessionInfo{
		ID:           s.id,
		State:        s.state.String(),
		RemoteAddr:   s.remoteAddr,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.createdAt),
		FramesSent:   s.framesSent.Load(),
		AudioSeconds: total,
		EmitActive:   s.emit != nil,
		PhoneMode:    s.handler.PhoneMode(),
	}
}

// isMalformed reports read errors caused by the message content
func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// isDisconnect reports read errors meaning the peer is gone
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent)
}
