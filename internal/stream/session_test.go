package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-gateway/internal/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn feeds raw JSON messages to the session and records its writes
type fakeConn struct {
	inbound chan []byte
	hangup  chan struct{}
	closed  chan struct{}

	hangupOnce sync.Once
	closeOnce  sync.Once
	closeCalls atomic.Int32

	mu     sync.Mutex
	writes []OutboundMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		hangup:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case raw := <-c.inbound:
		if len(raw) == 0 {
			return io.ErrUnexpectedEOF
		}
		return json.Unmarshal(raw, v)
	case <-c.hangup:
		return &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg OutboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) sendRaw(raw string) {
	c.inbound <- []byte(raw)
}

// disconnect simulates the client going away
func (c *fakeConn) disconnect() {
	c.hangupOnce.Do(func() { close(c.hangup) })
}

func (c *fakeConn) messages() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.writes...)
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, m := range c.messages() {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) waitFor(t *testing.T, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(event) >= n }, 2*time.Second, time.Millisecond,
		"waiting for %d %s messages", n, event)
}

// fakeRegistry records registry calls
type fakeRegistry struct {
	mu         sync.Mutex
	registered []string
	cleanedUp  []string
	outputs    map[string][]any
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{outputs: make(map[string][]any)}
}

func (r *fakeRegistry) Register(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id)
}

func (r *fakeRegistry) CleanUp(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanedUp = append(r.cleanedUp, id)
}

func (r *fakeRegistry) AdditionalOutputs(id string) OutputSink {
	return func(v any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.outputs[id] = append(r.outputs[id], v)
	}
}

func (r *fakeRegistry) registrations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.registered...)
}

func (r *fakeRegistry) cleanups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cleanedUp...)
}

func (r *fakeRegistry) outputsFor(id string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.outputs[id]...)
}

// fakeHandler turns every received payload into framesPerInput frames, unless
// stream overrides Emit.
type fakeHandler struct {
	rate           int
	phone          bool
	framesPerInput int
	samples        any
	startErr       error
	stream         func() handler.OutputStream

	mu       sync.Mutex
	received []string
	queue    []handler.Output

	startups  atomic.Int32
	shutdowns atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
}

func (h *fakeHandler) StartUp(ctx context.Context) error {
	h.startups.Add(1)
	return h.startErr
}

func (h *fakeHandler) Receive(ctx context.Context, payload string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, payload)
	for i := 0; i < h.framesPerInput; i++ {
		h.queue = append(h.queue, handler.Frame(h.rate, h.samples))
	}
	return nil
}

func (h *fakeHandler) Emit() handler.OutputStream {
	if h.stream != nil {
		return h.stream()
	}

	if n := h.active.Add(1); n > h.maxActive.Load() {
		h.maxActive.Store(n)
	}
	return handler.StreamFunc(func(ctx context.Context) (handler.Output, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.queue) == 0 {
			h.active.Add(-1)
			return handler.Output{}, io.EOF
		}
		out := h.queue[0]
		h.queue = h.queue[1:]
		return out, nil
	})
}

func (h *fakeHandler) OutputSampleRate() int { return h.rate }
func (h *fakeHandler) PhoneMode() bool       { return h.phone }

func (h *fakeHandler) Shutdown(ctx context.Context) error {
	h.shutdowns.Add(1)
	return nil
}

func (h *fakeHandler) payloads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.received...)
}

type testSession struct {
	session  *Session
	conn     *fakeConn
	registry *fakeRegistry
	handler  *fakeHandler
	cancel   context.CancelFunc
	done     chan error
}

func startSession(t *testing.T, h *fakeHandler) *testSession {
	t.Helper()

	conn := newFakeConn()
	registry := newFakeRegistry()
	cfg := DefaultConfig()
	cfg.PacingInterval = time.Millisecond

	s := NewSession(conn, h, registry, Options{Config: cfg, Logger: testLogger(), RemoteAddr: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ts := &testSession{session: s, conn: conn, registry: registry, handler: h, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		conn.disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return ts
}

func (ts *testSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.done:
		ts.done <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return")
		return nil
	}
}

func silenceHandler() *fakeHandler {
	return &fakeHandler{rate: 8000, framesPerInput: 1, samples: []int16{0, 0, 0, 0}}
}

func TestSessionStreamsFrameAndFinishes(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "hello"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	msgs := ts.conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, EventMedia, msgs[0].Event)
	require.NotNil(t, msgs[0].Media)
	assert.Equal(t, "/////w==", msgs[0].Media.Payload)
	assert.Equal(t, EventStreamFinished, msgs[1].Event)
	assert.Equal(t, DefaultFinishedMessage, msgs[1].Message)

	assert.Equal(t, []string{"hello"}, ts.handler.payloads())
	assert.Equal(t, []string{"s1"}, ts.registry.registrations())
	assert.Equal(t, "s1", ts.session.ID())
	assert.Equal(t, StateActive, ts.session.State())
	assert.Equal(t, []float64{0.0005}, ts.session.PlayingDurations())
}

func TestSessionPingBeforeStart(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)
	ts.conn.disconnect()
	require.NoError(t, ts.wait(t))

	assert.Equal(t, 1, ts.conn.count(EventPong))
	assert.Len(t, ts.conn.messages(), 1)
	assert.Empty(t, ts.registry.registrations())
	assert.Equal(t, int32(0), ts.handler.startups.Load())
	assert.Equal(t, int32(0), ts.handler.shutdowns.Load())
}

func TestSessionStopCancelsEmit(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	var produced atomic.Int32
	h.stream = func() handler.OutputStream {
		return handler.StreamFunc(func(ctx context.Context) (handler.Output, error) {
			produced.Add(1)
			return handler.Frame(8000, make([]int16, 160)), nil
		})
	}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "streamSid": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "endless"}})
	ts.conn.waitFor(t, EventMedia, 3)

	ts.conn.send(t, map[string]any{"event": "stop"})
	require.NoError(t, ts.wait(t))

	sent := ts.conn.count(EventMedia)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, ts.conn.count(EventMedia), "media sent after stop")
	assert.Equal(t, 0, ts.conn.count(EventStreamFinished))

	assert.Equal(t, []string{"s1"}, ts.registry.cleanups())
	assert.Equal(t, int32(1), ts.handler.shutdowns.Load())
	assert.Equal(t, int32(1), ts.conn.closeCalls.Load())
	assert.Equal(t, StateTerminated, ts.session.State())
	assert.Len(t, ts.session.PlayingDurations(), sent)
	assert.False(t, ts.session.EmitActive())
}

func TestSessionInputBeforeStartIsDropped(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "early"}})
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	assert.Empty(t, ts.handler.payloads())
	assert.Equal(t, 0, ts.conn.count(EventMedia))
	assert.Equal(t, StateAwaitingStart, ts.session.State())
}

func TestSessionMalformedMessagesAreSkipped(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.sendRaw("{not json")
	ts.conn.sendRaw("")
	ts.conn.sendRaw(`{"event": 42}`)
	ts.conn.send(t, map[string]any{"event": "start"}) // no id
	ts.conn.send(t, map[string]any{"event": "bogus"})
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	assert.Empty(t, ts.registry.registrations())
	assert.Equal(t, StateAwaitingStart, ts.session.State())
}

func TestSessionDisconnectSkipsClose(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	ts.conn.disconnect()
	require.NoError(t, ts.wait(t))

	assert.Equal(t, int32(0), ts.conn.closeCalls.Load())
	assert.Equal(t, []string{"s1"}, ts.registry.cleanups())
	assert.Equal(t, int32(1), ts.handler.shutdowns.Load())
}

func TestSessionContextCancelTearsDown(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	ts.cancel()
	require.NoError(t, ts.wait(t))

	assert.GreaterOrEqual(t, ts.conn.closeCalls.Load(), int32(1))
	assert.Equal(t, []string{"s1"}, ts.registry.cleanups())
	assert.Equal(t, int32(1), ts.handler.shutdowns.Load())
}

func TestSessionStartUpFailure(t *testing.T) {
	h := silenceHandler()
	h.startErr = errors.New("engine unavailable")
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	require.NoError(t, ts.wait(t))

	assert.Empty(t, ts.registry.registrations())
	assert.Equal(t, []string{""}, ts.registry.cleanups())
	assert.Equal(t, int32(0), ts.handler.shutdowns.Load())
}

func TestSessionQueuesInputWhileEmitting(t *testing.T) {
	h := &fakeHandler{rate: 8000, framesPerInput: 3, samples: make([]int16, 80)}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	for i := 0; i < 5; i++ {
		ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "text"}})
	}
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	require.Eventually(t, func() bool { return !ts.session.EmitActive() }, 2*time.Second, time.Millisecond)

	assert.Len(t, h.payloads(), 5)
	assert.Equal(t, int32(1), h.maxActive.Load(), "emit loops overlapped")
	assert.Equal(t, 15, ts.conn.count(EventMedia), "queued input was not drained")
	assert.GreaterOrEqual(t, ts.conn.count(EventStreamFinished), 1)
	assert.Len(t, ts.session.PlayingDurations(), 15)
}

func TestSessionPhoneModeResamples(t *testing.T) {
	h := &fakeHandler{rate: 24000, phone: true, framesPerInput: 1, samples: make([]float32, 480)}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "hi"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	msgs := ts.conn.messages()
	require.Equal(t, EventMedia, msgs[0].Event)
	raw, err := base64.StdEncoding.DecodeString(msgs[0].Media.Payload)
	require.NoError(t, err)
	assert.Len(t, raw, 160)
	assert.InDeltaSlice(t, []float64{0.02}, ts.session.PlayingDurations(), 1e-9)
}

func TestSessionHandlerFailureKeepsSession(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	var calls atomic.Int32
	h.stream = func() handler.OutputStream {
		first := calls.Add(1) == 1
		return handler.StreamFunc(func(ctx context.Context) (handler.Output, error) {
			if first {
				return handler.Output{}, errors.New("synthesis failed")
			}
			return handler.Output{}, io.EOF
		})
	}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "one"}})
	require.Eventually(t, func() bool { return calls.Load() == 1 && !ts.session.EmitActive() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, ts.conn.count(EventStreamFinished))

	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "two"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)
	assert.Equal(t, StateActive, ts.session.State())
}

func TestSessionFinishesWhenHandlerHasNoStream(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	h.stream = func() handler.OutputStream { return nil }
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "x"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	assert.Equal(t, 0, ts.conn.count(EventMedia))
	assert.Equal(t, StateActive, ts.session.State())
}

func TestSessionStreamsIntegerFrames(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	h.stream = func() handler.OutputStream {
		return handler.FromOutputs(
			handler.Frame(8000, []int{0, 0, 0, 0}),
			handler.Frame(8000, []int64{0, 0, 0, 0}),
			handler.Frame(8000, [][]int32{{0, 0, 0, 0}}),
		)
	}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "x"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	var payloads []string
	for _, msg := range ts.conn.messages() {
		if msg.Event == EventMedia && msg.Media != nil {
			payloads = append(payloads, msg.Media.Payload)
		}
	}
	assert.Equal(t, []string{"/////w==", "/////w==", "/////w=="}, payloads)
	assert.Equal(t, []float64{0.0005, 0.0005, 0.0005}, ts.session.PlayingDurations())
}

func TestSessionSkipsBadFrames(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	h.stream = func() handler.OutputStream {
		return handler.FromOutputs(
			handler.Frame(8000, "garbage"),
			handler.Frame(0, []int16{1, 2}),
			handler.Frame(8000, []int16{}),
			handler.Output{},
			handler.Frame(8000, []int16{0, 0, 0, 0}),
		)
	}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "x"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	assert.Equal(t, 1, ts.conn.count(EventMedia))
}

func TestSessionDeliversAdditionalOutputs(t *testing.T) {
	h := &fakeHandler{rate: 8000}
	h.stream = func() handler.OutputStream {
		return handler.FromOutputs(
			handler.Output{
				Frame:      &handler.AudioFrame{SampleRate: 8000, Samples: []int16{0, 0}},
				Additional: handler.Transcript{Text: "hello"},
			},
			handler.Output{Additional: handler.CloseStream{}},
			handler.Frame(8000, []int16{0, 0}),
		)
	}
	ts := startSession(t, h)

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "x"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	assert.Equal(t, 1, ts.conn.count(EventMedia), "frame after close-stream was sent")

	outputs := ts.registry.outputsFor("s1")
	require.Len(t, outputs, 2)
	assert.Equal(t, handler.Transcript{Text: "hello"}, outputs[0])
	assert.True(t, handler.IsCloseStream(outputs[1]))
}

func TestSessionRepeatedStart(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s2"})
	ts.conn.send(t, map[string]any{"event": "ping"})
	ts.conn.waitFor(t, EventPong, 1)

	assert.Equal(t, []string{"s1", "s1", "s2"}, ts.registry.registrations())
	assert.Empty(t, ts.registry.cleanups())
	assert.Equal(t, "s2", ts.session.ID())
	assert.Equal(t, int32(1), ts.handler.startups.Load())

	ts.conn.send(t, map[string]any{"event": "stop"})
	require.NoError(t, ts.wait(t))
	assert.Equal(t, []string{"s2"}, ts.registry.cleanups())
}

func TestSessionInfo(t *testing.T) {
	ts := startSession(t, silenceHandler())

	ts.conn.send(t, map[string]any{"event": "start", "websocket_id": "s1"})
	ts.conn.send(t, map[string]any{"event": "text", "media": map[string]any{"payload": "hello"}})
	ts.conn.waitFor(t, EventStreamFinished, 1)

	info := ts.session.Info()
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, "test", info.RemoteAddr)
	assert.Equal(t, uint64(1), info.FramesSent)
	assert.InDelta(t, 0.0005, info.AudioSeconds, 1e-9)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting_start", StateAwaitingStart.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
