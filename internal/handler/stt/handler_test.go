package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/handler"
	"github.com/skypro1111/stream-gateway/internal/transcription"
	"github.com/skypro1111/stream-gateway/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTranscriber struct {
	mu       sync.Mutex
	requests []*transcription.Request
	text     string
	err      error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req *transcription.Request) (*transcription.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &transcription.Response{Text: f.text, Language: "en", Confidence: 0.9}, nil
}

func testConfig() Config {
	return Config{
		InputSampleRate: 8000,
		VAD:             vad.Config{Threshold: 0.3, WindowSize: 160, Smoothing: 1},
		Segment: audio.SegmenterConfig{
			MinSpeechDuration:  40 * time.Millisecond,
			MinSilenceDuration: 40 * time.Millisecond,
			MaxDuration:        5 * time.Second,
		},
		MaxPendingUtterances: 2,
	}
}

func payload(value int16, n int) string {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return base64.StdEncoding.EncodeToString(audio.EncodeMuLaw(samples))
}

// speak sends one complete utterance: speech followed by enough silence to close it
func speak(t *testing.T, h *Handler) {
	t.Helper()
	require.NoError(t, h.Receive(context.Background(), payload(8000, 480)))
	require.NoError(t, h.Receive(context.Background(), payload(0, 400)))
}

func TestHandlerTranscribesUtterance(t *testing.T) {
	tr := &fakeTranscriber{text: " hello there "}
	h, err := NewHandler(tr, testConfig(), testLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, h.StartUp(context.Background()))

	speak(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := h.Emit().Next(ctx)
	require.NoError(t, err)

	frame, extra := out.Split()
	assert.Nil(t, frame)
	transcript, ok := extra.(handler.Transcript)
	require.True(t, ok)
	assert.Equal(t, "hello there", transcript.Text)
	assert.Equal(t, "en", transcript.Language)

	require.Len(t, tr.requests, 1)
	req := tr.requests[0]
	assert.Equal(t, 8000, req.SampleRate)
	_, info, err := audio.DecodeWAV(req.AudioData)
	require.NoError(t, err)
	assert.Equal(t, 480+320, info.NumFrames)
}

func TestHandlerEchoesAudio(t *testing.T) {
	cfg := testConfig()
	cfg.EchoAudio = true
	h, err := NewHandler(&fakeTranscriber{text: "hi"}, cfg, testLogger(), nil)
	require.NoError(t, err)

	speak(t, h)

	out, err := h.Emit().Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Frame)
	assert.Equal(t, 8000, out.Frame.SampleRate)
	assert.Len(t, out.Frame.Samples.([]int16), 800)
}

func TestHandlerCarriesPartialWindows(t *testing.T) {
	h, err := NewHandler(&fakeTranscriber{text: "x"}, testConfig(), testLogger(), nil)
	require.NoError(t, err)

	// 100 samples at a time never align with the 160 sample window
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Receive(context.Background(), payload(8000, 100)))
	}
	assert.Equal(t, "collecting", h.Stats().State)
	assert.Len(t, h.carry, 500%160)
}

func TestHandlerSkipsEmptyTranscripts(t *testing.T) {
	tr := &fakeTranscriber{text: ""}
	h, err := NewHandler(tr, testConfig(), testLogger(), nil)
	require.NoError(t, err)

	speak(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Emit().Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, tr.requests, 1)
}

func TestHandlerTranscriptionError(t *testing.T) {
	h, err := NewHandler(&fakeTranscriber{err: errors.New("api down")}, testConfig(), testLogger(), nil)
	require.NoError(t, err)

	speak(t, h)

	_, err = h.Emit().Next(context.Background())
	assert.ErrorContains(t, err, "api down")
}

func TestHandlerDropsWhenQueueFull(t *testing.T) {
	tr := &fakeTranscriber{text: "x"}
	h, err := NewHandler(tr, testConfig(), testLogger(), nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		speak(t, h)
	}
	assert.Len(t, h.utterances, 2)
}

func TestHandlerShutdownEndsStream(t *testing.T) {
	h, err := NewHandler(&fakeTranscriber{text: "x"}, testConfig(), testLogger(), nil)
	require.NoError(t, err)

	stream := h.Emit()
	result := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		result <- err
	}()

	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, h.Shutdown(context.Background()))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("stream did not end after shutdown")
	}
	assert.Error(t, h.Receive(context.Background(), payload(0, 160)))
}

func TestHandlerRejectsBadInput(t *testing.T) {
	h, err := NewHandler(&fakeTranscriber{}, testConfig(), testLogger(), nil)
	require.NoError(t, err)
	assert.Error(t, h.Receive(context.Background(), "%%% not base64"))

	cfg := testConfig()
	cfg.InputEncoding = "opus"
	_, err = NewHandler(&fakeTranscriber{}, cfg, testLogger(), nil)
	assert.Error(t, err)
}
