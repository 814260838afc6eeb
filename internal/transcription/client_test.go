package transcription

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/stream-gateway/internal/audio"
	"github.com/skypro1111/stream-gateway/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRequest(t *testing.T) *Request {
	t.Helper()
	wav, err := audio.EncodeWAV(make([]int16, 800), 8000)
	require.NoError(t, err)
	return &Request{
		SessionID:   "call-1",
		UtteranceID: 4,
		SampleRate:  8000,
		Duration:    100 * time.Millisecond,
		AudioData:   wav,
	}
}

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:   url,
		APIKey:     "secret",
		Timeout:    5 * time.Second,
		MaxRetries: retries,
		Language:   "en",
		Retry:      engine.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, testLogger(), nil)
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, testLogger(), nil)
	assert.Error(t, err)
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "call-1", r.FormValue("session_id"))
		assert.Equal(t, "4", r.FormValue("utterance_id"))
		assert.Equal(t, "8000", r.FormValue("sample_rate"))
		assert.Equal(t, "en", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "call-1_4.wav", header.Filename)
		data, _ := io.ReadAll(file)
		_, info, err := audio.DecodeWAV(data)
		require.NoError(t, err)
		assert.Equal(t, 800, info.NumFrames)

		json.NewEncoder(w).Encode(Response{Text: "hello world", Confidence: 0.9, Language: "en"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 0)
	resp, err := client.Transcribe(context.Background(), testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Text)
	assert.NotEmpty(t, resp.RequestID)

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestTranscribeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{Text: "ok"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	resp, err := client.Transcribe(context.Background(), testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), client.GetStats().TotalRetries)
}

func TestTranscribeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 3)
	_, err := client.Transcribe(context.Background(), testRequest(t))

	var se *engine.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), client.GetStats().FailedRequests)
}

func TestTranscribeRejectsEmptyAudio(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", 0)
	_, err := client.Transcribe(context.Background(), &Request{SessionID: "x"})
	assert.Error(t, err)
}
