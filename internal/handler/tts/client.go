package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-gateway/internal/engine"
	"github.com/skypro1111/stream-gateway/internal/metrics"
)

// SynthesisRequest is the body posted to the synthesis endpoint
type SynthesisRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id,omitempty"`
}

// ClientConfig contains synthesis client configuration
type ClientConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	Retry         engine.RetryPolicy
}

// Client streams raw PCM s16le audio from a synthesis API
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests  uint64
	failedRequests uint64
	totalRetries   uint64
	bytesStreamed  uint64

	mu sync.RWMutex
}

// ClientStats represents synthesis client statistics
type ClientStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
	TotalRetries   uint64 `json:"total_retries"`
	BytesStreamed  uint64 `json:"bytes_streamed"`
	ActiveStreams  int    `json:"active_streams"`
}

// NewClient creates a new synthesis client
func NewClient(config ClientConfig, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		// Timeout is applied per attempt until headers arrive; the body streams without a deadline.
		httpClient: engine.NewHTTPClient(0),
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "synthesis")),
		metrics:    m,
	}, nil
}

// Synthesize starts a synthesis and returns the PCM body. The caller must
// close it; the concurrency slot is held until then.
func (c *Client) Synthesize(ctx context.Context, req SynthesisRequest) (io.ReadCloser, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Format == "" {
		req.Format = "pcm_s16le"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	select {
	case c.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	retries := 0
	var resp *http.Response
	err = engine.Retry(ctx, c.config.Retry, func() error {
		var err error
		resp, err = c.doRequest(ctx, payload, req.RequestID)
		return err
	}, func(err error, wait time.Duration) {
		retries++
		c.logger.Warn("Retrying synthesis request",
			slog.String("request_id", req.RequestID),
			slog.Int("attempt", retries),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})

	c.metrics.RecordEngineRequest("tts", time.Since(startTime).Seconds(), retries, err != nil)
	c.mu.Lock()
	c.totalRequests++
	c.totalRetries += uint64(retries)
	if err != nil {
		c.failedRequests++
	}
	c.mu.Unlock()

	if err != nil {
		<-c.semaphore
		return nil, fmt.Errorf("synthesis failed after %d attempts: %w", retries+1, err)
	}

	return &pcmBody{body: resp.Body, client: c}, nil
}

func (c *Client) doRequest(ctx context.Context, payload []byte, requestID string) (*http.Response, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc = func() {}
	if c.config.Timeout > 0 {
		// Only bounds the wait for response headers, see pcmBody.
		attemptCtx, cancel = context.WithCancel(ctx)
		timer := time.AfterFunc(c.config.Timeout, cancel)
		defer timer.Stop()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/L16")
	httpReq.Header.Set("User-Agent", "stream-gateway/1.0")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &engine.StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// pcmBody counts streamed bytes and releases the concurrency slot on Close
type pcmBody struct {
	body   io.ReadCloser
	client *Client
	once   sync.Once
}

func (b *pcmBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.client.mu.Lock()
		b.client.bytesStreamed += uint64(n)
		b.client.mu.Unlock()
	}
	return n, err
}

func (b *pcmBody) Close() error {
	err := b.body.Close()
	b.once.Do(func() { <-b.client.semaphore })
	return err
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		TotalRetries:   c.totalRetries,
		BytesStreamed:  c.bytesStreamed,
		ActiveStreams:  len(c.semaphore),
	}
}
