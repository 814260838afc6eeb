package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/stream-gateway/internal/engine"
	"github.com/skypro1111/stream-gateway/internal/metrics"
)

// Client sends utterances to the transcription API
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Language      string
	Model         string
	Retry         engine.RetryPolicy
}

// Request is one utterance to transcribe
type Request struct {
	SessionID   string
	UtteranceID uint64
	SampleRate  int
	Duration    time.Duration
	Confidence  float32
	AudioData   []byte // WAV encoded
}

// Response represents the response from the transcription API
type Response struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Language   string    `json:"language,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	Duration   float64   `json:"duration"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	config.Retry.MaxRetries = config.MaxRetries
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:     config,
		httpClient: engine.NewHTTPClient(config.Timeout),
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With(slog.String("component", "transcription")),
		metrics:    m,
	}, nil
}

// Transcribe sends an utterance for transcription, retrying transient failures
func (c *Client) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	if request == nil || len(request.AudioData) == 0 {
		return nil, fmt.Errorf("transcription request has no audio")
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	requestID := uuid.NewString()
	retries := 0

	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	var response *Response
	err := engine.Retry(ctx, c.config.Retry, func() error {
		var err error
		response, err = c.doRequest(ctx, request, requestID)
		return err
	}, func(err error, wait time.Duration) {
		retries++
		c.logger.Warn("Retrying transcription request",
			slog.String("session_id", request.SessionID),
			slog.String("request_id", requestID),
			slog.Int("attempt", retries),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})

	elapsed := time.Since(startTime)
	c.metrics.RecordEngineRequest("stt", elapsed.Seconds(), retries, err != nil)

	c.mu.Lock()
	c.totalRetries += uint64(retries)
	if err != nil {
		c.failedRequests++
	} else {
		c.successRequests++
		if c.avgResponseTime == 0 {
			c.avgResponseTime = elapsed
		} else {
			c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
		}
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("transcription failed after %d attempts: %w", retries+1, err)
	}
	if response.RequestID == "" {
		response.RequestID = requestID
	}
	return response, nil
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, request *Request, requestID string) (*Response, error) {
	body, contentType, err := c.createMultipartRequest(request, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "stream-gateway/1.0")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &engine.StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var transcriptionResp Response
	if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &transcriptionResp, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request *Request, requestID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("%s_%d.wav", request.SessionID, request.UtteranceID)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(request.AudioData); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"session_id", request.SessionID},
		{"utterance_id", strconv.FormatUint(request.UtteranceID, 10)},
		{"sample_rate", strconv.Itoa(request.SampleRate)},
		{"duration", fmt.Sprintf("%.3f", request.Duration.Seconds())},
		{"confidence", fmt.Sprintf("%.3f", request.Confidence)},
		{"request_id", requestID},
		{"format", "wav"},
	}
	if c.config.Language != "" {
		fields = append(fields, [2]string{"language", c.config.Language})
	}
	if c.config.Model != "" {
		fields = append(fields, [2]string{"model", c.config.Model})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
