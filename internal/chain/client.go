package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
)

// Client pushes utterances to a Compress HTTP endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains chain client configuration
type Config struct {
	URL           string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Params are the Compress stage options sent with each push
type Params struct {
	Codec    string
	Bitrate  string
	TargetSR int
	Save     bool
}

// DefaultParams returns the Compress options used when a flow gives none
func DefaultParams(sampleRate int) Params {
	return Params{
		Codec:    "mp3",
		Bitrate:  "16k",
		TargetSR: sampleRate,
		Save:     true,
	}
}

// PushRequest is one utterance to push
type PushRequest struct {
	URL      string // overrides Config.URL when set
	FlowID   string
	DeviceID string
	WAV      []byte
	Params   Params
}

// Descriptor is the JSON answer of the Compress stage when save=true
type Descriptor struct {
	Status            string  `json:"status"`
	Stage             string  `json:"stage,omitempty"`
	FlowID            string  `json:"flowId,omitempty"`
	DeviceID          string  `json:"deviceId,omitempty"`
	Codec             string  `json:"codec,omitempty"`
	Bitrate           string  `json:"bitrate,omitempty"`
	TargetSR          int     `json:"target_sr,omitempty"`
	OriginalSize      int     `json:"original_size_bytes,omitempty"`
	CompressedSize    int     `json:"compressed_size_bytes,omitempty"`
	CompressionRatio  float64 `json:"compression_ratio,omitempty"`
	ProcessingTimeSec float64 `json:"processing_time_sec,omitempty"`
	OutputURL         string  `json:"output_url,omitempty"`
	Code              string  `json:"code,omitempty"`
	Msg               string  `json:"msg,omitempty"`
	Len               int     `json:"len,omitempty"`
}

// PushResult is the outcome of a successful push
type PushResult struct {
	// Descriptor is the stage's JSON body, or a synthesized
	// {"status":"unknown","len":N} when the body is not JSON
	Descriptor  json.RawMessage
	Body        []byte
	ContentType string
	RequestID   string
}

// Decode parses the descriptor
func (r *PushResult) Decode() (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(r.Descriptor, &d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	return &d, nil
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

// statusError is a non-2xx answer
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a new chain push client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("compress URL cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}

	if config.BackoffMax <= 0 {
		config.BackoffMax = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
	}, nil
}

// Push sends one utterance to the Compress stage. Failures carry the
// CHAIN_COMPRESS_FAILED reason.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResult, error) {
	if len(req.WAV) == 0 {
		return nil, errorsx.New(errorsx.ReasonChainCompressFailed, "empty utterance")
	}

	// Acquire semaphore
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonChainCompressFailed)
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	requestID := uuid.NewString()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoff := c.backoff(attempt)

			c.logger.Debug("Retrying compress push",
				slog.String("flow_id", req.FlowID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonChainCompressFailed)
			}
		}

		result, err := c.doRequest(ctx, req, requestID)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, errorsx.Wrap(
		fmt.Errorf("compress push failed after %d attempts: %w", c.config.MaxRetries+1, lastErr),
		errorsx.ReasonChainCompressFailed)
}

// backoff returns the wait before the given retry attempt
func (c *Client) backoff(attempt int) time.Duration {
	backoff := c.config.BackoffBase << (attempt - 1)
	if backoff <= 0 || backoff > c.config.BackoffMax {
		backoff = c.config.BackoffMax
	}
	return backoff
}

// Budget returns the longest a Push can take once it holds a slot: every
// attempt running to its timeout plus the waits between them
func (c *Client) Budget() time.Duration {
	budget := time.Duration(c.config.MaxRetries+1) * c.config.Timeout
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		budget += c.backoff(attempt)
	}
	return budget
}

// doRequest performs a single HTTP request
func (c *Client) doRequest(ctx context.Context, req *PushRequest, requestID string) (*PushResult, error) {
	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	url := req.URL
	if url == "" {
		url = c.config.URL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Request-ID", requestID)
	httpReq.Header.Set("User-Agent", "vad-orchestrator/1.0")

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
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	result := &PushResult{
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
		RequestID:   requestID,
	}

	if json.Valid(respBody) && isJSONObject(respBody) {
		result.Descriptor = json.RawMessage(respBody)
	} else {
		// Raw compressed bytes (save=false) or an unexpected body
		result.Descriptor, _ = json.Marshal(Descriptor{Status: "unknown", Len: len(respBody)})
	}

	return result, nil
}

// buildMultipart creates the multipart/form-data body
func buildMultipart(req *PushRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	save := "false"
	if req.Params.Save {
		save = "true"
	}

	// Ordered so the stage sees the same field order on every request
	fields := [][2]string{
		{"codec", req.Params.Codec},
		{"bitrate", req.Params.Bitrate},
		{"target_sr", strconv.Itoa(req.Params.TargetSR)},
		{"save", save},
		{"flowId", req.FlowID},
		{"deviceId", req.DeviceID},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	header := make(textproto.MIMEHeader)
	header["Content-Disposition"] = []string{mime.FormatMediaType("form-data", map[string]string{
		"name":     "file",
		"filename": "vad_output.wav",
	})}
	header["Content-Type"] = []string{"audio/wav"}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(req.WAV); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func isJSONObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// isRetryable reports whether a failed attempt may succeed on retry:
// 5xx and 429 answers, timeouts and transport errors
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
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

// Close waits for in-flight pushes to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
