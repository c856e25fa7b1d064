// Package classify calls the external content classifier. It never fails the
// caller: any problem becomes a result whose classification is "error".
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	LabelError       = "error"
	LabelUnknown     = "unknown"
	DefaultTimeout   = 30 * time.Second
	maxResponseBytes = 1024 * 1024
)

type Result struct {
	Classification string   `json:"classification"`
	Confidence     float64  `json:"confidence"`
	Categories     []string `json:"categories"`
	ModelVersion   string   `json:"model_version"`
	Timestamp      string   `json:"timestamp,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Degraded reports whether the classifier could not produce a real answer.
func (r Result) Degraded() bool {
	return r.Classification == LabelError
}

// Payload is the manifest form of r.
func (r Result) Payload() map[string]any {
	categories := make([]any, 0, len(r.Categories))
	for _, category := range r.Categories {
		categories = append(categories, category)
	}
	payload := map[string]any{
		"classification": r.Classification,
		"confidence":     r.Confidence,
		"categories":     categories,
		"model_version":  r.ModelVersion,
	}
	if r.Timestamp != "" {
		payload["timestamp"] = r.Timestamp
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	return payload
}

type Options struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func New(options Options) *Client {
	c := &Client{
		endpoint: strings.TrimSpace(options.Endpoint),
		timeout:  options.Timeout,
		client:   options.HTTPClient,
		logger:   options.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

type classifyRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

type classifyResponse struct {
	Classification *string  `json:"classification"`
	Confidence     float64  `json:"confidence"`
	Categories     []string `json:"categories"`
	ModelVersion   *string  `json:"model_version"`
	Timestamp      string   `json:"timestamp"`
}

// Classify posts text to the classifier. Missing response fields fall back to
// "unknown", zero confidence and no categories.
func (c *Client) Classify(ctx context.Context, text string, metadata map[string]any) Result {
	result, err := c.classify(ctx, text, metadata)
	if err != nil {
		c.logger.Warn("classifier unavailable; recording degraded result", "error", err.Error())
		return Result{
			Classification: LabelError,
			Categories:     []string{},
			ModelVersion:   LabelUnknown,
			Error:          err.Error(),
		}
	}
	return result
}

func (c *Client) classify(ctx context.Context, text string, metadata map[string]any) (Result, error) {
	if c.endpoint == "" {
		return Result{}, fmt.Errorf("classifier endpoint not configured")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(classifyRequest{Text: text, Metadata: metadata})
	if err != nil {
		return Result{}, fmt.Errorf("encode classify request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build classify request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("classify request: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= http.StatusBadRequest {
		return Result{}, fmt.Errorf("classify status %d", response.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read classify response: %w", err)
	}
	var decoded classifyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("decode classify response: %w", err)
	}
	result := Result{
		Classification: LabelUnknown,
		Confidence:     decoded.Confidence,
		Categories:     decoded.Categories,
		ModelVersion:   LabelUnknown,
		Timestamp:      decoded.Timestamp,
	}
	if decoded.Classification != nil {
		result.Classification = *decoded.Classification
	}
	if decoded.ModelVersion != nil {
		result.ModelVersion = *decoded.ModelVersion
	}
	if result.Categories == nil {
		result.Categories = []string{}
	}
	return result, nil
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
