package pii

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
	"unicode/utf8"
)

const (
	defaultAnalyzerTimeout = 10 * time.Second
	maxAnalyzerResponse    = 8 * 1024 * 1024
)

// AnalyzerDetector calls a Presidio-compatible analyzer service. The service
// reports spans in code points; they are converted to byte offsets here. When a
// call fails the pattern detector answers instead, so detection never aborts
// an ingestion.
type AnalyzerDetector struct {
	endpoint string
	language string
	client   *http.Client
	fallback *PatternDetector
	logger   *slog.Logger
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

func (d *AnalyzerDetector) Strategy() Strategy {
	return StrategyAdvanced
}

func (d *AnalyzerDetector) Detect(ctx context.Context, text string) ([]Detection, error) {
	if text == "" {
		return []Detection{}, nil
	}
	detections, err := d.analyze(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("pii analyzer call failed; using pattern detection", "error", err.Error())
		return d.fallback.Detect(ctx, text)
	}
	return detections, nil
}

func (d *AnalyzerDetector) analyze(ctx context.Context, text string) ([]Detection, error) {
	body, err := json.Marshal(analyzeRequest{Text: text, Language: d.language})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := d.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyze status %d", response.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxAnalyzerResponse))
	if err != nil {
		return nil, fmt.Errorf("read analyze response: %w", err)
	}
	var results []analyzeResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}

	offsets := runeByteOffsets(text)
	detections := make([]Detection, 0, len(results))
	for _, result := range results {
		if result.Start < 0 || result.End >= len(offsets) || result.Start >= result.End {
			continue
		}
		detections = append(detections, Detection{
			EntityType: strings.ToUpper(strings.TrimSpace(result.EntityType)),
			Start:      offsets[result.Start],
			End:        offsets[result.End],
			Score:      result.Score,
		})
	}
	sortDetections(detections)
	return detections, nil
}

// runeByteOffsets maps code point index i to its byte offset; the final entry
// is len(text) so an end index equal to the rune count resolves.
func runeByteOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for index := range text {
		offsets = append(offsets, index)
	}
	return append(offsets, len(text))
}

func probeAnalyzer(ctx context.Context, client *http.Client, endpoint string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("analyzer health status %d", response.StatusCode)
	}
	return nil
}
