package pii

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type DetectorOptions struct {
	// AnalyzerURL enables the advanced strategy when non-empty.
	AnalyzerURL string
	Language    string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewDetector selects the detection strategy once. The advanced analyzer is used
// only if it is configured and answers its health probe; otherwise the pattern
// detector is returned. Analyzer problems are logged, never returned.
func NewDetector(ctx context.Context, options DetectorOptions) Detector {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pattern := NewPatternDetector()
	endpoint := strings.TrimRight(strings.TrimSpace(options.AnalyzerURL), "/")
	if endpoint == "" {
		return pattern
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultAnalyzerTimeout
	}
	client := options.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	language := strings.TrimSpace(options.Language)
	if language == "" {
		language = "en"
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := probeAnalyzer(probeCtx, client, endpoint); err != nil {
		logger.Warn("pii analyzer unavailable; falling back to pattern detection", "analyzer_url", endpoint, "error", err.Error())
		return pattern
	}
	logger.Info("pii analyzer selected", "analyzer_url", endpoint, "language", language)
	return &AnalyzerDetector{
		endpoint: endpoint,
		language: language,
		client:   client,
		fallback: pattern,
		logger:   logger,
	}
}

// Engine pairs a detector with a pseudonymizer.
type Engine struct {
	detector      Detector
	pseudonymizer *Pseudonymizer
}

func NewEngine(detector Detector, pseudonymizer *Pseudonymizer) *Engine {
	if detector == nil {
		detector = NewPatternDetector()
	}
	return &Engine{detector: detector, pseudonymizer: pseudonymizer}
}

func (e *Engine) Strategy() Strategy {
	return e.detector.Strategy()
}

func (e *Engine) Detect(ctx context.Context, text string) ([]Detection, error) {
	return e.detector.Detect(ctx, text)
}

func (e *Engine) Pseudonymizer() *Pseudonymizer {
	return e.pseudonymizer
}

// Redaction is the outcome of Redact. Counts holds detections per entity type
// and is safe to record in the custody log.
type Redaction struct {
	Text       string
	Detections []Detection
	Counts     map[string]int
}

func (r Redaction) Found() bool {
	return len(r.Detections) > 0
}

// Redact detects and pseudonymizes in one step. Text without detections comes
// back unchanged.
func (e *Engine) Redact(ctx context.Context, text string) (Redaction, error) {
	detections, err := e.detector.Detect(ctx, text)
	if err != nil {
		return Redaction{}, err
	}
	counts := make(map[string]int)
	for _, detection := range detections {
		counts[detection.EntityType]++
	}
	if len(detections) == 0 {
		return Redaction{Text: text, Detections: detections, Counts: counts}, nil
	}
	return Redaction{
		Text:       e.pseudonymizer.PseudonymizeText(text, detections),
		Detections: detections,
		Counts:     counts,
	}, nil
}

// Scrub pseudonymizes whatever the pattern detector finds in s. Used on error
// strings before they reach the custody log.
func (e *Engine) Scrub(s string) string {
	detections, err := NewPatternDetector().Detect(context.Background(), s)
	if err != nil || len(detections) == 0 {
		return s
	}
	return e.pseudonymizer.PseudonymizeText(s, detections)
}
