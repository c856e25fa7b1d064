package pii

import (
	"context"
	"regexp"
)

const patternScore = 0.8

type entityPattern struct {
	entityType string
	expr       *regexp.Regexp
}

var defaultPatterns = []entityPattern{
	{entityType: "EMAIL", expr: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{entityType: "PHONE", expr: regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{entityType: "SSN", expr: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{entityType: "CREDIT_CARD", expr: regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)},
}

// PatternDetector is the regex fallback: emails, phone numbers, SSN-like and
// credit-card-like numbers. It always scores matches at 0.8.
type PatternDetector struct {
	patterns []entityPattern
}

func NewPatternDetector() *PatternDetector {
	return &PatternDetector{patterns: defaultPatterns}
}

func (d *PatternDetector) Strategy() Strategy {
	return StrategyPattern
}

func (d *PatternDetector) Detect(ctx context.Context, text string) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detections := make([]Detection, 0)
	for _, pattern := range d.patterns {
		for _, match := range pattern.expr.FindAllStringIndex(text, -1) {
			detections = append(detections, Detection{
				EntityType: pattern.entityType,
				Start:      match[0],
				End:        match[1],
				Score:      patternScore,
			})
		}
	}
	sortDetections(detections)
	return detections, nil
}
