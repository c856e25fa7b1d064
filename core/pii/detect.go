// Package pii finds personally identifying spans in text and replaces them with
// deterministic keyed pseudonyms.
package pii

import (
	"context"
	"sort"
)

// Strategy names the detection backend chosen when the detector is built.
type Strategy string

const (
	StrategyAdvanced Strategy = "advanced"
	StrategyPattern  Strategy = "pattern"
)

// Detection is a half-open byte span [Start, End) of text.
type Detection struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

type Detector interface {
	Detect(ctx context.Context, text string) ([]Detection, error)
	Strategy() Strategy
}

func sortDetections(detections []Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		left, right := detections[i], detections[j]
		if left.Start != right.Start {
			return left.Start < right.Start
		}
		if left.End != right.End {
			return left.End > right.End
		}
		if left.Score != right.Score {
			return left.Score > right.Score
		}
		return left.EntityType < right.EntityType
	})
}

// ResolveOverlaps returns the spans that pseudonymization will replace, ordered
// by start. Out-of-range and empty spans are dropped. Among overlapping spans
// the earliest wins; at equal starts the longest wins, then the higher score.
// A span whose start falls inside an already kept span is discarded.
func ResolveOverlaps(detections []Detection, textLength int) []Detection {
	candidates := make([]Detection, 0, len(detections))
	for _, detection := range detections {
		if detection.Start < 0 || detection.End > textLength || detection.Start >= detection.End {
			continue
		}
		candidates = append(candidates, detection)
	}
	sortDetections(candidates)
	kept := make([]Detection, 0, len(candidates))
	lastEnd := -1
	for _, candidate := range candidates {
		if candidate.Start < lastEnd {
			continue
		}
		kept = append(kept, candidate)
		lastEnd = candidate.End
	}
	return kept
}
