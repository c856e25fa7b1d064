package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

const tokenHashLength = 8

// Pseudonymizer derives stable surrogate tokens with HMAC-SHA256. The same key,
// value and entity type always produce the same token.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer requires a non-empty key: without one redaction is neither
// reproducible nor safe, so construction fails with a configuration error.
func NewPseudonymizer(key string) (*Pseudonymizer, error) {
	if key == "" {
		return nil, coreerrors.New(coreerrors.CategoryConfiguration, "hmac_key_missing", "HMAC key is required for deterministic pseudonymization")
	}
	return &Pseudonymizer{key: []byte(key)}, nil
}

// Pseudonymize returns "[<ABBR>_<hash8>]" where ABBR is the first three
// characters of entityType upper-cased (VAL when entityType is empty).
func (p *Pseudonymizer) Pseudonymize(value, entityType string) string {
	message := value
	prefix := "VAL"
	if entityType != "" {
		message = entityType + ":" + value
		prefix = strings.ToUpper(firstRunes(entityType, 3))
	}
	mac := hmac.New(sha256.New, p.key)
	_, _ = mac.Write([]byte(message))
	sum := hex.EncodeToString(mac.Sum(nil))
	return "[" + prefix + "_" + sum[:tokenHashLength] + "]"
}

// PseudonymizeText replaces the spans kept by ResolveOverlaps, working from the
// last span backwards so earlier offsets stay valid.
func (p *Pseudonymizer) PseudonymizeText(text string, detections []Detection) string {
	spans := ResolveOverlaps(detections, len(text))
	if len(spans) == 0 {
		return text
	}
	result := text
	for index := len(spans) - 1; index >= 0; index-- {
		span := spans[index]
		entityType := span.EntityType
		if entityType == "" {
			entityType = "UNKNOWN"
		}
		token := p.Pseudonymize(text[span.Start:span.End], entityType)
		result = result[:span.Start] + token + result[span.End:]
	}
	return result
}

func firstRunes(s string, n int) string {
	count := 0
	for index := range s {
		if count == n {
			return s[:index]
		}
		count++
	}
	return s
}
