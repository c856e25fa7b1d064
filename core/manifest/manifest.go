// Package manifest builds the per-case manifest that is hashed and signed.
package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/davidahmann/shomer/core/digest"
	coreerrors "github.com/davidahmann/shomer/core/errors"
	"github.com/davidahmann/shomer/core/jcs"
)

//go:embed manifest.schema.json
var schemaJSON []byte

type Artifact struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	VaultRef string `json:"vault_ref,omitempty"`
}

// Manifest is immutable once built. Classification carries the classifier's
// payload as received.
type Manifest struct {
	CaseID         string         `json:"case_id"`
	URL            string         `json:"url"`
	CreatedAt      string         `json:"created_at"`
	Artifacts      []Artifact     `json:"artifacts"`
	PIIDetected    bool           `json:"pii_detected"`
	Classification map[string]any `json:"classification,omitempty"`
}

// Descriptor names an artifact relative to BuildOptions.BasePath.
type Descriptor struct {
	Type     string
	Path     string
	VaultRef string
}

type BuildOptions struct {
	CaseID         string
	URL            string
	BasePath       string
	Artifacts      []Descriptor
	Classification map[string]any
	PIIDetected    bool
	CreatedAt      time.Time
}

// Build hashes every descriptor found on disk, in the given order, and
// assembles the manifest. Descriptors whose file does not exist are left out;
// a partial manifest is valid.
func Build(options BuildOptions) (Manifest, error) {
	artifacts, err := HashArtifacts(options.BasePath, options.Artifacts)
	if err != nil {
		return Manifest{}, err
	}
	return New(options.CaseID, options.URL, artifacts, options.Classification, options.PIIDetected, options.CreatedAt)
}

// HashArtifacts resolves each descriptor against basePath and hashes the ones
// present on disk.
func HashArtifacts(basePath string, descriptors []Descriptor) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(descriptors))
	for _, descriptor := range descriptors {
		resolved := filepath.Join(basePath, filepath.FromSlash(descriptor.Path))
		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat artifact %s: %w", descriptor.Path, err)
		}
		hash, err := digest.File(resolved)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "artifact_hash_failed", "", false)
		}
		artifacts = append(artifacts, Artifact{
			Type:     descriptor.Type,
			Path:     filepath.ToSlash(descriptor.Path),
			Hash:     hash,
			VaultRef: descriptor.VaultRef,
		})
	}
	return artifacts, nil
}

// New assembles a manifest from already hashed artifacts. A zero createdAt
// means now.
func New(caseID, url string, artifacts []Artifact, classification map[string]any, piiDetected bool, createdAt time.Time) (Manifest, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return Manifest{}, coreerrors.New(coreerrors.CategoryInvalidInput, "manifest_case_missing", "manifest requires a case id")
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	for _, artifact := range artifacts {
		if !digest.IsHex(artifact.Hash) {
			return Manifest{}, coreerrors.New(coreerrors.CategoryInvalidInput, "manifest_hash_invalid", fmt.Sprintf("artifact %s has no valid digest", artifact.Path))
		}
	}
	return Manifest{
		CaseID:         caseID,
		URL:            url,
		CreatedAt:      createdAt.UTC().Format(time.RFC3339Nano),
		Artifacts:      append([]Artifact{}, artifacts...),
		PIIDetected:    piiDetected,
		Classification: classification,
	}, nil
}

// Canonical renders m as RFC 8785 JSON. Equal manifests always produce equal
// bytes; this is the form that gets hashed and signed.
func Canonical(m Manifest) ([]byte, error) {
	if m.Artifacts == nil {
		m.Artifacts = []Artifact{}
	}
	out, err := jcs.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return out, nil
}

// Pretty renders an indented form for people. It carries no integrity guarantee.
func Pretty(m Manifest) ([]byte, error) {
	canonical, err := Canonical(m)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(canonical, &generic); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// Digest is the sha256 hex of the canonical form.
func Digest(m Manifest) (string, error) {
	canonical, err := Canonical(m)
	if err != nil {
		return "", err
	}
	return digest.Bytes(canonical), nil
}

// Parse decodes manifest bytes after schema validation.
func Parse(data []byte) (Manifest, error) {
	if err := Validate(data); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, coreerrors.Wrap(fmt.Errorf("decode manifest: %w", err), coreerrors.CategoryVerification, "manifest_invalid", "", false)
	}
	return m, nil
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		compiledSchema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate checks manifest JSON against the embedded schema.
func Validate(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return coreerrors.Wrap(fmt.Errorf("manifest schema validation failed: %v", result.Errors), coreerrors.CategoryVerification, "manifest_invalid", "", false)
}
