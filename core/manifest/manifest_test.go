package manifest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/shomer/core/digest"
	coreerrors "github.com/davidahmann/shomer/core/errors"
)

var fixedTime = time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)

func writeArtifact(t *testing.T, base, rel, content string) {
	t.Helper()
	path := filepath.Join(base, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestBuildHashesPresentArtifactsInOrder(t *testing.T) {
	base := t.TempDir()
	writeArtifact(t, base, "case-1/text/pseudonymized.txt", "Contact [EMA_1a2b3c4d]")
	writeArtifact(t, base, "case-1/images/image_0.jpg", "jpeg-bytes")

	m, err := Build(BuildOptions{
		CaseID:   "case-1",
		URL:      "https://example.test/page",
		BasePath: base,
		Artifacts: []Descriptor{
			{Type: "text", Path: "case-1/text/pseudonymized.txt"},
			{Type: "original_text", Path: "case-1/text/original.txt", VaultRef: "ref-missing"},
			{Type: "image", Path: "case-1/images/image_0.jpg", VaultRef: "ref-1"},
		},
		PIIDetected: true,
		CreatedAt:   fixedTime,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(m.Artifacts) != 2 {
		t.Fatalf("expected missing artifact to be skipped, got %d artifacts", len(m.Artifacts))
	}
	if m.Artifacts[0].Type != "text" || m.Artifacts[1].Type != "image" {
		t.Fatalf("artifact order not preserved: %+v", m.Artifacts)
	}
	if m.Artifacts[0].Hash != digest.Bytes([]byte("Contact [EMA_1a2b3c4d]")) {
		t.Fatalf("unexpected text hash: %s", m.Artifacts[0].Hash)
	}
	if m.Artifacts[1].VaultRef != "ref-1" {
		t.Fatalf("vault ref lost: %+v", m.Artifacts[1])
	}
	if m.CreatedAt != "2026-03-04T10:30:00Z" {
		t.Fatalf("unexpected created_at: %s", m.CreatedAt)
	}
}

func TestBuildRequiresCaseID(t *testing.T) {
	_, err := Build(BuildOptions{CaseID: "  "})
	if !coreerrors.Is(err, coreerrors.CategoryInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCanonicalIgnoresClassificationKeyOrder(t *testing.T) {
	var first, second map[string]any
	if err := json.Unmarshal([]byte(`{"classification":"benign","confidence":0.91,"categories":["news"],"model_version":"v2"}`), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"model_version":"v2","categories":["news"],"confidence":0.91,"classification":"benign"}`), &second); err != nil {
		t.Fatal(err)
	}
	base := Manifest{CaseID: "case-1", URL: "https://example.test", CreatedAt: "2026-03-04T10:30:00Z"}
	a, b := base, base
	a.Classification = first
	b.Classification = second

	left, err := Canonical(a)
	if err != nil {
		t.Fatalf("canonical a: %v", err)
	}
	right, err := Canonical(b)
	if err != nil {
		t.Fatalf("canonical b: %v", err)
	}
	if !bytes.Equal(left, right) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", left, right)
	}
	if !strings.HasPrefix(string(left), `{"artifacts":[],"case_id":"case-1"`) {
		t.Fatalf("unexpected canonical form: %s", left)
	}
	leftDigest, _ := Digest(a)
	rightDigest, _ := Digest(b)
	if leftDigest != rightDigest || !digest.IsHex(leftDigest) {
		t.Fatalf("digest mismatch: %s %s", leftDigest, rightDigest)
	}
}

func TestCanonicalValidatesAndParses(t *testing.T) {
	m := Manifest{
		CaseID:    "case-1",
		URL:       "https://example.test",
		CreatedAt: "2026-03-04T10:30:00Z",
		Artifacts: []Artifact{{Type: "text", Path: "case-1/text/pseudonymized.txt", Hash: strings.Repeat("a", 64)}},
	}
	canonical, err := Canonical(m)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	parsed, err := Parse(canonical)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.CaseID != m.CaseID || len(parsed.Artifacts) != 1 || parsed.Artifacts[0].Hash != m.Artifacts[0].Hash {
		t.Fatalf("unexpected parsed manifest: %+v", parsed)
	}
}

func TestValidateRejectsBadManifest(t *testing.T) {
	cases := map[string]string{
		"missing_case": `{"url":"u","created_at":"2026-03-04T10:30:00Z","artifacts":[],"pii_detected":false}`,
		"bad_hash":     `{"case_id":"c","url":"u","created_at":"2026-03-04T10:30:00Z","artifacts":[{"type":"text","path":"p","hash":"XYZ"}],"pii_detected":false}`,
		"extra_field":  `{"case_id":"c","url":"u","created_at":"2026-03-04T10:30:00Z","artifacts":[],"pii_detected":false,"note":"x"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate([]byte(payload))
			if !coreerrors.Is(err, coreerrors.CategoryVerification) {
				t.Fatalf("expected verification failure, got %v", err)
			}
		})
	}
}

func TestPrettyMatchesCanonicalContent(t *testing.T) {
	m := Manifest{CaseID: "case-1", URL: "https://example.test", CreatedAt: "2026-03-04T10:30:00Z", PIIDetected: true}
	pretty, err := Pretty(m)
	if err != nil {
		t.Fatalf("pretty: %v", err)
	}
	if !bytes.Contains(pretty, []byte("\n  \"case_id\": \"case-1\"")) {
		t.Fatalf("expected indented output: %s", pretty)
	}
	var fromPretty Manifest
	if err := json.Unmarshal(pretty, &fromPretty); err != nil {
		t.Fatalf("decode pretty: %v", err)
	}
	if fromPretty.CaseID != m.CaseID || !fromPretty.PIIDetected {
		t.Fatalf("pretty lost content: %+v", fromPretty)
	}
}

func TestNewRejectsArtifactWithoutDigest(t *testing.T) {
	_, err := New("case-1", "https://example.test", []Artifact{{Type: "text", Path: "case-1/text.txt", Hash: "not-a-digest"}}, nil, false, fixedTime)
	if !coreerrors.Is(err, coreerrors.CategoryInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
