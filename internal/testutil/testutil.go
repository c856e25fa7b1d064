package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

const (
	FixtureEmail = "jane.doe@example.com"
	FixturePhone = "555-123-4567"
)

// FixturePNG is a tiny payload served as image content; the pipeline never
// decodes images.
var FixturePNG = []byte("\x89PNG\r\n\x1a\nshomer-fixture")

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

// BuildBinary compiles ./cmd/shomer into a temp dir and returns its path.
func BuildBinary(t *testing.T, root string) string {
	t.Helper()
	binName := "shomer"
	if runtime.GOOS == "windows" {
		binName = "shomer.exe"
	}
	binPath := filepath.Join(t.TempDir(), binName)

	// #nosec G204 -- arguments are fixed and used only in test binaries.
	build := exec.Command("go", "build", "-o", binPath, "./cmd/shomer")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build shomer binary: %v\n%s", err, string(out))
	}
	return binPath
}

func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected command exit error, got: %v", err)
	}
	return exitErr.ExitCode()
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

func FormatJSON(raw []byte) string {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	encoded, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(raw)
	}
	return fmt.Sprintf("%s\n", string(encoded))
}

// FixtureSite serves the pages used by end-to-end ingestion tests:
//
//	/clean    no PII, no images
//	/contact  one email and one phone number in text and html
//	/gallery  three images, the second of which answers 500
//	/missing  404
type FixtureSite struct {
	*httptest.Server
	imageHits atomic.Int32
}

func NewFixtureSite(t *testing.T) *FixtureSite {
	t.Helper()
	site := &FixtureSite{}
	mux := http.NewServeMux()
	mux.HandleFunc("/clean", func(w http.ResponseWriter, _ *http.Request) {
		writeHTML(w, `<html><head><title>Harbor notes</title><style>p{color:red}</style></head>`+
			`<body><h1>Harbor notes</h1><p>The ferry leaves at noon.</p><script>var x = 1;</script></body></html>`)
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, _ *http.Request) {
		writeHTML(w, `<html><body><h1>Contact</h1>`+
			`<p>Write to `+FixtureEmail+` or call `+FixturePhone+` after lunch.</p></body></html>`)
	})
	mux.HandleFunc("/gallery", func(w http.ResponseWriter, _ *http.Request) {
		writeHTML(w, `<html><body><h1>Gallery</h1>`+
			`<img src="/img/one.png"><img src="/img/broken.png"><img data-src="/img/three.png"></body></html>`)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		site.imageHits.Add(1)
		if strings.HasSuffix(r.URL.Path, "broken.png") {
			http.Error(w, "image backend down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(append(append([]byte{}, FixturePNG...), []byte(r.URL.Path)...))
	})
	site.Server = httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func (s *FixtureSite) Page(name string) string {
	return s.URL + "/" + strings.TrimPrefix(name, "/")
}

func (s *FixtureSite) ImageHits() int {
	return int(s.imageHits.Load())
}

// ClassifierServer answers like the downstream classification service and
// counts requests.
type ClassifierServer struct {
	*httptest.Server
	requests atomic.Int32
	lastText atomic.Value
}

// NewClassifierServer responds with classification label, or with HTTP 503
// when label is empty.
func NewClassifierServer(t *testing.T, label string) *ClassifierServer {
	t.Helper()
	server := &ClassifierServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.requests.Add(1)
		var request struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		server.lastText.Store(request.Text)
		if label == "" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"classification": label,
			"confidence":     0.91,
			"categories":     []string{label},
			"model_version":  "fixture-1",
			"timestamp":      "2026-01-02T03:04:05Z",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *ClassifierServer) Requests() int {
	return int(s.requests.Load())
}

// LastText is the text of the most recent request.
func (s *ClassifierServer) LastText() string {
	text, _ := s.lastText.Load().(string)
	return text
}

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
