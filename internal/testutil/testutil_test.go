package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestRepoRootContainsGoMod(t *testing.T) {
	root := RepoRoot(t)
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("expected go.mod at repo root: %v", err)
	}
}

func TestWriteFileAndMustReadFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "output.json")
	WriteFile(t, target, []byte(`{"ok":true}`))
	got := MustReadFile(t, target)
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected file content: %q", string(got))
	}
}

func TestFormatJSON(t *testing.T) {
	formatted := FormatJSON([]byte(`{"ok":true}`))
	if !strings.Contains(formatted, "\"ok\": true") {
		t.Fatalf("expected pretty-printed json, got=%q", formatted)
	}

	raw := "not-json"
	if got := FormatJSON([]byte(raw)); got != raw {
		t.Fatalf("expected raw passthrough for invalid json, got=%q", got)
	}
}

func TestFixtureSitePages(t *testing.T) {
	site := NewFixtureSite(t)

	body := get(t, site.Page("contact"), http.StatusOK)
	if !strings.Contains(body, FixtureEmail) || !strings.Contains(body, FixturePhone) {
		t.Fatalf("contact page lacks fixture pii: %q", body)
	}
	get(t, site.Page("/missing"), http.StatusNotFound)
	get(t, site.Page("img/broken.png"), http.StatusInternalServerError)
	image := get(t, site.Page("img/one.png"), http.StatusOK)
	if !bytes.HasPrefix([]byte(image), FixturePNG) {
		t.Fatalf("unexpected image payload: %q", image)
	}
	if site.ImageHits() != 2 {
		t.Fatalf("expected 2 image hits, got %d", site.ImageHits())
	}
}

func TestClassifierServer(t *testing.T) {
	server := NewClassifierServer(t, "benign")
	response, err := http.Post(server.URL, "application/json", strings.NewReader(`{"text":"hello","metadata":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["classification"] != "benign" {
		t.Fatalf("unexpected classification: %v", decoded["classification"])
	}
	if server.Requests() != 1 || server.LastText() != "hello" {
		t.Fatalf("unexpected request record: %d %q", server.Requests(), server.LastText())
	}

	down := NewClassifierServer(t, "")
	response, err = http.Post(down.URL, "application/json", strings.NewReader(`{"text":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", response.StatusCode)
	}
}

func get(t *testing.T, url string, want int) string {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = response.Body.Close() }()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if response.StatusCode != want {
		t.Fatalf("get %s: status %d want %d", url, response.StatusCode, want)
	}
	return string(body)
}

func TestCommandExitCode(t *testing.T) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/c", "exit 7")
	} else {
		cmd = exec.Command("sh", "-c", "exit 7")
	}
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if code := CommandExitCode(t, err); code != 7 {
		t.Fatalf("unexpected exit code: got=%d want=7", code)
	}
}
