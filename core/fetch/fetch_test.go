package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

const samplePage = `<!doctype html>
<html><head>
<title>Community notes</title>
<meta name="description" content="hidden">
<style>body { color: red; }</style>
<script>var secret = "nope";</script>
</head>
<body>
  <h1>Weekly update</h1>
  <p>  Reach the desk at the front office. </p>
  <img src="/static/one.png">
  <img data-src="two.jpg">
  <img alt="no source">
  <img src="https://cdn.example.test/three.gif">
</body></html>`

func TestExtractTextAndImages(t *testing.T) {
	base, _ := url.Parse("https://example.test/news/page.html")
	text, images, err := Extract(samplePage, base)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Community notes\nWeekly update\nReach the desk at the front office." {
		t.Fatalf("unexpected text: %q", text)
	}
	want := []string{
		"https://example.test/static/one.png",
		"https://example.test/news/two.jpg",
		"https://cdn.example.test/three.gif",
	}
	if strings.Join(images, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected images: %v", images)
	}
}

func TestFetchFollowsRedirectAndResolvesAgainstFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/articles/final", http.StatusFound)
	})
	mux.HandleFunc("/articles/final", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "shomer-test" {
			t.Errorf("unexpected user agent: %s", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<p>hello</p><img src="pic.png">`))
	})
	mux.HandleFunc("/articles/pic.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := New(Options{UserAgent: "shomer-test", HTTPClient: server.Client()})
	defer func() {
		_ = fetcher.Close()
	}()
	page, err := fetcher.Fetch(context.Background(), server.URL+"/start")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.FinalURL != server.URL+"/articles/final" {
		t.Fatalf("unexpected final url: %s", page.FinalURL)
	}
	if page.StatusCode != http.StatusOK || !strings.HasPrefix(page.ContentType, "text/html") {
		t.Fatalf("unexpected response metadata: %d %s", page.StatusCode, page.ContentType)
	}
	if page.Text != "hello" || len(page.ImageURLs) != 1 || page.ImageURLs[0] != server.URL+"/articles/pic.png" {
		t.Fatalf("unexpected extraction: %#v", page)
	}
	image, err := fetcher.FetchImage(context.Background(), page.ImageURLs[0])
	if err != nil {
		t.Fatalf("fetch image: %v", err)
	}
	if string(image) != "png-bytes" {
		t.Fatalf("unexpected image bytes: %q", image)
	}
}

func TestFetchErrorsAreTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := New(Options{HTTPClient: server.Client()})
	_, err := fetcher.Fetch(context.Background(), server.URL+"/missing")
	if !coreerrors.Is(err, coreerrors.CategoryTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := fetcher.FetchImage(context.Background(), server.URL+"/missing.png"); !coreerrors.Is(err, coreerrors.CategoryTransport) {
		t.Fatalf("expected transport error for image, got %v", err)
	}
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	fetcher := New(Options{Timeout: 50 * time.Millisecond, HTTPClient: server.Client()})
	started := time.Now()
	_, err := fetcher.Fetch(context.Background(), server.URL)
	if !coreerrors.Is(err, coreerrors.CategoryTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatal("per-call timeout was not applied")
	}
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	fetcher := New(Options{})
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.test/x", "not a url", "http://"} {
		if _, err := fetcher.Fetch(context.Background(), raw); !coreerrors.Is(err, coreerrors.CategoryInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", raw, err)
		}
	}
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer server.Close()

	fetcher := New(Options{MaxBodyBytes: 1024, HTTPClient: server.Client()})
	if _, err := fetcher.FetchImage(context.Background(), server.URL); !coreerrors.Is(err, coreerrors.CategoryTransport) {
		t.Fatalf("expected body limit error, got %v", err)
	}
}
