// Package fetch retrieves pages and images for ingestion and extracts the text
// and image references from HTML.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/shomer/core/errors"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultUserAgent    = "shomer/0.1"
	DefaultMaxBodyBytes = int64(32 * 1024 * 1024)
)

type Page struct {
	FinalURL    string   `json:"final_url"`
	HTML        string   `json:"html"`
	Text        string   `json:"text"`
	ImageURLs   []string `json:"image_urls"`
	StatusCode  int      `json:"status_code"`
	ContentType string   `json:"content_type"`
}

type Options struct {
	// Timeout bounds each call, including body reads.
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	userAgent    string
	maxBodyBytes int64
	logger       *slog.Logger
}

func New(options Options) *Fetcher {
	f := &Fetcher{
		client:       options.HTTPClient,
		timeout:      options.Timeout,
		userAgent:    strings.TrimSpace(options.UserAgent),
		maxBodyBytes: options.MaxBodyBytes,
		logger:       options.Logger,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = DefaultMaxBodyBytes
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

// Fetch downloads rawURL, following redirects, and extracts its text and image
// URLs. Image URLs are resolved against the final URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	body, response, err := f.get(ctx, rawURL)
	if err != nil {
		return Page{}, err
	}
	finalURL := response.Request.URL
	document := string(body)
	text, images, err := Extract(document, finalURL)
	if err != nil {
		return Page{}, coreerrors.Wrap(fmt.Errorf("parse %s: %w", rawURL, err), coreerrors.CategoryTransport, "fetch_parse_failed", "", false)
	}
	f.logger.Debug("page fetched", "url", finalURL.String(), "status", response.StatusCode, "bytes", len(body), "images", len(images))
	return Page{
		FinalURL:    finalURL.String(),
		HTML:        document,
		Text:        text,
		ImageURLs:   images,
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
	}, nil
}

func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Close drops idle connections held by the client.
func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, nil, coreerrors.New(coreerrors.CategoryInvalidInput, "fetch_url_invalid", fmt.Sprintf("unsupported url %q", rawURL))
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, nil, transportError(rawURL, err)
	}
	request.Header.Set("User-Agent", f.userAgent)
	response, err := f.client.Do(request)
	if err != nil {
		return nil, nil, transportError(rawURL, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode >= http.StatusBadRequest {
		return nil, nil, transportError(rawURL, fmt.Errorf("status %d", response.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, nil, transportError(rawURL, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, nil, transportError(rawURL, fmt.Errorf("body exceeds %d bytes", f.maxBodyBytes))
	}
	return body, response, nil
}

func transportError(rawURL string, cause error) error {
	return coreerrors.Wrap(fmt.Errorf("fetch %s: %w", rawURL, cause), coreerrors.CategoryTransport, "fetch_failed", "check network access to the source", true)
}
