package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, CategoryIOFailure, "vault_write_failed", "check vault directory permissions", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIOFailure {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "vault_write_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "check vault directory permissions" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" || HintOf(err) != "" || RetryableOf(err) {
		t.Fatal("expected zero-value classification for plain error")
	}
	if Is(err, CategoryNotFound) {
		t.Fatal("plain error must not match a category")
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternal, "internal_failure", "retry later", false); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
}

func TestIsFindsNestedCategory(t *testing.T) {
	inner := New(CategoryNotFound, "vault_ref_not_found", "vault reference not found")
	outer := Wrap(fmt.Errorf("retrieve original: %w", inner), CategoryIngestFailure, "ingest_failed", "", false)
	if CategoryOf(outer) != CategoryIngestFailure {
		t.Fatalf("outer category: %s", CategoryOf(outer))
	}
	if !Is(outer, CategoryNotFound) {
		t.Fatal("expected nested not_found category to be found")
	}
	if Is(outer, CategoryTransport) {
		t.Fatal("unexpected transport category")
	}
}
