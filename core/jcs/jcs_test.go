package jcs

import "testing"

func TestCanonicalizeJSON(t *testing.T) {
	in := []byte(`{ "b":2, "a":1 }`)
	want := `{"a":1,"b":2}`
	out, err := CanonicalizeJSON(in)
	if err != nil {
		t.Fatalf("canonicalize error: %v", err)
	}
	if string(out) != want {
		t.Fatalf("unexpected canonical form: %s", string(out))
	}
}

func TestDigestJCSStable(t *testing.T) {
	da, err := DigestJCS([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	db, err := DigestJCS([]byte(`{ "b":2, "a":1 }`))
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	if da != db {
		t.Fatalf("expected same digest for equivalent JSON")
	}
}

func TestMarshalKeepsNonASCIIAndHTML(t *testing.T) {
	out, err := Marshal(map[string]string{"url": "https://example.org/?a=1&b=<x>", "title": "שומר"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"title":"שומר","url":"https://example.org/?a=1&b=<x>"}`
	if string(out) != want {
		t.Fatalf("unexpected canonical form: %s", string(out))
	}
}

func TestMarshalMapOrderIndependent(t *testing.T) {
	left := map[string]any{"z": 1, "a": map[string]any{"y": true, "b": "x"}}
	right := map[string]any{"a": map[string]any{"b": "x", "y": true}, "z": 1}
	lb, err := Marshal(left)
	if err != nil {
		t.Fatalf("marshal left: %v", err)
	}
	rb, err := Marshal(right)
	if err != nil {
		t.Fatalf("marshal right: %v", err)
	}
	if string(lb) != string(rb) {
		t.Fatalf("expected identical bytes:\n%s\n%s", lb, rb)
	}
}

func TestCanonicalizeJSONInvalid(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte(`{`)); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}
