package ids

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

func TestRequestIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	raw := RequestID()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if RequestID() == raw {
		t.Fatal("expected unique request ids")
	}
}

func TestTraceIDParsesAsXID(t *testing.T) {
	t.Parallel()

	raw := TraceID()
	if _, err := xid.FromString(raw); err != nil {
		t.Fatalf("xid.FromString(%q): %v", raw, err)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable id should be invalid")
	}
}

func TestEnsureCorrelation(t *testing.T) {
	t.Parallel()

	ctx, id := EnsureCorrelation(context.Background(), "caller-1")
	if id != "caller-1" || Correlation(ctx) != "caller-1" {
		t.Fatalf("expected supplied id to be kept, got %q", id)
	}
	again, id2 := EnsureCorrelation(ctx, "other")
	if id2 != "caller-1" || Correlation(again) != "caller-1" {
		t.Fatalf("expected existing id to win, got %q", id2)
	}
	generated, id3 := EnsureCorrelation(context.Background(), "bad\x01")
	if id3 == "" || Correlation(generated) != id3 {
		t.Fatalf("expected generated id, got %q", id3)
	}
	if WithCorrelation(context.Background(), "") != context.Background() {
		t.Fatal("invalid correlation id should leave ctx untouched")
	}
}
