// Package ids generates and validates the identifiers carried by every
// request: the request id, the trace id and the caller supplied correlation id.
package ids

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// MaxLength bounds externally supplied identifiers.
const MaxLength = 128

// RequestID returns a time-ordered UUIDv7 string. It panics if the system
// random source fails.
func RequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TraceID returns a compact sortable identifier used when no tracing span is
// recording for the request.
func TraceID() string {
	return xid.New().String()
}

// Normalize validates and canonicalizes an external identifier. It returns the
// trimmed id and true if the input is printable ASCII within MaxLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

type correlationKey struct{}

// WithCorrelation stores a normalized correlation id on ctx. Invalid ids leave
// ctx untouched.
func WithCorrelation(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, normalized)
}

// Correlation returns the correlation id stored on ctx, if any.
func Correlation(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelation returns ctx carrying the supplied correlation id when it is
// valid, otherwise a freshly generated one. The chosen id is returned too.
func EnsureCorrelation(ctx context.Context, supplied string) (context.Context, string) {
	if id := Correlation(ctx); id != "" {
		return ctx, id
	}
	if normalized, ok := Normalize(supplied); ok {
		return WithCorrelation(ctx, normalized), normalized
	}
	id := RequestID()
	return WithCorrelation(ctx, id), id
}
