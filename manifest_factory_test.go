package routed

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/routed/internal/unit"
)

func TestOpenManifestBackends(t *testing.T) {
	dir := t.TempDir()
	for _, dsn := range []string{
		"disk://" + filepath.Join(dir, "disk"),
		"sqlite://" + filepath.Join(dir, "nested", "manifest.db"),
	} {
		t.Run(dsn, func(t *testing.T) {
			ctx := context.Background()
			ix, err := OpenManifest(ctx, dsn, nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			desc := unit.Descriptor{
				SourceID:     "users/[id]",
				Kind:         unit.KindHandler,
				Method:       "GET",
				PathPattern:  "/users/:id",
				EntryRef:     "GET",
				Path:         "users/[id].go",
				LastModified: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
			}
			if _, err := ix.Upsert(ctx, desc); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := ix.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}

			reopened, err := OpenManifest(ctx, dsn, nil)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer reopened.Close(ctx)
			got, ok := reopened.Get("users/[id]")
			if !ok {
				t.Fatalf("descriptor not persisted")
			}
			if got.PathPattern != desc.PathPattern || got.LastModified != desc.LastModified {
				t.Fatalf("unexpected descriptor %+v", got)
			}
		})
	}
}

func TestOpenManifestMemory(t *testing.T) {
	ix, err := OpenManifest(context.Background(), "mem://", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ix.Len() != 0 {
		t.Fatalf("expected empty index")
	}
	if _, err := OpenManifest(context.Background(), "redis://x", nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
