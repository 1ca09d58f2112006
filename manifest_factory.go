package routed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/manifest"
	"pkt.systems/routed/internal/manifest/disk"
	"pkt.systems/routed/internal/manifest/sqlite"
)

// OpenManifest opens the manifest index selected by dsn (mem://, disk:///dir
// or sqlite:///path/manifest.db) and loads any records it already holds.
func OpenManifest(ctx context.Context, dsn string, logger pslog.Logger) (*manifest.Index, error) {
	return openManifest(ctx, dsn, logger, nil)
}

func openManifest(ctx context.Context, dsn string, logger pslog.Logger, clk clock.Clock) (*manifest.Index, error) {
	parsed, err := parseManifestDSN(dsn)
	if err != nil {
		return nil, err
	}
	backend, err := openManifestBackend(parsed)
	if err != nil {
		return nil, err
	}
	opts := []manifest.Option{manifest.WithLogger(logger), manifest.WithClock(clk)}
	if backend != nil {
		opts = append(opts, manifest.WithBackend(backend))
	}
	ix, err := manifest.NewIndex(ctx, opts...)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	if logger != nil {
		logger.Info("manifest.open", "scheme", parsed.scheme, "path", parsed.path, "entries", ix.Len(), "version", ix.Version())
	}
	return ix, nil
}

func openManifestBackend(dsn manifestDSN) (manifest.Backend, error) {
	switch dsn.scheme {
	case "mem":
		return nil, nil
	case "disk":
		store, err := disk.New(dsn.path)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		return store, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(dsn.path), 0o755); err != nil {
			return nil, fmt.Errorf("manifest: prepare sqlite dir: %w", err)
		}
		store, err := sqlite.Open(dsn.path)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("manifest: unsupported scheme %q", dsn.scheme)
	}
}
