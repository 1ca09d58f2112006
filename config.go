package routed

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"pkt.systems/routed/internal/httpapi"
	"pkt.systems/routed/internal/watch"
	"pkt.systems/routed/pipeline"
)

// EnvTrace toggles request tracing when Config.TraceSet is false.
const EnvTrace = "ROUTED_TRACE"

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultSourceRoot is the directory scanned for units.
	DefaultSourceRoot = "routes"
	// DefaultManifest keeps the manifest in memory only.
	DefaultManifest = "mem://"
	// DefaultDebounce is the quiet window that closes a watch batch.
	DefaultDebounce = watch.DefaultDebounce
	// DefaultHandlerTimeout bounds handler execution unless an entry overrides it.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown when the caller supplies no deadline.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultTraceRetention is how long finished traces stay queryable.
	DefaultTraceRetention = pipeline.DefaultTraceRetention
	// DefaultTraceMaxEntries caps retained traces.
	DefaultTraceMaxEntries = pipeline.DefaultTraceMaxEntries
	// DefaultDebugPrefix is where introspection endpoints are mounted.
	DefaultDebugPrefix = httpapi.DefaultDebugPrefix
	// DefaultMaxBodyBytes caps request bodies (0 disables the cap).
	DefaultMaxBodyBytes = int64(10 << 20)
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
)

// Config captures the tunables for a routed server.
type Config struct {
	Listen      string
	ListenProto string
	// SourceRoot is the directory holding route units.
	SourceRoot string
	// Manifest selects the persistence backend: mem://, disk:///dir or
	// sqlite:///path/manifest.db.
	Manifest string
	// Debounce is the quiet window after the last file event before a batch
	// is processed.
	Debounce time.Duration
	// HandlerTimeout is the default per-handler timeout. Negative disables it.
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
	// DisableWatch performs the startup scan only. Reload still rescans.
	DisableWatch bool

	// Trace enables per-request traces, hook timing and metric emission.
	Trace bool
	// TraceSet marks Trace as explicitly configured; otherwise ROUTED_TRACE
	// is consulted.
	TraceSet        bool
	TraceRetention  time.Duration
	TraceMaxEntries int

	// DebugPrefix mounts the introspection endpoints. "-" disables them.
	DebugPrefix  string
	MaxBodyBytes int64

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	// Settings is the immutable configuration snapshot handed to handlers
	// through the global context.
	Settings map[string]any
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if strings.TrimSpace(c.SourceRoot) == "" {
		c.SourceRoot = DefaultSourceRoot
	}
	info, err := os.Stat(c.SourceRoot)
	if err != nil {
		return fmt.Errorf("config: source root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: source root %s is not a directory", c.SourceRoot)
	}
	if strings.TrimSpace(c.Manifest) == "" {
		c.Manifest = DefaultManifest
	}
	if _, err := parseManifestDSN(c.Manifest); err != nil {
		return err
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Debounce < 0 {
		return fmt.Errorf("config: debounce must be positive")
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.HandlerTimeout < 0 {
		c.HandlerTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if !c.TraceSet {
		if raw := strings.TrimSpace(os.Getenv(EnvTrace)); raw != "" {
			enabled, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: %s: %w", EnvTrace, err)
			}
			c.Trace = enabled
		}
		c.TraceSet = true
	}
	if c.TraceRetention <= 0 {
		c.TraceRetention = DefaultTraceRetention
	}
	if c.TraceMaxEntries <= 0 {
		c.TraceMaxEntries = DefaultTraceMaxEntries
	}
	if c.DebugPrefix == "" {
		c.DebugPrefix = DefaultDebugPrefix
	}
	if c.DebugPrefix != "-" && !strings.HasPrefix(c.DebugPrefix, "/") {
		return fmt.Errorf("config: debug prefix %q must start with /", c.DebugPrefix)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("config: max body bytes must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	return nil
}

type manifestDSN struct {
	scheme string
	path   string
}

func parseManifestDSN(raw string) (manifestDSN, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return manifestDSN{}, fmt.Errorf("config: parse manifest dsn: %w", err)
	}
	dsn := manifestDSN{scheme: strings.ToLower(u.Scheme)}
	switch dsn.scheme {
	case "mem", "memory", "":
		dsn.scheme = "mem"
		return dsn, nil
	case "disk", "sqlite":
		dsn.path = u.Path
		if u.Host != "" {
			// disk://relative/dir keeps the host as the first path element.
			dsn.path = u.Host + u.Path
		}
		if dsn.path == "" {
			return manifestDSN{}, fmt.Errorf("config: manifest dsn %q missing path", raw)
		}
		return dsn, nil
	default:
		return manifestDSN{}, fmt.Errorf("config: unsupported manifest scheme %q", u.Scheme)
	}
}
