package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/routed"
	"pkt.systems/routed/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ROUTED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "routed")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if executed, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// loadConfigFile reads the YAML file named by --config into v. An empty path
// means no file.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

var serveFlags = []string{
	"config",
	"listen", "listen-proto", "source-root", "manifest", "debounce", "handler-timeout", "shutdown-timeout",
	"disable-watch", "trace", "trace-retention", "trace-max-entries", "debug-prefix", "max-body",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "routed",
		Short: "routed serves a source tree of route units with hot reload",
		Long: `routed watches a source tree, derives one route per unit file and serves
them through a middleware and hook pipeline. Declarative .hcl units with a
respond block are served directly; handler entries are compiled into programs
that embed the routed package.`,
		SilenceErrors: true,
		Example: `
  # Serve ./routes with the in-memory manifest
  routed --source-root ./routes

  # Persist the manifest so restarts skip unchanged files
  routed -r ./routes --manifest sqlite:///var/lib/routed/manifest.db

  # Record request traces under /_routed/traces/{requestId}
  ROUTED_TRACE=true routed -r ./routes
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			cfg, err := bindConfig(v, cmd)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to routed",
				"pid", os.Getpid(),
				"source_root", cfg.SourceRoot,
			)

			server, err := routed.NewServer(cfg, routed.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", routed.DefaultListen, "listen address")
	flags.String("listen-proto", routed.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.StringP("source-root", "r", routed.DefaultSourceRoot, "directory holding route units")
	flags.String("manifest", routed.DefaultManifest, "manifest store (mem://, disk:///dir, sqlite:///path/manifest.db)")
	flags.Duration("debounce", routed.DefaultDebounce, "quiet window after the last file event before a batch is applied")
	flags.Duration("handler-timeout", routed.DefaultHandlerTimeout, "default handler timeout (negative disables)")
	flags.Duration("shutdown-timeout", routed.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Bool("disable-watch", false, "scan once at startup instead of watching the tree")
	flags.Bool("trace", false, "record per-request traces and emit pipeline metrics (also ROUTED_TRACE)")
	flags.Duration("trace-retention", routed.DefaultTraceRetention, "how long finished traces remain queryable")
	flags.Int("trace-max-entries", routed.DefaultTraceMaxEntries, "maximum retained traces")
	flags.String("debug-prefix", routed.DefaultDebugPrefix, `mount point of the introspection endpoints ("-" disables)`)
	flags.String("max-body", humanizeBytes(routed.DefaultMaxBodyBytes), "maximum request body size (0 disables)")
	flags.String("metrics-listen", routed.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", routed.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	v.SetEnvPrefix("ROUTED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range serveFlags {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newScanCommand(baseLogger))
	cmd.AddCommand(newRoutesCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper, cmd *cobra.Command) (routed.Config, error) {
	cfg := routed.Config{
		Listen:                 v.GetString("listen"),
		ListenProto:            v.GetString("listen-proto"),
		SourceRoot:             v.GetString("source-root"),
		Manifest:               v.GetString("manifest"),
		Debounce:               v.GetDuration("debounce"),
		HandlerTimeout:         v.GetDuration("handler-timeout"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
		DisableWatch:           v.GetBool("disable-watch"),
		TraceRetention:         v.GetDuration("trace-retention"),
		TraceMaxEntries:        v.GetInt("trace-max-entries"),
		DebugPrefix:            v.GetString("debug-prefix"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
	}
	// ROUTED_TRACE is read by the viper env binding, so Validate must not
	// consult it again unless nothing set the flag.
	if flagChanged(cmd, "trace") || v.InConfig("trace") || envSet(routed.EnvTrace) {
		cfg.Trace = v.GetBool("trace")
		cfg.TraceSet = true
	}
	if raw := strings.TrimSpace(v.GetString("max-body")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	return cfg, nil
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Changed
	}
	return false
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// shutdownGrace bounds the CLI commands that open a manifest.
const shutdownGrace = 5 * time.Second
