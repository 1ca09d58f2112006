package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/routed"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage routed configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a configuration file with every default spelled out",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output path (stdout when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// the file binds through viper unchanged.
type configDefaults struct {
	Listen                 string `yaml:"listen"`
	ListenProto            string `yaml:"listen-proto"`
	SourceRoot             string `yaml:"source-root"`
	Manifest               string `yaml:"manifest"`
	Debounce               string `yaml:"debounce"`
	HandlerTimeout         string `yaml:"handler-timeout"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	DisableWatch           bool   `yaml:"disable-watch"`
	Trace                  bool   `yaml:"trace"`
	TraceRetention         string `yaml:"trace-retention"`
	TraceMaxEntries        int    `yaml:"trace-max-entries"`
	DebugPrefix            string `yaml:"debug-prefix"`
	MaxBody                string `yaml:"max-body"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:          routed.DefaultListen,
		ListenProto:     routed.DefaultListenProto,
		SourceRoot:      routed.DefaultSourceRoot,
		Manifest:        routed.DefaultManifest,
		Debounce:        routed.DefaultDebounce.String(),
		HandlerTimeout:  routed.DefaultHandlerTimeout.String(),
		ShutdownTimeout: routed.DefaultShutdownTimeout.String(),
		TraceRetention:  routed.DefaultTraceRetention.String(),
		TraceMaxEntries: routed.DefaultTraceMaxEntries,
		DebugPrefix:     routed.DefaultDebugPrefix,
		MaxBody:         humanizeBytes(routed.DefaultMaxBodyBytes),
		MetricsListen:   routed.DefaultMetricsListen,
		PprofListen:     routed.DefaultPprofListen,
		LogLevel:        "info",
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
