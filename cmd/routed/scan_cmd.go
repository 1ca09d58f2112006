package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/routed"
	"pkt.systems/routed/internal/httpapi"
	"pkt.systems/routed/internal/manifest"
	"pkt.systems/routed/internal/routes"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/unit"
	"pkt.systems/routed/internal/watch"
	"pkt.systems/routed/pipeline"
)

type scanOptions struct {
	manifest string
	strict   bool
}

func (o *scanOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.manifest, "manifest", routed.DefaultManifest, "manifest store to update (mem:// leaves nothing behind)")
	cmd.Flags().BoolVar(&o.strict, "strict", false, "fail when any file cannot be analysed")
}

// scanTree analyses root into the manifest selected by opts. Analysis
// failures are written to errOut.
func scanTree(ctx context.Context, root string, opts scanOptions, logger pslog.Logger, errOut io.Writer) (*manifest.Index, error) {
	ix, err := routed.OpenManifest(ctx, opts.manifest, logger)
	if err != nil {
		return nil, err
	}
	w, err := watch.New(watch.Config{Root: root, Index: ix, Logger: logger})
	if err != nil {
		_ = ix.Close(ctx)
		return nil, err
	}
	batch, err := w.Scan(ctx)
	if err != nil {
		_ = ix.Close(ctx)
		return nil, err
	}
	for _, aerr := range batch.Errors {
		fmt.Fprintf(errOut, "%s\n", aerr)
	}
	if opts.strict && len(batch.Errors) > 0 {
		_ = ix.Close(ctx)
		return nil, fmt.Errorf("%d file(s) failed analysis", len(batch.Errors))
	}
	return ix, nil
}

func closeIndex(ctx context.Context, ix *manifest.Index) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	_ = ix.Close(closeCtx)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newScanCommand(baseLogger pslog.Logger) *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan [source-root]",
		Short: "Analyse a source tree and print the aggregate manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := routed.DefaultSourceRoot
			if len(args) == 1 {
				root = args[0]
			}
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(baseLogger, "cli.scan")
			ix, err := scanTree(ctx, root, opts, logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeIndex(ctx, ix)
			return writeIndented(cmd.OutOrStdout(), ix.Document())
		},
	}
	opts.register(cmd)
	return cmd
}

// compiledElsewhere stands in for handler entries the CLI cannot see, so the
// printed table shows what a program with every entry registered would serve.
func compiledElsewhere(http.ResponseWriter, *http.Request, *pipeline.Global, *pipeline.Local) error {
	return pipeline.WithStatus(errors.New("entry not compiled into this binary"), http.StatusNotImplemented)
}

func newRoutesCommand(baseLogger pslog.Logger) *cobra.Command {
	var opts scanOptions
	var staticOnly bool
	cmd := &cobra.Command{
		Use:   "routes [source-root]",
		Short: "Print the route table a source tree builds, including conflicts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := routed.DefaultSourceRoot
			if len(args) == 1 {
				root = args[0]
			}
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(baseLogger, "cli.routes")
			ix, err := scanTree(ctx, root, opts, logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeIndex(ctx, ix)
			static := routes.NewResolver(nil)
			resolver := routes.ResolverFunc(func(desc unit.Descriptor) (pipeline.Entry, bool) {
				if entry, ok := static.Resolve(desc); ok {
					return entry, true
				}
				if staticOnly {
					return pipeline.Entry{}, false
				}
				return pipeline.Entry{Handler: compiledElsewhere}, true
			})
			table, err := routes.NewBuilder(resolver, routes.WithLogger(logger)).Build(1, ix.All())
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), httpapi.RoutesDocument(table))
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&staticOnly, "static-only", false, "treat entries that need compiled code as unresolved")
	return cmd
}
