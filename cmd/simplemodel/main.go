// Package main provides the simplemodel CLI: export a model to one of the
// artifact formats, then run the artifact.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/born-ml/simplemodel/internal/artifact"
	"github.com/born-ml/simplemodel/internal/compile"
	"github.com/born-ml/simplemodel/internal/config"
	"github.com/born-ml/simplemodel/internal/exporter"
	"github.com/born-ml/simplemodel/internal/format"
	"github.com/born-ml/simplemodel/internal/model"
	"github.com/born-ml/simplemodel/internal/runner"
	"github.com/born-ml/simplemodel/internal/tracing"
)

const version = compile.ProducerVersion

// defaultPackagePath is where `package export` writes when no path is given.
const defaultPackagePath = "output/model.aotpkg"

func main() {
	ctx := context.Background()
	err := run(ctx, os.Args[1:], os.Stdout)
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	return execute(ctx, args, stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if args == nil {
		args = []string{}
	}
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// options are the flags shared by every command.
type options struct {
	configPath   string
	backend      string
	strictVerify bool
	seed         int64
	trace        bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "simplemodel",
		Short:         "Export a small conditional model and run the exported artifact",
		Long:          "Export a model to one of " + strings.Join(format.Names(), ", ") + " and run the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmd.Help(); err != nil {
				return err
			}
			return errors.New("missing command")
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "YAML config file")
	pf.StringVar(&o.backend, "backend", config.DefaultBackend, "partitioner for edge-delegate exports: "+strings.Join(compile.Backends(), ", "))
	pf.BoolVar(&o.strictVerify, "strict-verify", false, "fail interchange exports whose verification does not pass")
	pf.Int64Var(&o.seed, "seed", 0, "seed for weights and example input; 0 draws fresh values")
	pf.BoolVar(&o.trace, "trace", false, "print OpenTelemetry spans to stderr")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	pf.AddGoFlagSet(klogFlags)

	root.AddCommand(
		newExportCmd(o),
		newRunCmd(o),
		newPackageCmd(o),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "simplemodel %s\n", version)
			},
		},
	)
	return root
}

func newExportCmd(o *options) *cobra.Command {
	f := format.ScriptSerialized
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withSetup(cmd, func(ctx context.Context, store *artifact.Store, cfg *config.Config) error {
				e, err := exporter.New(store, cfg, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				klog.FromContext(ctx).V(2).Info("exporting", "format", f.String(), "path", path, "backend", cfg.Backend)
				return e.Export(ctx, f, path)
			})
		},
	}
	cmd.Flags().Var(&f, "format", "export format: "+strings.Join(format.Names(), ", "))
	cmd.Flags().StringVar(&path, "output-path", config.DefaultOutputPath, "path or URL to write the exported model to")
	return cmd
}

func newRunCmd(o *options) *cobra.Command {
	f := format.ScriptSerialized
	var path string
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"execute"},
		Short:   "Run an exported model",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withSetup(cmd, func(ctx context.Context, store *artifact.Store, cfg *config.Config) error {
				_, err := runner.New(store, cfg, cmd.OutOrStdout()).Run(ctx, f, path)
				return err
			})
		},
	}
	cmd.Flags().Var(&f, "format", "format of the exported model: "+strings.Join(format.Names(), ", "))
	cmd.Flags().StringVar(&path, "input-path", config.DefaultInputPath, "path or URL of the exported model")
	return cmd
}

func newPackageCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Compile a model ahead of time into a self-contained package",
	}

	var outPath string
	exportPkg := &cobra.Command{
		Use:   "export",
		Short: "Write a package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withSetup(cmd, func(ctx context.Context, store *artifact.Store, cfg *config.Config) error {
				e, err := exporter.New(store, cfg, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				m := exporter.NewModel(format.EdgeDelegate, cfg.Seed)
				_, err = e.ExportPackage(ctx, m, model.ExampleInput(cfg.Seed), outPath)
				return err
			})
		},
	}
	exportPkg.Flags().StringVar(&outPath, "output-path", defaultPackagePath, "path or URL of the package to write")

	var inPath string
	runPkg := &cobra.Command{
		Use:     "run",
		Aliases: []string{"execute"},
		Short:   "Run a package",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withSetup(cmd, func(ctx context.Context, store *artifact.Store, cfg *config.Config) error {
				_, err := runner.New(store, cfg, cmd.OutOrStdout()).RunPackage(ctx, inPath, model.ExampleInput(cfg.Seed))
				return err
			})
		},
	}
	runPkg.Flags().StringVar(&inPath, "input-path", defaultPackagePath, "path or URL of the package")

	cmd.AddCommand(exportPkg, runPkg)
	return cmd
}

// withSetup loads the config, starts tracing when asked and calls fn.
func (o *options) withSetup(cmd *cobra.Command, fn func(context.Context, *artifact.Store, *config.Config) error) error {
	ctx := cmd.Context()
	store := artifact.New()
	cfg, err := o.load(ctx, cmd, store)
	if err != nil {
		return err
	}
	stop, err := startTracing(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer stop()
	return fn(ctx, store, cfg)
}

// load builds the effective config: defaults, then the YAML file, then flags
// that were set explicitly.
func (o *options) load(ctx context.Context, cmd *cobra.Command, store *artifact.Store) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		data, err := store.Read(ctx, o.configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if cfg, err = config.Parse(data); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = o.backend
	}
	if flags.Changed("strict-verify") {
		cfg.StrictVerify = o.strictVerify
	}
	if flags.Changed("seed") {
		cfg.Seed = o.seed
	}
	if flags.Changed("trace") {
		cfg.Trace = o.trace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func startTracing(ctx context.Context, cfg *config.Config, w io.Writer) (func(), error) {
	if !cfg.Trace {
		return func() {}, nil
	}
	shutdown, err := tracing.Init(w, "simplemodel", version)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	return func() {
		if err := shutdown(ctx); err != nil {
			klog.FromContext(ctx).Error(err, "shutting down tracing")
		}
	}, nil
}
