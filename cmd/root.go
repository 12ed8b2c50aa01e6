// Package cmd defines the harvester command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/app"
	"github.com/jiang10061/image-downloader/internal/config"
	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/logging"
)

// App is the part of *app.App the commands use. Tests inject fakes.
type App interface {
	Run(ctx context.Context, seed, out string) (app.Report, error)
	Store() harvest.Store
	Close()
}

type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

type envKeyType struct{}

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg    config.Config
	app    App
	logger *zap.Logger
}

// newRootCmd wires the command tree. built receives the env once the app exists
// so the caller can close it whatever the subcommand returns.
func newRootCmd(factory appFactory, built func(*env)) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Crawl a page and download its resources exactly once.",
		Long: `harvester crawls a seed page for image and media links, downloads them
under bounded concurrency through an optional proxy pool, and records every
URL in a durable dedup store so repeated runs never fetch a file twice.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			instance, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			e := &env{cfg: cfg, app: instance, logger: logger}
			if built != nil {
				built(e)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, e))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newRunCmd(), newReportCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil || e.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return e, nil
}

// execute runs the command tree with args and closes whatever app was built.
func execute(ctx context.Context, factory appFactory, args []string, stdout, stderr io.Writer) error {
	var e *env
	root := newRootCmd(factory, func(built *env) { e = built })
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if e != nil {
		e.app.Close()
	}
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := execute(ctx, buildApp, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
