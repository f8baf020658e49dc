// Package commands implements the convergence CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence"
	"github.com/aixgo-dev/convergence/internal/observability"
	"github.com/aixgo-dev/convergence/pkg/config"
	"github.com/aixgo-dev/convergence/pkg/logging"
	metrics "github.com/aixgo-dev/convergence/pkg/observability"
	"github.com/aixgo-dev/convergence/pkg/resource"
)

// Version is set at build time.
var Version = "dev"

// Global flags
var (
	configFile      string
	logLevel        string
	definitionFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "convergence",
	Short: "Run agentic processes defined in YAML",
	Long: `convergence resolves process, agent, kernel and toolset definitions from a
resource store and runs them.

Definitions can be stored ahead of time with 'convergence validate --apply' or
loaded for a single command with --definitions.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Settings file (default: ./convergence.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringArrayVarP(&definitionFiles, "definitions", "f", nil, "Definition file(s) applied before the command runs")

	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(toolsCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// app is what every command that runs processes needs.
type app struct {
	settings *config.Settings
	logger   *zap.Logger
	engine   *convergence.Engine
	server   *metrics.Server
}

// setup loads settings, starts telemetry and builds the engine.
func setup(ctx context.Context) (*app, error) {
	settings, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.Log.Level = logLevel
	}

	logger, _, err := logging.New(settings.Log.Level, settings.Log.Format)
	if err != nil {
		return nil, err
	}

	if err := observability.Init(ctx, observability.Config{
		Exporter: settings.Telemetry.Exporter,
		Endpoint: settings.Telemetry.Endpoint,
		Headers:  observability.ParseHeaders(settings.Telemetry.Headers),
		Insecure: settings.Telemetry.Insecure,
	}, logger); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	metrics.InitMetrics()

	engine, err := convergence.New(ctx, settings, convergence.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, logger: logger, engine: engine}

	for _, path := range definitionFiles {
		resources, err := resource.LoadFile(path)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := engine.Apply(ctx, resources); err != nil {
			a.close()
			return nil, err
		}
		logger.Debug("definitions applied", zap.String("file", path), zap.Int("resources", len(resources)))
	}

	if addr := settings.Metrics.Address; addr != "" {
		a.server = metrics.NewServer(addr, engine.HealthChecker())
		go func() {
			if err := a.server.Start(); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server started", zap.String("address", addr))
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	errs = append(errs, a.engine.Close(), observability.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// withApp runs fn with a ready app and tears it down afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer a.close()
	return fn(ctx, a)
}
