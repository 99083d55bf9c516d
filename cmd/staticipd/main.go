package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/wenwu/saas-platform/staticip-service/internal/config"
	"github.com/wenwu/saas-platform/staticip-service/internal/repository"
)

var (
	version    = "dev"
	configPath string
	purge      bool
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "staticipd",
		Short: "staticipd - static address and port forward manager",
		Long:  "Leases public addresses from regional pools and manages port forwarding rules under plan and addon quota.",
		RunE:  runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional, environment is always read)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeps",
		RunE:  runServe,
	}
}

func newSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single reconciliation, expiry and grace pass and exit",
		RunE:  runSweep,
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also purge released records older than the retention period")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE:  runMigrate,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("staticipd version %s\n", version)
		},
	}
}

// runServe starts the API and the sweeper, and reloads on config changes
func runServe(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevel()
	logger := newLogger(level)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configPath, level, logger)
	if err != nil {
		logger.Error("failed to start", zap.Error(err))
		return err
	}
	defer a.close()

	cfg := a.cfgMgr.GetConfig()
	logger.Info("starting staticipd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.String("port", cfg.Server.Port),
	)

	a.cfgMgr.WatchConfig()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx, ":"+cfg.Server.Port)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-a.cfgMgr.OnChange():
				a.applyReload()
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	logger.Info("staticipd stopped")
	return err
}

// runSweep performs one pass of every sweep and prints the report
func runSweep(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevel()
	logger := newLogger(level)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, configPath, level, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close()

	logger.Info("running single sweep", zap.Bool("purge", purge))
	report, err := a.sweeper.RunOnce(ctx, purge)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	return err
}

// runMigrate applies the embedded schema
func runMigrate(cmd *cobra.Command, args []string) error {
	level := zap.NewAtomicLevel()
	logger := newLogger(level)
	defer logger.Sync()

	ctx := context.Background()
	a, err := newApp(ctx, configPath, level, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close()

	pg, ok := a.store.(*repository.PostgresStore)
	if !ok {
		return fmt.Errorf("migrate requires store.driver=postgres")
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

// newLogger creates a zap logger with console encoding for readability.
func newLogger(level zap.AtomicLevel) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}

func applyLevel(level zap.AtomicLevel, cfg *config.Config) {
	if parsed, err := config.ParseLevel(cfg.Log.Level); err == nil {
		level.SetLevel(parsed.Level())
	}
}
