package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/meikuraledutech/pixelflow"
	"github.com/meikuraledutech/pixelflow/badgerkv"
	"github.com/meikuraledutech/pixelflow/config"
	"github.com/meikuraledutech/pixelflow/gemini"
	"github.com/meikuraledutech/pixelflow/library"
	"github.com/meikuraledutech/pixelflow/postgres"
	"github.com/meikuraledutech/pixelflow/s3kv"
	"github.com/meikuraledutech/pixelflow/studio"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pixelflow",
	Short: "PixelFlow engine server",
	Long:  `Serves the PixelFlow node-graph engine over HTTP`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func openKV(ctx context.Context, cfg config.Storage, logger *slog.Logger) (pixelflow.KV, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.DriverS3:
		return s3kv.Open(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region)
	default:
		return badgerkv.Open(cfg.BadgerPath, logger)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	kv, err := openKV(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	creds := library.NewCredentials(kv)
	history := library.NewHistory(kv)
	projects := library.NewProjects(kv)
	gen := gemini.New(cfg.Gemini, logger, gemini.WithKeySource(creds))

	manager := studio.NewManager(projects, history, gen, studio.Options{
		Debounce:     cfg.Autosave.Debounce,
		StepDelay:    cfg.Engine.StepDelay,
		RowThreshold: cfg.Engine.RowThreshold,
	}, logger)

	app := newApp(&api{
		projects:  projects,
		history:   history,
		templates: library.NewTemplates(kv),
		creds:     creds,
		studio:    manager,
		logger:    logger.With("component", "http"),
	})

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errc <- app.Listen(cfg.Server.Addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("pixelflow: listen: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Flush every open project before the store goes away.
	if err := manager.CloseAll(shutdownCtx); err != nil {
		logger.Error("closing projects", "error", err)
	}
	return nil
}
