package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"finops-core/internal/adapter/api"
	"finops-core/internal/config"
	"finops-core/internal/domain/entity"
)

var (
	envFile string
	logger  *zap.Logger
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "finops",
	Short: "Cost-aware financial analysis gateway",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s file not found, using system environment variables\n", envFile)
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		if cfg.Log.Level == "debug" {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Vectorise a knowledge-base directory of markdown and text files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ingest(cmd.Context(), args[0])
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env.dev", "dotenv file loaded before the environment")
	rootCmd.AddCommand(serveCmd, ingestCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	go warmUp(svc, cfg.Models.Fast)

	// Initialize API Layer (Delivery Layer)
	app := fiber.New(fiber.Config{
		AppName: "FinOps Analysis Gateway",
	})
	handler := api.NewAnalysisHandler(svc.gateway, logger)
	api.SetupRouter(app, handler, cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		errCh <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// warmUp wakes the embedder and the cheapest model so the first request
// does not pay for cold instances.
func warmUp(svc *services, model string) {
	warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := svc.embedder.CreateEmbedding(warmCtx, "warmup"); err != nil {
		logger.Warn("embedder warm-up failed", zap.Error(err))
	}
	_, err := svc.provider.Complete(warmCtx, entity.CompletionRequest{
		Model:     model,
		Messages:  []entity.Message{{Role: "user", Content: "."}},
		MaxTokens: 1,
	})
	if err != nil {
		logger.Warn("model warm-up failed", zap.String("model", model), zap.Error(err))
	}
	logger.Info("pre-warm complete")
}

func ingest(ctx context.Context, dir string) error {
	kb, err := buildKnowledge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if kb.qdrant != nil {
		defer kb.qdrant.Close()
	}
	n, err := kb.vectorizer.IngestDir(ctx, dir)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", dir, err)
	}
	logger.Info("knowledge base updated", zap.String("dir", dir), zap.Int("chunks", n))
	return nil
}
