package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/callme-labs/callme-go/internal/config"
	"github.com/callme-labs/callme-go/internal/server"
	"github.com/callme-labs/callme-go/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:          "callme",
	Short:        "CallMe - real-time voice call server",
	Long:         `callme hosts the real-time voice call pipeline: websocket audio in, VAD, streaming ASR, LLM reply generation, and streaming TTS back to the client.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the voice call server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		logger := setupLogger()

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}

		logger.Info("Starting server",
			slog.String("service", "callme"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("addr", cfg.Server.Addr),
			slog.String("asr_provider", cfg.ASR.Provider),
			slog.String("tts_provider", cfg.TTS.Type),
			slog.Bool("prethink", cfg.Prethink.Enabled),
			slog.Bool("dry_run", dryRun))

		if dryRun {
			logger.Info("Dry run mode - exiting")
			return nil
		}

		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := srv.Start(ctx); err != nil {
			logger.Error("Server failed", slog.String("error", err.Error()))
			return err
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var logLevelFlag string

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("CALLME_LOG_FORMAT")
	logLevel := logLevelFlag
	if logLevel == "" {
		logLevel = os.Getenv("CALLME_LOG_LEVEL")
	}

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if logFormat == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serveCmd.Flags().String("addr", "", "Listen address override")
	serveCmd.Flags().Bool("dry-run", false, "Validate configuration and exit")
	configCmd.Flags().String("config", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(versionCmd, serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
