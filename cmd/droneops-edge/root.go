package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"droneops-edge/internal/config"
	"droneops-edge/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:          "droneops-edge",
	Short:        "DroneOps edge telemetry relay",
	Long:         "droneops-edge relays vehicle telemetry to an MQTT broker, buffers it while the broker is away and forwards fleet commands to local services.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the process logger from it.
// Command-line log flags win over the file and the environment.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to relay configuration YAML")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(dashboardCmd)
}
