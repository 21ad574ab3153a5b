package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/user/voicelink/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "voicelink",
	Short:         "Device-side voice assistant protocol client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file (optional - won't error if missing)
		if err := godotenv.Load(); err == nil {
			slog.Debug("loaded .env file")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".voicelink", "config.yaml"), "config file path")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
}

func newLogger(w io.Writer, levelName, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
