package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/user/voicelink/internal/client"
	"github.com/user/voicelink/internal/connection"
	"github.com/user/voicelink/internal/state"
	"github.com/user/voicelink/internal/webhook"
)

const pidFileName = "voicelink.pid"

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the assistant service and serve the control API",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// printState writes one colored line per connection state change.
func printState(s connection.State) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	switch s.Kind {
	case connection.Connected:
		green.Print("    ● ")
	case connection.Connecting:
		yellow.Print("    ◌ ")
	default:
		red.Print("    ○ ")
	}
	fmt.Print(s.Kind.String())
	if s.Err != nil {
		color.New(color.FgHiBlack).Printf(" (%v)", s.Err)
	}
	fmt.Println()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	c, err := client.New(client.Options{
		RegistryURL:    cfg.Server.RegistryURL,
		AccessToken:    cfg.Server.AccessToken,
		GzipEvents:     cfg.Server.GzipEvents,
		RequestTimeout: cfg.Server.RequestTimeout,
		ContextTimeout: cfg.Context.Timeout,
		MaxConcurrent:  int64(cfg.Sequencer.MaxConcurrent),
		Keepalive:      cfg.Keepalive.Enabled,
		Logger:         slog.Default(),
		Journal:        state.NewJournal(cfg.DataDir),
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	cyan := color.New(color.FgCyan)
	cyan.Println("    voicelink")
	fmt.Printf("    Config:   %s\n", cfgPath)
	fmt.Printf("    Registry: %s\n", cfg.Server.RegistryURL)

	c.AddConnectionObserver(printState)
	c.Enable("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Control.Enabled {
		httpServer := &http.Server{
			Addr:    cfg.Control.Listen,
			Handler: webhook.NewServer(c),
		}
		go func() {
			slog.Info("control API started", "listen", cfg.Control.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("control API error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	slog.Info("voicelink started",
		"data_dir", cfg.DataDir,
		"registry_url", cfg.Server.RegistryURL,
		"max_concurrent", cfg.Sequencer.MaxConcurrent,
		"keepalive", cfg.Keepalive.Enabled,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			c.Disable()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				c.Enable("")
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
