package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/voicelink/internal/auth"
	"github.com/user/voicelink/internal/transport"
)

func init() {
	rootCmd.AddCommand(policiesCmd)
}

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Query server policy discovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		tr := transport.New(transport.Config{
			RegistryURL:    cfg.Server.RegistryURL,
			Tokens:         auth.NewStaticToken(cfg.Server.AccessToken),
			RequestTimeout: cfg.Server.RequestTimeout,
			Logger:         slog.Default(),
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		policies, err := tr.Policies(ctx)
		if err != nil {
			return fmt.Errorf("discover server policies: %w", err)
		}
		if len(policies) == 0 {
			fmt.Fprintln(os.Stdout, "No server policies.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PRIORITY\tHOSTNAME\tPORT")
		for _, p := range policies {
			fmt.Fprintf(w, "%d\t%s\t%d\n", p.Priority, p.Hostname, p.Port)
		}
		return w.Flush()
	},
}
