package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/voicelink/internal/state"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "number of entries to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent directive and connection activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg := loadConfig()

		entries, err := state.NewJournal(cfg.DataDir).Tail(cmd.Context(), limit)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stdout, "No activity recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tKIND\tTYPE\tDIALOG\tRESULT")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.Time.Local().Format("15:04:05"), e.Kind, e.Type, e.DialogRequestID, e.Result)
		}
		return w.Flush()
	},
}
