package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/pkg/database"
)

var (
	historyGuild string
	historyLimit int
	historyPrune bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent playback history for a guild",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStores(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if st.history == nil {
			return errors.New("playback history is only kept by the sqlite backend")
		}

		if historyPrune {
			n, err := st.history.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d entries.\n", n)
			return nil
		}

		if historyGuild == "" {
			return errors.New("--guild is required")
		}
		entries, err := st.history.Recent(cmd.Context(), historyGuild, historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No playback history.")
			return nil
		}

		headerColor.Printf("%-19s %-10s %-18s %s\n", "PLAYED", "OUTCOME", "REQUESTED BY", "TITLE")
		for _, e := range entries {
			line := fmt.Sprintf("%-19s %-10s %-18s %s", e.PlayedAt.Local().Format("2006-01-02 15:04:05"), e.Outcome, e.RequestedBy, e.Title)
			switch e.Outcome {
			case database.OutcomeFailed:
				errorColor.Printf("%s  [%s]\n", line, e.ErrorKind)
			case database.OutcomeSkipped:
				warnColor.Println(line)
			default:
				okColor.Println(line)
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyGuild, "guild", "", "guild ID")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries")
	historyCmd.Flags().BoolVar(&historyPrune, "prune", false, "delete entries past the retention period")
	rootCmd.AddCommand(historyCmd)
}
