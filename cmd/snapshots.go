package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/pkg/session"
)

var (
	headerColor = color.New(color.FgHiBlack, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgHiYellow)
	errorColor  = color.New(color.FgHiRed)
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List persisted guild sessions and their age",
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

		records, err := st.snapshots.ListAll(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No persisted sessions.")
			return nil
		}

		headerColor.Printf("%-20s %-8s %-6s %-10s %s\n", "GUILD", "STATUS", "QUEUE", "AGE", "CURRENT")
		now := time.Now()
		for _, rec := range records {
			snap, err := session.DecodeSnapshot(rec.Data)
			if err != nil {
				errorColor.Printf("%-20s unreadable: %v\n", rec.GuildID, err)
				continue
			}
			stamp := snap.Timestamp
			if stamp.IsZero() {
				stamp = rec.UpdatedAt
			}
			age := now.Sub(stamp).Round(time.Second)

			current := "-"
			if snap.CurrentTrack != nil {
				current = snap.CurrentTrack.Title
			}
			line := fmt.Sprintf("%-20s %-8s %-6d %-10s %s", rec.GuildID, snap.Status, len(snap.Queue), age, current)
			switch {
			case age > cfg.SnapshotTTL:
				warnColor.Println(line + "  (stale)")
			case snap.IsPlaying:
				okColor.Println(line)
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
}
