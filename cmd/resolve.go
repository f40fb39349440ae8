package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"

	"github.com/latoulicious/Vivace/pkg/search"
)

var resolveLimit int

var resolveCmd = &cobra.Command{
	Use:   "resolve <query>",
	Short: "Run the search resolver and print ranked candidates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		query := strings.Join(args, " ")

		resolver, err := buildResolver(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}

		var candidates []search.Candidate
		find := func(ctx context.Context) error {
			var err error
			candidates, err = resolver.Resolve(ctx, query, resolveLimit)
			return err
		}
		if err := spinner.New().Title("Searching...").Context(cmd.Context()).ActionWithErr(find).Run(); err != nil {
			return err
		}

		headerColor.Printf("%-3s %-7s %-8s %-24s %s\n", "#", "SCORE", "LENGTH", "PUBLISHER", "TITLE")
		for i, r := range search.Rank(query, candidates) {
			line := fmt.Sprintf("%-3d %-7.1f %-8s %-24.24s %s", i+1, r.Score, r.Candidate.Duration, r.Candidate.Publisher, r.Candidate.Title)
			if i == 0 {
				okColor.Println(line)
			} else {
				fmt.Println(line)
			}
			fmt.Printf("    %s\n", r.Candidate.SourceRef)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveLimit, "limit", 5, "number of candidates")
	rootCmd.AddCommand(resolveCmd)
}
