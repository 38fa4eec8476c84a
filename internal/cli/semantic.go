package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/easeaico/memory-journal/internal/service"
)

func newExtractCmd(a *app) *cobra.Command {
	var minEpisodes, lookbackDays int

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract semantic memories from the user's recent episodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				n, err := svc.Service.TriggerSemanticExtraction(ctx, a.userID(), minEpisodes, lookbackDays)
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"changed": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d semantic memories created or reinforced\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&minEpisodes, "min-episodes", 0, "Minimum recent episodes required (default from config)")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", 0, "Days of episodes to read (default from config)")

	return cmd
}

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete the user's stale low-confidence semantic memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				if svc.Extractor == nil {
					return fmt.Errorf("semantic extraction is not configured")
				}
				n, err := svc.Extractor.Prune(ctx, a.userID(), time.Now().UTC())
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"pruned": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d semantic memories pruned\n", n)
				return nil
			})
		},
	}
}
