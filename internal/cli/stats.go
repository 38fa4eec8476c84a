package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easeaico/memory-journal/internal/service"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how much the journal holds for the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				stats, err := svc.Service.GetStats(ctx, a.userID())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.asJSON {
					return writeJSON(out, stats)
				}
				fmt.Fprintf(out, "user: %s\n", a.userID())
				fmt.Fprintf(out, "episodes: %d\n", stats.TotalEpisodes)
				fmt.Fprintf(out, "high importance: %d\n", stats.HighImportanceEpisodes)
				fmt.Fprintf(out, "last 30 days: %d\n", stats.RecentEpisodes30d)
				fmt.Fprintf(out, "semantic memories: %d\n", stats.TotalSemantic)
				return nil
			})
		},
	}
}
