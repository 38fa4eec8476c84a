package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easeaico/memory-journal/internal/service"
)

func newJournalsCmd(a *app) *cobra.Command {
	var entries int

	cmd := &cobra.Command{
		Use:   "journals",
		Short: "List the user's journals, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				journals, err := svc.Service.ListJournals(ctx, a.userID())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.asJSON {
					return writeJSON(out, journals)
				}
				if len(journals) == 0 {
					fmt.Fprintln(out, "No journals yet.")
					return nil
				}
				for _, j := range journals {
					fmt.Fprintf(out, "%s (%d entries, last %s)\n", j.Label, j.EntryCount, j.LastActivity.Format("2006-01-02 15:04"))
					for i, ep := range j.Entries {
						if i >= entries {
							break
						}
						fmt.Fprintf(out, "  - %s [%s] %s\n", ep.Timestamp.Format("Jan 2"), ep.Emotion, ep.Story)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&entries, "entries", 3, "Entries to show per journal")

	return cmd
}
