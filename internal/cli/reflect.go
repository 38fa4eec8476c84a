package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easeaico/memory-journal/internal/reflection"
	"github.com/easeaico/memory-journal/internal/service"
)

func newReflectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reflect <question>",
		Short: "Ask a reflective question about the user's history",
		Example: `  journalctl reflect how have I grown this month
  journalctl reflect --json resume bullets for a PM role`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				res, err := svc.Service.QueryReflect(ctx, a.userID(), query)
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printReflection(cmd, res)
				return nil
			})
		},
	}
}

func printReflection(cmd *cobra.Command, res reflection.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agent: %s\n\n%s\n", res.AgentType, res.Response)
	if len(res.MemoryIDs) > 0 {
		fmt.Fprintf(out, "\nbased on %d episodes", len(res.MemoryIDs))
		if len(res.SemanticIDs) > 0 {
			fmt.Fprintf(out, " and %d facts", len(res.SemanticIDs))
		}
		fmt.Fprintln(out)
	}
	if res.MemoryWrite != nil && res.MemoryWrite.Error != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: request was not journaled: %s\n", res.MemoryWrite.Error)
	}
}
