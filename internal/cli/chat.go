package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easeaico/memory-journal/internal/service"
)

const quitCommand = "/quit"

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the companion; the conversation is journaled when you quit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				return runChat(ctx, cmd, svc, a.userID())
			})
		},
	}
}

func runChat(ctx context.Context, cmd *cobra.Command, svc *service.App, userID string) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprintf(out, "Chatting as %s. Type %s or send EOF to finish.\n", userID, quitCommand)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == quitCommand {
			break
		}
		reply, err := svc.Service.SubmitTurn(ctx, userID, line)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "companion> %s\n", reply)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	if err := svc.Service.Flush(ctx, userID); err != nil {
		return fmt.Errorf("failed to journal the conversation: %w", err)
	}
	fmt.Fprintln(out, "Conversation saved to your journal.")
	return nil
}
