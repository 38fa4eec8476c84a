package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/service"
	"github.com/easeaico/memory-journal/internal/tools"
)

func newReplayOverflowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay-overflow",
		Short: "Run batches that exhausted their flush retries through the pipeline again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				replayed, failed, err := svc.Scheduler.ReplayOverflow(ctx)
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"replayed": replayed, "failed": failed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed: %d\nfailed: %d\n", replayed, failed)
				return nil
			})
		},
	}
}

const shutdownTimeout = 10 * time.Second

func newServeMetricsCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and run the scheduled prune and extraction sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				if addr == "" {
					addr = svc.Config.Metrics.Addr
				}
				return serveMetrics(ctx, cmd, svc, a, addr)
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: metrics.addr from config)")

	return cmd
}

func serveMetrics(ctx context.Context, cmd *cobra.Command, svc *service.App, a *app, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	svc.Start()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s/metrics\n", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.OrNop(svc.Logger).Warn("metrics server shutdown failed", zap.Error(err))
	}
	return nil
}

func newToolCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tool <name> [json-args]",
		Short: "Invoke one of the companion's tools directly",
		Example: `  journalctl tool memory_stats
  journalctl tool search_memories '{"query":"running","limit":3}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
					return fmt.Errorf("tool arguments must be a JSON object: %w", err)
				}
			}
			return a.run(cmd, func(ctx context.Context, svc *service.App) error {
				out, err := tools.NewHandler(svc.Service).HandleToolCall(ctx, a.userID(), args[0], toolArgs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}
