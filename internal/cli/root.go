// Package cli implements journalctl, the operator command line for the
// journaling memory pipeline.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/config"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/metrics"
	"github.com/easeaico/memory-journal/internal/service"
)

const closeTimeout = 2 * time.Minute

// Builder assembles the pipeline. The collector is shared with serve-metrics.
type Builder func(ctx context.Context, m *metrics.Collector) (*service.App, error)

// Execute runs journalctl until the command finishes or the process is interrupted.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd(buildFromEnv).ExecuteContext(ctx)
}

func buildFromEnv(ctx context.Context, m *metrics.Collector) (*service.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return service.Build(ctx, cfg, logger, m)
}

// app lazily builds the pipeline on first use so help and flag errors never
// touch the providers.
type app struct {
	build   Builder
	metrics *metrics.Collector
	user    string
	asJSON  bool

	built *service.App
}

func (a *app) open(ctx context.Context) (*service.App, error) {
	if a.built != nil {
		return a.built, nil
	}
	built, err := a.build(ctx, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	a.built = built
	return built, nil
}

// userID returns --user or the configured default.
func (a *app) userID() string {
	if a.user != "" {
		return a.user
	}
	if a.built != nil && a.built.Config != nil && a.built.Config.UserID != "" {
		return a.built.Config.UserID
	}
	return "me"
}

// run builds the pipeline, calls fn and shuts the pipeline down so pending
// turns are flushed before the command returns.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, svc *service.App) error) error {
	ctx := cmd.Context()
	svc, err := a.open(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, svc)
	if cerr := a.close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to shut down: %w", cerr)
	}
	return err
}

func (a *app) close() error {
	if a.built == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := a.built.Close(ctx)
	if err != nil && a.built.Logger != nil {
		a.built.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
	a.built = nil
	return err
}

func newRootCmd(build Builder) *cobra.Command {
	a := &app{build: build, metrics: metrics.NewCollector("journal")}

	rootCmd := &cobra.Command{
		Use:           "journalctl",
		Short:         "Inspect and operate the journaling memory pipeline",
		Long:          "journalctl talks to the same stores as the companion agent: chat through the idle scheduler, reflect on a user's history, list journals, run semantic extraction and pruning, replay failed flushes and expose metrics.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&a.user, "user", "", "User ID (default: user_id from config)")
	rootCmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Render JSON output")

	rootCmd.AddCommand(
		newChatCmd(a),
		newReflectCmd(a),
		newJournalsCmd(a),
		newExtractCmd(a),
		newPruneCmd(a),
		newStatsCmd(a),
		newReplayOverflowCmd(a),
		newServeMetricsCmd(a),
		newToolCmd(a),
	)

	return rootCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
