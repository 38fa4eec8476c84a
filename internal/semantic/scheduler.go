package semantic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
)

// UserSource lists the users a sweep visits.
type UserSource interface {
	Users(ctx context.Context) ([]string, error)
}

// StoredUsers is a UserSource over everyone with episodes or semantic
// memories, plus the users active in this process. Either store and active
// may be nil.
type StoredUsers struct {
	Episodes *memory.EpisodicStore
	Semantic *memory.SemanticStore
	Active   func() []string
}

func (s StoredUsers) Users(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	add := func(users []string) {
		for _, u := range users {
			seen[u] = struct{}{}
		}
	}
	if s.Active != nil {
		add(s.Active())
	}
	if s.Episodes != nil {
		users, err := s.Episodes.Users(ctx)
		if err != nil {
			return nil, err
		}
		add(users)
	}
	if s.Semantic != nil {
		users, err := s.Semantic.Users(ctx)
		if err != nil {
			return nil, err
		}
		add(users)
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Scheduler runs periodic prune and extraction sweeps.
type Scheduler struct {
	cron      *cron.Cron
	extractor *Extractor
	users     UserSource
	logger    *zap.Logger
	timeout   time.Duration
}

// NewScheduler registers the sweeps. An empty schedule disables that sweep.
func NewScheduler(ex *Extractor, users UserSource, pruneSpec, extractSpec string, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		extractor: ex,
		users:     users,
		logger:    logging.OrNop(logger).With(zap.String("component", "semantic_cron")),
		timeout:   10 * time.Minute,
	}
	if pruneSpec != "" {
		if _, err := s.cron.AddFunc(pruneSpec, func() { s.run("prune", s.PruneAll) }); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", pruneSpec, err)
		}
	}
	if extractSpec != "" {
		if _, err := s.cron.AddFunc(extractSpec, func() { s.run("extract", s.ExtractAll) }); err != nil {
			return nil, fmt.Errorf("invalid extract schedule %q: %w", extractSpec, err)
		}
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new sweeps and waits for a running one, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, sweep func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := sweep(ctx)
	if err != nil {
		s.logger.Warn("sweep finished with errors", zap.String("sweep", name), zap.Int("changed", n), zap.Error(err))
		return
	}
	s.logger.Info("sweep finished", zap.String("sweep", name), zap.Int("changed", n))
}

// PruneAll prunes every known user. It keeps going past failures and
// reports the first one.
func (s *Scheduler) PruneAll(ctx context.Context) (int, error) {
	now := s.extractor.now()
	return s.each(ctx, func(ctx context.Context, user string) (int, error) {
		return s.extractor.Prune(ctx, user, now)
	})
}

// ExtractAll runs extraction with the configured defaults for every known user.
func (s *Scheduler) ExtractAll(ctx context.Context) (int, error) {
	return s.each(ctx, func(ctx context.Context, user string) (int, error) {
		return s.extractor.Extract(ctx, user, 0, 0)
	})
}

func (s *Scheduler) each(ctx context.Context, fn func(context.Context, string) (int, error)) (int, error) {
	users, err := s.users.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}
	total := 0
	var firstErr error
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := fn(ctx, user)
		total += n
		if err != nil {
			s.logger.Warn("sweep failed for user", zap.String("user_id", user), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return total, firstErr
}
