// Package service exposes the journal's operations to the agent, the tools
// and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/calendar"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/reflection"
	"github.com/easeaico/memory-journal/internal/semantic"
)

const (
	// HighImportance is the importance at which an episode counts as significant.
	HighImportance = 0.8
	recentWindow   = 30 * 24 * time.Hour
)

// TurnBuffer collects turns until the user goes idle. session.Scheduler implements it.
type TurnBuffer interface {
	Append(ctx context.Context, userID string, turn memory.Turn) error
	FlushNow(ctx context.Context, userID string) error
}

// Options holds the collaborators of a Service. Semantic, Extractor and
// Calendar may be nil.
type Options struct {
	Turns     TurnBuffer
	Episodes  *memory.EpisodicStore
	Semantic  *memory.SemanticStore
	Extractor *semantic.Extractor
	Router    *reflection.Router
	Calendar  calendar.Provider
	Generator llm.Generator
	Embedder  llm.Embedder
	Profile   llm.Profile // chat replies
	Logger    *zap.Logger
}

// Service is the facade over the memory pipeline.
type Service struct {
	turns       TurnBuffer
	episodes    *memory.EpisodicStore
	semantic    *memory.SemanticStore
	extractor   *semantic.Extractor
	router      *reflection.Router
	calendar    calendar.Provider
	gen         llm.Generator
	embedder    llm.Embedder
	chatProfile llm.Profile
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Turns == nil:
		return nil, errors.New("turn buffer is required")
	case opts.Episodes == nil:
		return nil, errors.New("episodic store is required")
	case opts.Router == nil:
		return nil, errors.New("reflection router is required")
	case opts.Generator == nil || opts.Embedder == nil:
		return nil, errors.New("generator and embedder are required")
	}
	return &Service{
		turns:       opts.Turns,
		episodes:    opts.Episodes,
		semantic:    opts.Semantic,
		extractor:   opts.Extractor,
		router:      opts.Router,
		calendar:    opts.Calendar,
		gen:         opts.Generator,
		embedder:    opts.Embedder,
		chatProfile: opts.Profile,
		logger:      logging.OrNop(opts.Logger).With(zap.String("component", "service")),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// QueryReflect routes a reflective query to the matching agent.
func (s *Service) QueryReflect(ctx context.Context, userID, query string) (reflection.Result, error) {
	if userID == "" {
		return reflection.Result{}, errors.New("user id is empty")
	}
	return s.router.Reflect(ctx, userID, query)
}

// ListJournals returns the user's journals, most recently active first.
func (s *Service) ListJournals(ctx context.Context, userID string) ([]memory.Journal, error) {
	if userID == "" {
		return nil, errors.New("user id is empty")
	}
	return s.episodes.ListByLabel(ctx, userID)
}

// TriggerSemanticExtraction runs extraction now and returns the number of
// memories created or reinforced. Non-positive arguments use the configured defaults.
func (s *Service) TriggerSemanticExtraction(ctx context.Context, userID string, minEpisodes, lookbackDays int) (int, error) {
	if s.extractor == nil {
		return 0, errors.New("semantic extraction is not configured")
	}
	return s.extractor.Extract(ctx, userID, minEpisodes, lookbackDays)
}

// GetStats summarizes the user's stored memory.
func (s *Service) GetStats(ctx context.Context, userID string) (memory.Stats, error) {
	if userID == "" {
		return memory.Stats{}, errors.New("user id is empty")
	}
	var (
		stats memory.Stats
		err   error
	)
	if stats.TotalEpisodes, err = s.episodes.Count(ctx, memory.EpisodeFilter{UserID: userID}); err != nil {
		return stats, fmt.Errorf("failed to count episodes: %w", err)
	}
	if stats.HighImportanceEpisodes, err = s.episodes.Count(ctx, memory.EpisodeFilter{UserID: userID, MinImportance: HighImportance}); err != nil {
		return stats, fmt.Errorf("failed to count important episodes: %w", err)
	}
	if stats.RecentEpisodes30d, err = s.episodes.Count(ctx, memory.EpisodeFilter{UserID: userID, Since: s.now().Add(-recentWindow)}); err != nil {
		return stats, fmt.Errorf("failed to count recent episodes: %w", err)
	}
	if s.semantic != nil {
		if stats.TotalSemantic, err = s.semantic.Count(ctx, userID); err != nil {
			return stats, fmt.Errorf("failed to count semantic memories: %w", err)
		}
	}
	return stats, nil
}

// SearchEpisodes returns the user's episodes most similar to query.
func (s *Service) SearchEpisodes(ctx context.Context, userID, query string, limit int) ([]memory.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	filter := memory.EpisodeFilter{UserID: userID}
	if strings.TrimSpace(query) == "" {
		eps, err := s.episodes.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(eps) > limit {
			eps = eps[:limit]
		}
		return eps, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed search query: %w", err)
	}
	return s.episodes.Search(ctx, vec, filter, limit)
}

// SearchSemantic returns the user's semantic memories most similar to query,
// or the most confident ones when query is empty.
func (s *Service) SearchSemantic(ctx context.Context, userID, query string, limit int, minConfidence float64) ([]memory.SemanticMemory, error) {
	if s.semantic == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	filter := memory.SemanticFilter{UserID: userID, MinConfidence: minConfidence}
	if strings.TrimSpace(query) == "" {
		mems, err := s.semantic.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(mems) > limit {
			mems = mems[:limit]
		}
		return mems, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed search query: %w", err)
	}
	return s.semantic.Search(ctx, vec, filter, limit)
}

// ScheduleEvent creates ev on the configured calendar. A zero End uses the
// default duration.
func (s *Service) ScheduleEvent(ctx context.Context, ev calendar.Event) (calendar.Event, error) {
	if s.calendar == nil {
		return ev, errors.New("no calendar is configured")
	}
	if ev.End.IsZero() && !ev.Start.IsZero() {
		ev.End = ev.Start.Add(calendar.DefaultDuration)
	}
	id, err := s.calendar.CreateEvent(ctx, ev)
	if err != nil {
		return ev, err
	}
	ev.ID = id
	s.logger.Info("event scheduled", zap.String("event_id", id), zap.Time("start", ev.Start))
	return ev, nil
}

// ParseEvent reads an event from a natural-language request.
func (s *Service) ParseEvent(request string) (calendar.Event, error) {
	return calendar.Parse(request, s.now())
}

// Flush closes the user's open epoch so it is consolidated now.
func (s *Service) Flush(ctx context.Context, userID string) error {
	return s.turns.FlushNow(ctx, userID)
}
