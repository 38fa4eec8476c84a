package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
	"github.com/easeaico/memory-journal/internal/session"
)

const maxRawContextRunes = 500

// StoredFunc observes every stored episode. Errors are logged, never returned
// to the flush.
type StoredFunc func(ctx context.Context, ep memory.Episode) error

// Consolidator turns a closed batch into a stored episode.
// It implements session.Flusher.
type Consolidator struct {
	summarizer *Summarizer
	matcher    *Matcher
	episodes   *memory.EpisodicStore
	embedder   llm.Embedder
	metrics    *metrics.Collector
	logger     *zap.Logger
	hooks      []StoredFunc
}

// NewConsolidator wires the flush pipeline.
func NewConsolidator(s *Summarizer, m *Matcher, episodes *memory.EpisodicStore, embedder llm.Embedder, mc *metrics.Collector, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		summarizer: s,
		matcher:    m,
		episodes:   episodes,
		embedder:   embedder,
		metrics:    mc,
		logger:     logging.OrNop(logger).With(zap.String("component", "consolidator")),
	}
}

// OnStored registers fn to run after each successful upsert.
// Register hooks before the scheduler starts flushing.
func (c *Consolidator) OnStored(fn StoredFunc) {
	c.hooks = append(c.hooks, fn)
}

// Flush summarizes, labels and stores a batch. A retried batch rewrites the
// same episode id.
func (c *Consolidator) Flush(ctx context.Context, b session.Batch) error {
	if len(b.Turns) == 0 {
		return nil
	}
	if b.EpisodeID == "" {
		return errors.New("batch has no episode id")
	}

	draft, err := c.summarizer.Summarize(ctx, b.Turns)
	if err != nil {
		return err
	}

	embedding, err := c.embedder.Embed(ctx, draft.Story)
	if err != nil {
		return fmt.Errorf("failed to embed episode story: %w", err)
	}

	dec, err := c.matcher.Match(ctx, b.UserID, draft, embedding)
	if err != nil {
		return err
	}

	ep := memory.Episode{
		ID:           b.EpisodeID,
		UserID:       b.UserID,
		Story:        draft.Story,
		Emotion:      draft.Emotion,
		KeyEntities:  draft.KeyEntities,
		UserIntent:   draft.UserIntent,
		Importance:   draft.Importance,
		JournalLabel: dec.Label,
		Tags:         []string{dec.Label},
		RawContext:   truncate(draft.Transcript, maxRawContextRunes),
		Timestamp:    lastTurnTime(b.Turns),
		Embedding:    embedding,
	}
	if err := c.episodes.Upsert(ctx, ep); err != nil {
		return err
	}
	c.metrics.RecordEpisode(string(ep.Emotion))

	c.logger.Info("episode stored",
		zap.String("user_id", b.UserID),
		zap.Uint64("epoch", b.Epoch),
		zap.String("episode_id", ep.ID),
		zap.String("journal_label", ep.JournalLabel),
		zap.String("label_kind", string(dec.Kind)),
		zap.Bool("ambiguous", dec.Ambiguous),
		zap.Float64("importance", ep.Importance))

	for _, fn := range c.hooks {
		if err := fn(ctx, ep); err != nil {
			c.logger.Warn("episode hook failed", zap.String("episode_id", ep.ID), zap.Error(err))
		}
	}
	return nil
}

func lastTurnTime(turns []memory.Turn) time.Time {
	var last time.Time
	for _, t := range turns {
		if t.At.After(last) {
			last = t.At
		}
	}
	if last.IsZero() {
		return time.Now()
	}
	return last
}

var _ session.Flusher = (*Consolidator)(nil)
