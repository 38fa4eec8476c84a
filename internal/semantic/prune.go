package semantic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/memory"
)

// Prune deletes the user's memories whose confidence is below the floor and
// that were last reinforced before the staleness window. It returns how many
// were removed.
func (e *Extractor) Prune(ctx context.Context, userID string, now time.Time) (int, error) {
	all, err := e.store.List(ctx, memory.SemanticFilter{UserID: userID})
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, m := range all {
		if Prunable(m, now, e.cfg.PruneFloor, e.cfg.StalenessWindow) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.Delete(ctx, ids...); err != nil {
		return 0, fmt.Errorf("failed to prune semantic memories: %w", err)
	}

	e.metrics.RecordPrune(len(ids))
	e.logger.Info("pruned semantic memories", zap.String("user_id", userID), zap.Int("removed", len(ids)))
	return len(ids), nil
}

// Prunable reports whether m is weak and stale. A memory reinforced within
// window is never prunable.
func Prunable(m memory.SemanticMemory, now time.Time, floor float64, window time.Duration) bool {
	if m.Confidence >= floor {
		return false
	}
	last := m.LastReinforced
	if last.IsZero() {
		last = m.LastUpdated
	}
	if last.IsZero() {
		last = m.FirstObserved
	}
	return now.Sub(last) > window
}
