package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Payload keys shared by the episodic backends.
const (
	keyUserID       = "user_id"
	keyStory        = "story"
	keyEmotion      = "emotion"
	keyKeyEntities  = "key_entities"
	keyUserIntent   = "user_intent"
	keyImportance   = "importance"
	keyJournalLabel = "journal_label"
	keyTags         = "tags"
	keyRawContext   = "raw_context"
	keyTimestamp    = "timestamp"
)

// EpisodeFilter narrows an episodic search. Zero values disable a condition.
type EpisodeFilter struct {
	UserID        string
	JournalLabel  string
	MinImportance float64
	Since         time.Time
}

func (f EpisodeFilter) collectionFilter() Filter {
	out := Filter{Equals: map[string]string{}, AtLeast: map[string]float64{}}
	if f.UserID != "" {
		out.Equals[keyUserID] = f.UserID
	}
	if f.JournalLabel != "" {
		out.Equals[keyJournalLabel] = f.JournalLabel
	}
	if f.MinImportance > 0 {
		out.AtLeast[keyImportance] = f.MinImportance
	}
	if !f.Since.IsZero() {
		out.AtLeast[keyTimestamp] = unixSeconds(f.Since)
	}
	return out
}

// EpisodicStore persists episodes in a vector collection.
type EpisodicStore struct {
	col Collection
}

// NewEpisodicStore wraps col.
func NewEpisodicStore(col Collection) *EpisodicStore {
	return &EpisodicStore{col: col}
}

// Upsert writes ep, replacing any episode with the same id.
// Writing the same episode twice leaves one record.
func (s *EpisodicStore) Upsert(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		return errors.New("episode id is empty")
	}
	if len(ep.Embedding) == 0 {
		return fmt.Errorf("episode %s has no embedding", ep.ID)
	}
	if err := s.col.Upsert(ctx, episodePoint(ep)); err != nil {
		return storeError("failed to upsert episode", err)
	}
	return nil
}

// Search returns the episodes nearest to vector, most similar first.
func (s *EpisodicStore) Search(ctx context.Context, vector []float32, filter EpisodeFilter, limit int) ([]Episode, error) {
	matches, err := s.col.Search(ctx, vector, filter.collectionFilter(), limit)
	if err != nil {
		return nil, storeError("failed to search episodes", err)
	}
	episodes := make([]Episode, len(matches))
	for i, m := range matches {
		episodes[i] = episodeFromPoint(m.Point)
		episodes[i].Score = m.Score
	}
	return episodes, nil
}

// List returns every episode matching filter, newest first.
func (s *EpisodicStore) List(ctx context.Context, filter EpisodeFilter) ([]Episode, error) {
	points, err := s.col.Scroll(ctx, filter.collectionFilter(), 0)
	if err != nil {
		return nil, storeError("failed to list episodes", err)
	}
	episodes := make([]Episode, len(points))
	for i, p := range points {
		episodes[i] = episodeFromPoint(p)
	}
	sortNewestFirst(episodes)
	return episodes, nil
}

// Recent returns up to limit episodes for userID since the given time, newest first.
func (s *EpisodicStore) Recent(ctx context.Context, userID string, since time.Time, limit int) ([]Episode, error) {
	episodes, err := s.List(ctx, EpisodeFilter{UserID: userID, Since: since})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

// Count returns how many episodes match filter.
func (s *EpisodicStore) Count(ctx context.Context, filter EpisodeFilter) (int, error) {
	points, err := s.col.Scroll(ctx, filter.collectionFilter(), 0)
	if err != nil {
		return 0, storeError("failed to count episodes", err)
	}
	return len(points), nil
}

// ListByLabel groups a user's episodes into journals.
// Journals are ordered by most recent activity; entries are newest first.
func (s *EpisodicStore) ListByLabel(ctx context.Context, userID string) ([]Journal, error) {
	episodes, err := s.List(ctx, EpisodeFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	var journals []Journal
	for _, ep := range episodes {
		label := ep.JournalLabel
		i, ok := index[label]
		if !ok {
			i = len(journals)
			index[label] = i
			journals = append(journals, Journal{Label: label, LastActivity: ep.Timestamp})
		}
		j := &journals[i]
		j.Entries = append(j.Entries, ep)
		j.EntryCount++
		if ep.Timestamp.After(j.LastActivity) {
			j.LastActivity = ep.Timestamp
		}
	}

	sort.SliceStable(journals, func(a, b int) bool {
		if !journals[a].LastActivity.Equal(journals[b].LastActivity) {
			return journals[a].LastActivity.After(journals[b].LastActivity)
		}
		return journals[a].Label < journals[b].Label
	})
	return journals, nil
}

// Users lists every user with at least one stored episode, sorted.
func (s *EpisodicStore) Users(ctx context.Context) ([]string, error) {
	points, err := s.col.Scroll(ctx, Filter{}, 0)
	if err != nil {
		return nil, storeError("failed to list episode users", err)
	}
	return distinctUsers(points), nil
}

// Delete removes episodes by id.
func (s *EpisodicStore) Delete(ctx context.Context, ids ...string) error {
	if err := s.col.Delete(ctx, ids...); err != nil {
		return storeError("failed to delete episodes", err)
	}
	return nil
}

func sortNewestFirst(episodes []Episode) {
	sort.SliceStable(episodes, func(i, j int) bool {
		if !episodes[i].Timestamp.Equal(episodes[j].Timestamp) {
			return episodes[i].Timestamp.After(episodes[j].Timestamp)
		}
		return episodes[i].ID < episodes[j].ID
	})
}

func episodePoint(ep Episode) Point {
	return Point{
		ID:     ep.ID,
		Vector: ep.Embedding,
		Payload: map[string]any{
			keyUserID:       ep.UserID,
			keyStory:        ep.Story,
			keyEmotion:      string(ep.Emotion),
			keyKeyEntities:  anyStrings(ep.KeyEntities),
			keyUserIntent:   ep.UserIntent,
			keyImportance:   ep.Importance,
			keyJournalLabel: ep.JournalLabel,
			keyTags:         anyStrings(ep.Tags),
			keyRawContext:   ep.RawContext,
			keyTimestamp:    unixSeconds(ep.Timestamp),
		},
	}
}

func episodeFromPoint(p Point) Episode {
	return Episode{
		ID:           p.ID,
		UserID:       payloadString(p.Payload, keyUserID),
		Story:        payloadString(p.Payload, keyStory),
		Emotion:      ParseEmotion(payloadString(p.Payload, keyEmotion)),
		KeyEntities:  payloadStrings(p.Payload, keyKeyEntities),
		UserIntent:   payloadString(p.Payload, keyUserIntent),
		Importance:   payloadFloat(p.Payload, keyImportance, 0.5),
		JournalLabel: payloadString(p.Payload, keyJournalLabel),
		Tags:         payloadStrings(p.Payload, keyTags),
		RawContext:   payloadString(p.Payload, keyRawContext),
		Timestamp:    payloadTime(p.Payload, keyTimestamp),
		Embedding:    p.Vector,
	}
}
