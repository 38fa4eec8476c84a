package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

const (
	keyType            = "type"
	keyContent         = "content"
	keyConfidence      = "confidence"
	keySourceEpisodes  = "source_episode_ids"
	keyOccurrenceCount = "occurrence_count"
	keyFirstObserved   = "first_observed"
	keyLastUpdated     = "last_updated"
	keyLastReinforced  = "last_reinforced"
)

// SemanticFilter narrows a semantic search. Zero values disable a condition.
type SemanticFilter struct {
	UserID        string
	Type          SemanticType
	MinConfidence float64
}

func (f SemanticFilter) collectionFilter() Filter {
	out := Filter{Equals: map[string]string{}, AtLeast: map[string]float64{}}
	if f.UserID != "" {
		out.Equals[keyUserID] = f.UserID
	}
	if f.Type != "" {
		out.Equals[keyType] = string(f.Type)
	}
	if f.MinConfidence > 0 {
		out.AtLeast[keyConfidence] = f.MinConfidence
	}
	return out
}

// SemanticStore persists semantic memories in a vector collection.
type SemanticStore struct {
	col Collection
}

// NewSemanticStore wraps col.
func NewSemanticStore(col Collection) *SemanticStore {
	return &SemanticStore{col: col}
}

// Upsert writes m, replacing any memory with the same id.
func (s *SemanticStore) Upsert(ctx context.Context, m SemanticMemory) error {
	if m.ID == "" {
		return errors.New("semantic memory id is empty")
	}
	if len(m.Embedding) == 0 {
		return fmt.Errorf("semantic memory %s has no embedding", m.ID)
	}
	if err := s.col.Upsert(ctx, semanticPoint(m)); err != nil {
		return storeError("failed to upsert semantic memory", err)
	}
	return nil
}

// Search returns the memories nearest to vector, most similar first.
func (s *SemanticStore) Search(ctx context.Context, vector []float32, filter SemanticFilter, limit int) ([]SemanticMemory, error) {
	matches, err := s.col.Search(ctx, vector, filter.collectionFilter(), limit)
	if err != nil {
		return nil, storeError("failed to search semantic memories", err)
	}
	out := make([]SemanticMemory, len(matches))
	for i, m := range matches {
		out[i] = semanticFromPoint(m.Point)
		out[i].Score = m.Score
	}
	return out, nil
}

// List returns every memory matching filter, most confident first.
func (s *SemanticStore) List(ctx context.Context, filter SemanticFilter) ([]SemanticMemory, error) {
	points, err := s.col.Scroll(ctx, filter.collectionFilter(), 0)
	if err != nil {
		return nil, storeError("failed to list semantic memories", err)
	}
	out := make([]SemanticMemory, len(points))
	for i, p := range points {
		out[i] = semanticFromPoint(p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Count returns how many memories userID has.
func (s *SemanticStore) Count(ctx context.Context, userID string) (int, error) {
	points, err := s.col.Scroll(ctx, SemanticFilter{UserID: userID}.collectionFilter(), 0)
	if err != nil {
		return 0, storeError("failed to count semantic memories", err)
	}
	return len(points), nil
}

// Users lists every user with at least one semantic memory, sorted.
func (s *SemanticStore) Users(ctx context.Context) ([]string, error) {
	points, err := s.col.Scroll(ctx, Filter{}, 0)
	if err != nil {
		return nil, storeError("failed to list semantic memory users", err)
	}
	return distinctUsers(points), nil
}

// Delete removes memories by id.
func (s *SemanticStore) Delete(ctx context.Context, ids ...string) error {
	if err := s.col.Delete(ctx, ids...); err != nil {
		return storeError("failed to delete semantic memories", err)
	}
	return nil
}

func semanticPoint(m SemanticMemory) Point {
	return Point{
		ID:     m.ID,
		Vector: m.Embedding,
		Payload: map[string]any{
			keyUserID:          m.UserID,
			keyType:            string(m.Type),
			keyContent:         m.Content,
			keyConfidence:      m.Confidence,
			keySourceEpisodes:  anyStrings(m.SourceEpisodeIDs),
			keyOccurrenceCount: float64(m.OccurrenceCount),
			keyTags:            anyStrings(m.Tags),
			keyFirstObserved:   unixSeconds(m.FirstObserved),
			keyLastUpdated:     unixSeconds(m.LastUpdated),
			keyLastReinforced:  unixSeconds(m.LastReinforced),
		},
	}
}

func semanticFromPoint(p Point) SemanticMemory {
	typ, _ := ParseSemanticType(payloadString(p.Payload, keyType))
	return SemanticMemory{
		ID:               p.ID,
		UserID:           payloadString(p.Payload, keyUserID),
		Type:             typ,
		Content:          payloadString(p.Payload, keyContent),
		Confidence:       ClampUnit(payloadFloat(p.Payload, keyConfidence, 0), 0),
		SourceEpisodeIDs: payloadStrings(p.Payload, keySourceEpisodes),
		OccurrenceCount:  int(payloadFloat(p.Payload, keyOccurrenceCount, 1)),
		Tags:             payloadStrings(p.Payload, keyTags),
		FirstObserved:    payloadTime(p.Payload, keyFirstObserved),
		LastUpdated:      payloadTime(p.Payload, keyLastUpdated),
		LastReinforced:   payloadTime(p.Payload, keyLastReinforced),
		Embedding:        p.Vector,
	}
}
