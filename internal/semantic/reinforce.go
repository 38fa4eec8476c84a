package semantic

import (
	"sort"
	"time"

	"github.com/easeaico/memory-journal/internal/memory"
)

// DefaultConfidence replaces a missing confidence.
const DefaultConfidence = 0.7

// CombineConfidence merges two independent observations with noisy-OR.
// The result is commutative, associative and never exceeds 1.
func CombineConfidence(a, b float64) float64 {
	a = memory.ClampUnit(a, DefaultConfidence)
	b = memory.ClampUnit(b, DefaultConfidence)
	return memory.ClampUnit(1-(1-a)*(1-b), DefaultConfidence)
}

// Reinforce folds one more observation into m.
func Reinforce(m memory.SemanticMemory, confidence float64, sources, tags []string, now time.Time) memory.SemanticMemory {
	m.Confidence = CombineConfidence(m.Confidence, confidence)
	m.OccurrenceCount++
	m.SourceEpisodeIDs = union(m.SourceEpisodeIDs, sources)
	m.Tags = union(m.Tags, tags)
	m.LastUpdated = now
	m.LastReinforced = now
	return m
}

// union returns the sorted set of ids in a and b.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	for _, s := range b {
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// candidate is one proposed memory, possibly merged from in-batch duplicates.
type candidate struct {
	Type       memory.SemanticType
	Content    string
	Confidence float64
	Sources    []string
	Tags       []string
	Embedding  []float32
	Count      int
	// best is the highest single confidence seen; its content represents the group.
	best float64
}

// combine merges candidates of the same type whose embeddings are at least
// threshold apart in cosine. Confidence, sources, tags and counts are merged
// with order-independent operations; the representative content is the most
// confident one, ties broken lexically.
func combine(cands []candidate, threshold float64) []candidate {
	var groups []candidate
	for _, c := range cands {
		c.Count = 1
		c.best = c.Confidence
		c.Sources = union(nil, c.Sources)
		c.Tags = union(nil, c.Tags)

		merged := false
		for i := range groups {
			g := &groups[i]
			if g.Type != c.Type || !similar(g.Embedding, c.Embedding, g.Content, c.Content, threshold) {
				continue
			}
			g.Confidence = CombineConfidence(g.Confidence, c.Confidence)
			g.Sources = union(g.Sources, c.Sources)
			g.Tags = union(g.Tags, c.Tags)
			g.Count++
			if c.best > g.best || (c.best == g.best && c.Content < g.Content) {
				g.best = c.best
				g.Content = c.Content
				g.Embedding = c.Embedding
			}
			merged = true
			break
		}
		if !merged {
			groups = append(groups, c)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Type != groups[j].Type {
			return groups[i].Type < groups[j].Type
		}
		return groups[i].Content < groups[j].Content
	})
	return groups
}

func similar(a, b []float32, ca, cb string, threshold float64) bool {
	if normalizeContent(ca) == normalizeContent(cb) {
		return true
	}
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	return memory.CosineSimilarity(a, b) >= threshold
}
