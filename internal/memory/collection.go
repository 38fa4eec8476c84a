package memory

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"
)

// Point is one record in a vector collection.
// Payload values are limited to string, float64, bool, and []any of those so
// that every backend can store them.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is a Point ranked by cosine similarity to a query vector.
type Match struct {
	Point
	Score float32
}

// Filter restricts a search or scroll.
// Equals requires exact string equality; AtLeast requires a numeric lower bound.
type Filter struct {
	Equals  map[string]string
	AtLeast map[string]float64
}

// Eq returns a filter with a single equality condition.
func Eq(key, value string) Filter {
	return Filter{Equals: map[string]string{key: value}}
}

// With returns a copy of f with an extra equality condition.
func (f Filter) With(key, value string) Filter {
	out := Filter{Equals: make(map[string]string, len(f.Equals)+1), AtLeast: f.AtLeast}
	for k, v := range f.Equals {
		out.Equals[k] = v
	}
	out.Equals[key] = value
	return out
}

// Min returns a copy of f with an extra lower bound.
func (f Filter) Min(key string, bound float64) Filter {
	out := Filter{Equals: f.Equals, AtLeast: make(map[string]float64, len(f.AtLeast)+1)}
	for k, v := range f.AtLeast {
		out.AtLeast[k] = v
	}
	out.AtLeast[key] = bound
	return out
}

// Matches evaluates f against a payload in application memory.
func (f Filter) Matches(payload map[string]any) bool {
	for k, want := range f.Equals {
		if payloadString(payload, k) != want {
			return false
		}
	}
	for k, bound := range f.AtLeast {
		v, ok := payloadNumber(payload, k)
		if !ok || v < bound {
			return false
		}
	}
	return true
}

// Collection is the vector-store capability: one named collection of points.
// Searches rank by cosine similarity. A search immediately after an upsert is
// not guaranteed to observe it.
type Collection interface {
	Upsert(ctx context.Context, points ...Point) error
	Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Match, error)
	// Scroll returns points matching filter in no particular order. limit <= 0 means all.
	Scroll(ctx context.Context, filter Filter, limit int) ([]Point, error)
	Delete(ctx context.Context, ids ...string) error
	Close() error
}

// cosineSimilarity calculates the cosine similarity between two vectors.
// The result is in range [-1, 1], where 1 means identical direction,
// 0 means orthogonal, and -1 means opposite direction.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// CosineSimilarity is exported for scoring code outside the package.
func CosineSimilarity(a, b []float32) float64 {
	return float64(cosineSimilarity(a, b))
}

// rankMatches scores candidates against query, keeps those matching filter,
// and returns the top limit by similarity.
func rankMatches(query []float32, candidates []Point, filter Filter, limit int) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, p := range candidates {
		if !filter.Matches(p.Payload) || len(p.Vector) != len(query) {
			continue
		}
		matches = append(matches, Match{Point: p, Score: cosineSimilarity(query, p.Vector)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func payloadString(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func payloadNumber(p map[string]any, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func payloadFloat(p map[string]any, key string, def float64) float64 {
	if v, ok := payloadNumber(p, key); ok {
		return v
	}
	return def
}

func payloadStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func payloadTime(p map[string]any, key string) time.Time {
	v, ok := payloadNumber(p, key)
	if !ok || v == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// distinctUsers returns the sorted set of user ids found in points.
func distinctUsers(points []Point) []string {
	seen := make(map[string]struct{})
	for _, p := range points {
		if u := payloadString(p.Payload, keyUserID); u != "" {
			seen[u] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func anyStrings(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
