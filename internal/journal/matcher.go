package journal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/config"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
)

// FallbackLabel is used when no label can be generated.
const FallbackLabel = "General Journal"

const (
	labelTemperature   = 0.2
	maxLabelTranscript = 1500
	// ambiguityEpsilon is how close a runner-up must score to flag a decision.
	ambiguityEpsilon = 0.02
	tieEpsilon       = 1e-9
	// labelOverfetch widens the episode search so one busy journal cannot
	// crowd the others out of the top-K labels.
	labelOverfetch = 4
)

// Kind says how a decision's label was chosen.
type Kind string

const (
	KindReused   Kind = "reused"
	KindNew      Kind = "new"
	KindFolded   Kind = "folded"
	KindFallback Kind = "fallback"
)

// Weights are the coefficients of the combined match score.
type Weights struct {
	Cosine     float64
	Entity     float64
	Recency    float64
	Importance float64
	HalfLife   time.Duration
}

// DefaultWeights favor semantic similarity.
func DefaultWeights() Weights {
	return Weights{Cosine: 0.75, Entity: 0.10, Recency: 0.10, Importance: 0.05, HalfLife: 30 * 24 * time.Hour}
}

// Candidate is an existing journal considered for a draft.
type Candidate struct {
	Label        string
	Cosine       float64
	Entities     []string
	Importance   float64
	LastActivity time.Time
	Score        float64
}

// Score combines a candidate's similarity signals. It has no side effects.
func Score(c Candidate, d Draft, now time.Time, w Weights) float64 {
	return w.Cosine*c.Cosine +
		w.Entity*EntityOverlap(c.Entities, d.KeyEntities) +
		w.Recency*RecencyBonus(c.LastActivity, now, w.HalfLife) +
		w.Importance*memory.ClampUnit(c.Importance, DefaultImportance)
}

// EntityOverlap is the case-folded Jaccard index of two entity lists.
func EntityOverlap(a, b []string) float64 {
	sa, sb := foldSet(a), foldSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	return jaccard(sa, sb)
}

// RecencyBonus decays from 1 by half every halfLife since last.
func RecencyBonus(last, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || last.IsZero() {
		return 0
	}
	age := now.Sub(last)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// Decision is the outcome of matching one draft.
type Decision struct {
	Label      string
	Kind       Kind
	Score      float64
	Cosine     float64
	Ambiguous  bool
	Candidates []Candidate
}

// Reused reports whether the draft joined an existing journal.
func (d Decision) Reused() bool { return d.Kind == KindReused || d.Kind == KindFolded }

// MatcherConfig tunes a Matcher.
type MatcherConfig struct {
	TopK          int
	Threshold     float64
	FoldThreshold float64
	Weights       Weights
}

// MatcherConfigFrom converts the loaded configuration.
func MatcherConfigFrom(c config.MatchConfig) MatcherConfig {
	return MatcherConfig{
		TopK:          c.TopK,
		Threshold:     c.Threshold,
		FoldThreshold: c.FoldThreshold,
		Weights: Weights{
			Cosine:     c.CosineWeight,
			Entity:     c.EntityWeight,
			Recency:    c.RecencyWeight,
			Importance: c.ImportanceWeight,
			HalfLife:   c.RecencyHalfLife,
		},
	}
}

// Matcher assigns journal labels to drafts.
type Matcher struct {
	cfg      MatcherConfig
	episodes *memory.EpisodicStore
	gen      llm.Generator
	profile  llm.Profile
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// NewMatcher creates a matcher. profile is used for the labeling call.
func NewMatcher(cfg MatcherConfig, episodes *memory.EpisodicStore, gen llm.Generator, profile llm.Profile, m *metrics.Collector, logger *zap.Logger) *Matcher {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.80
	}
	if cfg.FoldThreshold <= 0 {
		cfg.FoldThreshold = 0.6
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Matcher{
		cfg:      cfg,
		episodes: episodes,
		gen:      gen,
		profile:  profile.WithTemperature(labelTemperature),
		metrics:  m,
		logger:   logging.OrNop(logger).With(zap.String("component", "matcher")),
		now:      time.Now,
	}
}

// Match picks the journal label for a draft. Store failures are returned;
// labeling failures fall back to FallbackLabel.
func (m *Matcher) Match(ctx context.Context, userID string, d Draft, embedding []float32) (Decision, error) {
	neighbors, err := m.episodes.Search(ctx, embedding, memory.EpisodeFilter{UserID: userID}, m.cfg.TopK*labelOverfetch)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to search journal candidates: %w", err)
	}

	candidates := m.candidates(neighbors, embedding, d)
	if dec, ok := m.pick(candidates); ok {
		m.metrics.RecordLabel(string(dec.Kind))
		if dec.Ambiguous {
			m.logger.Info("ambiguous journal match resolved",
				zap.String("user_id", userID),
				zap.String("label", dec.Label),
				zap.Float64("score", dec.Score))
		}
		return dec, nil
	}

	journals, err := m.episodes.ListByLabel(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to list journal labels: %w", err)
	}
	existing := make([]string, 0, len(journals))
	for _, j := range journals {
		if j.Label != "" {
			existing = append(existing, j.Label)
		}
	}

	dec := Decision{Candidates: candidates, Kind: KindNew}
	label, err := m.generateLabel(ctx, d, existing)
	if err != nil {
		m.logger.Warn("label generation failed, using fallback", zap.String("user_id", userID), zap.Error(err))
		label, dec.Kind = FallbackLabel, KindFallback
	} else if label == "" {
		label, dec.Kind = FallbackLabel, KindFallback
	}
	if folded, ok := FoldLabel(label, existing, m.cfg.FoldThreshold); ok && dec.Kind != KindFallback {
		// A copy of an existing label counts as reuse.
		if NormalizeKey(folded) == NormalizeKey(label) {
			dec.Kind = KindReused
		} else {
			dec.Kind = KindFolded
		}
		label = folded
	} else if ok {
		label = folded
	}
	dec.Label = label
	m.metrics.RecordLabel(string(dec.Kind))
	return dec, nil
}

// candidates groups neighbors by label. A label's representative is its most
// recent episode; its cosine is the best among its episodes.
func (m *Matcher) candidates(neighbors []memory.Episode, embedding []float32, d Draft) []Candidate {
	index := make(map[string]int)
	var out []Candidate
	for _, ep := range neighbors {
		if ep.JournalLabel == "" {
			continue
		}
		cos := float64(ep.Score)
		if len(ep.Embedding) == len(embedding) && len(embedding) > 0 {
			cos = memory.CosineSimilarity(embedding, ep.Embedding)
		}
		i, ok := index[ep.JournalLabel]
		if !ok {
			index[ep.JournalLabel] = len(out)
			out = append(out, Candidate{
				Label:        ep.JournalLabel,
				Cosine:       cos,
				Entities:     ep.KeyEntities,
				Importance:   ep.Importance,
				LastActivity: ep.Timestamp,
			})
			continue
		}
		c := &out[i]
		if cos > c.Cosine {
			c.Cosine = cos
		}
		if ep.Timestamp.After(c.LastActivity) {
			c.LastActivity = ep.Timestamp
			c.Entities = ep.KeyEntities
			c.Importance = ep.Importance
		}
	}

	// Each label is represented by its closest episode; keep the top-K labels.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cosine > out[j].Cosine })
	if len(out) > m.cfg.TopK {
		out = out[:m.cfg.TopK]
	}

	now := m.now()
	for i := range out {
		out[i].Score = Score(out[i], d, now, m.cfg.Weights)
	}
	return out
}

// pick returns the best qualifying candidate, if any.
func (m *Matcher) pick(candidates []Candidate) (Decision, bool) {
	return pickBest(candidates, m.cfg.Threshold)
}

func pickBest(candidates []Candidate, threshold float64) (Decision, bool) {
	var qualified []Candidate
	for _, c := range candidates {
		if c.Score > threshold || c.Cosine > threshold {
			qualified = append(qualified, c)
		}
	}
	if len(qualified) == 0 {
		return Decision{}, false
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		a, b := qualified[i], qualified[j]
		if math.Abs(a.Score-b.Score) > tieEpsilon {
			return a.Score > b.Score
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.Label < b.Label
	})

	best := qualified[0]
	dec := Decision{
		Label:      best.Label,
		Kind:       KindReused,
		Score:      best.Score,
		Cosine:     best.Cosine,
		Candidates: candidates,
	}
	for _, c := range qualified[1:] {
		if best.Score-c.Score <= ambiguityEpsilon {
			dec.Ambiguous = true
			break
		}
	}
	return dec, true
}

func (m *Matcher) generateLabel(ctx context.Context, d Draft, existing []string) (string, error) {
	prompt := render(labelTmpl, struct {
		Labels     []string
		Transcript string
	}{existing, truncate(d.Transcript, maxLabelTranscript)})

	out, err := m.gen.Generate(ctx, llm.Request{Prompt: prompt, Profile: m.profile})
	if err != nil {
		return "", err
	}
	return NormalizeLabel(out), nil
}

// NormalizeLabel cleans a generated label: first line only, quotes and
// trailing punctuation trimmed, whitespace collapsed, title case.
func NormalizeLabel(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(strings.ToLower(s), "label:"); i == 0 {
		s = s[len("label:"):]
	}
	s = strings.Trim(s, " \t\"'`*“”‘’")
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	s = strings.Trim(s, " \t\"'`*“”‘’")

	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// NormalizeKey folds case and punctuation for label comparison.
func NormalizeKey(s string) string {
	return strings.Join(tokens(s), " ")
}

// FoldLabel maps label onto an existing label when they name the same
// journal. existing is searched in order, so callers pass it most recent first.
func FoldLabel(label string, existing []string, threshold float64) (string, bool) {
	key := NormalizeKey(label)
	if key == "" {
		return label, false
	}
	set := tokenSet(label)
	for _, e := range existing {
		if NormalizeKey(e) == key {
			return e, true
		}
	}
	for _, e := range existing {
		es := tokenSet(e)
		if len(es) == 0 {
			continue
		}
		if subset(set, es) || subset(es, set) || jaccard(set, es) >= threshold {
			return e, true
		}
	}
	return label, false
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range tokens(s) {
		out[t] = struct{}{}
	}
	return out
}

func foldSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out[item] = struct{}{}
		}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// subset reports whether every token of a is in b.
func subset(a, b map[string]struct{}) bool {
	if len(a) == 0 {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
