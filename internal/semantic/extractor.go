// Package semantic distills stable facts about a user from recent episodes,
// reinforces them as evidence repeats and prunes the ones that fade.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/easeaico/memory-journal/internal/config"
	"github.com/easeaico/memory-journal/internal/errs"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
)

const (
	maxExtractEpisodes  = 100
	maxPromptEpisodes   = 30
	extractTemperature  = 0.2
	backgroundTimeout   = 5 * time.Minute
	duplicateSearchSize = 1
)

var memoryNamespace = uuid.MustParse("5b0c4f0e-3a53-4c5e-9a35-8e5d1b3f6a21")

var extractTmpl = template.Must(template.New("extract").Parse(`Analyze these recent conversations and extract semantic memories about the user.

RECENT CONVERSATIONS:
{{range .Episodes}}- [{{.ID}}] {{.Story}}
{{end}}
Extract semantic memories in these categories:
1. TRAITS: Personality characteristics
2. PREFERENCES: Likes/dislikes, values, priorities
3. FACTS: Stable facts (job, location, relationships)
4. PATTERNS: Behavioral patterns or tendencies
5. RELATIONSHIPS: Important people and relationships

For each semantic memory, provide:
- "type": one of [trait, preference, fact, pattern, relationship]
- "content": A clear, concise statement (1 sentence)
- "confidence": 0.0-1.0 based on evidence strength
- "supporting_episode_ids": ids (in brackets above) of the conversations that support it
- "tags": 2-3 relevant tags

Return a JSON object {"memories": [...]} with 5-15 semantic memories.
Focus on RECURRING themes and IMPORTANT information.

Return ONLY valid JSON, no markdown.`))

// Config tunes extraction and pruning.
type Config struct {
	ExtractEvery       int
	MinEpisodes        int
	LookbackDays       int
	DuplicateThreshold float64
	PruneFloor         float64
	StalenessWindow    time.Duration
}

// ConfigFrom converts the loaded configuration.
func ConfigFrom(c config.SemanticConfig) Config {
	return Config{
		ExtractEvery:       c.ExtractEvery,
		MinEpisodes:        c.MinEpisodes,
		LookbackDays:       c.LookbackDays,
		DuplicateThreshold: c.DuplicateThreshold,
		PruneFloor:         c.PruneFloor,
		StalenessWindow:    c.StalenessWindow,
	}
}

func (c Config) withDefaults() Config {
	if c.ExtractEvery <= 0 {
		c.ExtractEvery = 5
	}
	if c.MinEpisodes <= 0 {
		c.MinEpisodes = 3
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = 0.90
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 30 * 24 * time.Hour
	}
	return c
}

// Result reports what one extraction run changed.
type Result struct {
	Created    int
	Reinforced int
}

// Total is the number of memories written.
func (r Result) Total() int { return r.Created + r.Reinforced }

// Extractor runs semantic extraction for one user at a time.
type Extractor struct {
	cfg      Config
	episodes *memory.EpisodicStore
	store    *memory.SemanticStore
	gen      llm.Generator
	profile  llm.Profile
	embedder llm.Embedder
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.Mutex
	counts map[string]int
}

// NewExtractor creates an extractor. profile is used for the extraction call.
func NewExtractor(cfg Config, episodes *memory.EpisodicStore, store *memory.SemanticStore, gen llm.Generator, profile llm.Profile, embedder llm.Embedder, m *metrics.Collector, logger *zap.Logger) *Extractor {
	return &Extractor{
		cfg:      cfg.withDefaults(),
		episodes: episodes,
		store:    store,
		gen:      gen,
		profile:  profile.WithJSON().WithTemperature(extractTemperature),
		embedder: embedder,
		metrics:  m,
		logger:   logging.OrNop(logger).With(zap.String("component", "semantic")),
		now:      time.Now,
		counts:   make(map[string]int),
	}
}

// Extract distills memories from the user's episodes of the last lookbackDays.
// It returns how many memories were created or reinforced. Fewer than
// minEpisodes episodes is not an error. Non-positive arguments use the
// configured defaults. A call that arrives while the user's extraction is
// running joins it instead of starting another.
func (e *Extractor) Extract(ctx context.Context, userID string, minEpisodes, lookbackDays int) (int, error) {
	if userID == "" {
		return 0, errors.New("user id is empty")
	}
	if minEpisodes <= 0 {
		minEpisodes = e.cfg.MinEpisodes
	}
	if lookbackDays <= 0 {
		lookbackDays = e.cfg.LookbackDays
	}

	ch := e.group.DoChan(userID, func() (any, error) {
		// The run outlives a cancelled caller so joined callers still get a result.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		return e.extract(runCtx, userID, minEpisodes, lookbackDays)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(Result).Total(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// NotifyEpisode counts a stored episode and starts a background extraction
// every ExtractEvery episodes. It matches journal.StoredFunc.
func (e *Extractor) NotifyEpisode(ctx context.Context, ep memory.Episode) error {
	e.mu.Lock()
	e.counts[ep.UserID]++
	due := e.counts[ep.UserID] >= e.cfg.ExtractEvery
	if due {
		e.counts[ep.UserID] = 0
	}
	e.mu.Unlock()

	if !due {
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx := context.WithoutCancel(ctx)
		n, err := e.Extract(runCtx, ep.UserID, 0, 0)
		if err != nil {
			e.logger.Warn("triggered extraction failed", zap.String("user_id", ep.UserID), zap.Error(err))
			return
		}
		e.logger.Info("triggered extraction finished", zap.String("user_id", ep.UserID), zap.Int("memories", n))
	}()
	return nil
}

// Wait blocks until background extractions have finished.
func (e *Extractor) Wait() {
	e.wg.Wait()
}

func (e *Extractor) extract(ctx context.Context, userID string, minEpisodes, lookbackDays int) (Result, error) {
	now := e.now()
	since := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	episodes, err := e.episodes.Recent(ctx, userID, since, maxExtractEpisodes)
	if err != nil {
		e.metrics.RecordExtraction("error", 0, 0)
		return Result{}, fmt.Errorf("failed to load recent episodes: %w", err)
	}
	if len(episodes) < minEpisodes {
		e.logger.Debug("not enough episodes for extraction",
			zap.String("user_id", userID),
			zap.Int("episodes", len(episodes)),
			zap.Int("min_episodes", minEpisodes))
		e.metrics.RecordExtraction("skipped", 0, 0)
		return Result{}, nil
	}

	cands, err := e.propose(ctx, episodes)
	if err != nil {
		e.metrics.RecordExtraction("error", 0, 0)
		return Result{}, err
	}

	var res Result
	for _, c := range combine(cands, e.cfg.DuplicateThreshold) {
		outcome, err := e.apply(ctx, userID, c, now)
		if err != nil {
			e.metrics.RecordExtraction("error", res.Created, res.Reinforced)
			return res, err
		}
		switch outcome {
		case applyCreated:
			res.Created++
		case applyReinforced:
			res.Reinforced++
		}
	}

	e.metrics.RecordExtraction("ok", res.Created, res.Reinforced)
	e.logger.Info("semantic extraction finished",
		zap.String("user_id", userID),
		zap.Int("episodes", len(episodes)),
		zap.Int("created", res.Created),
		zap.Int("reinforced", res.Reinforced))
	return res, nil
}

// propose asks for candidate memories and embeds them.
func (e *Extractor) propose(ctx context.Context, episodes []memory.Episode) ([]candidate, error) {
	shown := episodes
	if len(shown) > maxPromptEpisodes {
		shown = shown[:maxPromptEpisodes]
	}
	var buf bytes.Buffer
	if err := extractTmpl.Execute(&buf, struct{ Episodes []memory.Episode }{shown}); err != nil {
		return nil, fmt.Errorf("failed to render extraction prompt: %w", err)
	}

	out, err := e.gen.Generate(ctx, llm.Request{Prompt: buf.String(), Profile: e.profile})
	if err != nil {
		return nil, fmt.Errorf("failed to generate semantic memories: %w", err)
	}

	batch := make([]string, len(episodes))
	known := make(map[string]bool, len(episodes))
	for i, ep := range episodes {
		batch[i] = ep.ID
		known[ep.ID] = true
	}

	cands, err := parseCandidates(out, known, batch)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		vec, err := e.embedder.Embed(ctx, cands[i].Content)
		if err != nil {
			return nil, fmt.Errorf("failed to embed semantic memory: %w", err)
		}
		cands[i].Embedding = vec
	}
	return cands, nil
}

type applyOutcome int

const (
	applyUnchanged applyOutcome = iota
	applyCreated
	applyReinforced
)

// apply reinforces the nearest same-type memory or inserts a new one.
// A duplicate counts as reinforcement only when it cites an episode the
// stored memory has not seen; otherwise only its tags are merged.
func (e *Extractor) apply(ctx context.Context, userID string, c candidate, now time.Time) (applyOutcome, error) {
	hits, err := e.store.Search(ctx, c.Embedding, memory.SemanticFilter{UserID: userID, Type: c.Type}, duplicateSearchSize)
	if err != nil {
		return applyUnchanged, err
	}
	if len(hits) > 0 && float64(hits[0].Score) >= e.cfg.DuplicateThreshold {
		hit := hits[0]
		if !hasNewSource(hit.SourceEpisodeIDs, c.Sources) {
			tags := union(hit.Tags, c.Tags)
			if len(tags) == len(hit.Tags) {
				return applyUnchanged, nil
			}
			hit.Tags = tags
			hit.LastUpdated = now
			return applyUnchanged, e.store.Upsert(ctx, hit)
		}
		// c.Confidence already combines every in-batch occurrence.
		m := Reinforce(hit, c.Confidence, c.Sources, c.Tags, now)
		m.OccurrenceCount = hit.OccurrenceCount + c.Count
		if len(m.Embedding) == 0 {
			m.Embedding = c.Embedding
		}
		return applyReinforced, e.store.Upsert(ctx, m)
	}

	m := memory.SemanticMemory{
		ID:               MemoryID(userID, c.Type, c.Content),
		UserID:           userID,
		Type:             c.Type,
		Content:          c.Content,
		Confidence:       c.Confidence,
		SourceEpisodeIDs: c.Sources,
		OccurrenceCount:  c.Count,
		Tags:             c.Tags,
		FirstObserved:    now,
		LastUpdated:      now,
		LastReinforced:   now,
		Embedding:        c.Embedding,
	}
	return applyCreated, e.store.Upsert(ctx, m)
}

// hasNewSource reports whether sources cites an episode missing from known.
func hasNewSource(known, sources []string) bool {
	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	for _, id := range sources {
		if _, ok := seen[id]; !ok && id != "" {
			return true
		}
	}
	return false
}

// MemoryID derives a stable id for a memory's first observation.
func MemoryID(userID string, t memory.SemanticType, content string) string {
	key := userID + "\x00" + string(t) + "\x00" + normalizeContent(content)
	return uuid.NewSHA1(memoryNamespace, []byte(key)).String()
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "."))), " ")
}

type candidateJSON struct {
	Type       string          `json:"type"`
	Content    string          `json:"content"`
	Confidence json.RawMessage `json:"confidence"`
	Supporting []string        `json:"supporting_episode_ids"`
	Tags       []string        `json:"tags"`
}

// parseCandidates accepts {"memories": [...]} or a bare array. Items with an
// unknown type or no content are dropped. Supporting ids outside the batch
// are discarded; an item left with none is attributed to the whole batch.
func parseCandidates(out string, known map[string]bool, batch []string) ([]candidate, error) {
	cleaned := llm.CleanJSON(out)

	var items []candidateJSON
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
			return nil, errs.Malformed("parse semantic memories", err)
		}
	} else {
		var wrapped struct {
			Memories []candidateJSON `json:"memories"`
		}
		if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
			return nil, errs.Malformed("parse semantic memories", err)
		}
		items = wrapped.Memories
	}

	cands := make([]candidate, 0, len(items))
	for _, it := range items {
		t, ok := memory.ParseSemanticType(it.Type)
		content := strings.TrimSpace(it.Content)
		if !ok || content == "" {
			continue
		}
		var sources []string
		for _, id := range it.Supporting {
			if known[id] {
				sources = append(sources, id)
			}
		}
		if len(sources) == 0 {
			sources = batch
		}
		cands = append(cands, candidate{
			Type:       t,
			Content:    content,
			Confidence: parseConfidence(it.Confidence),
			Sources:    sources,
			Tags:       it.Tags,
		})
	}
	return cands, nil
}

func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultConfidence
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return DefaultConfidence
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return DefaultConfidence
		}
		v = f
	}
	return memory.ClampUnit(v, DefaultConfidence)
}
