package semantic

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/llm/llmtest"
	"github.com/easeaico/memory-journal/internal/memory"
)

var quality = llm.Profile{Name: "quality", Model: "test-model", Temperature: 0.7}

type fixture struct {
	episodes *memory.EpisodicStore
	store    *memory.SemanticStore
	embedder *llmtest.HashEmbedder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := memory.NewChromemDB("")
	require.NoError(t, err)
	name := strings.ReplaceAll(t.Name(), "/", "_")
	epCol, err := db.Collection("episodes-"+name, llm.EmbeddingDim)
	require.NoError(t, err)
	semCol, err := db.Collection("semantic-"+name, llm.EmbeddingDim)
	require.NoError(t, err)
	return &fixture{
		episodes: memory.NewEpisodicStore(epCol),
		store:    memory.NewSemanticStore(semCol),
		embedder: llmtest.NewHashEmbedder(),
		now:      time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) extractor(cfg Config, gen llm.Generator) *Extractor {
	e := NewExtractor(cfg, f.episodes, f.store, gen, quality, f.embedder, nil, nil)
	e.now = func() time.Time { return f.now }
	return e
}

func (f *fixture) seedEpisodes(t *testing.T, user string, n int, age time.Duration) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("%s-ep-%d", user, i)
		require.NoError(t, f.episodes.Upsert(context.Background(), memory.Episode{
			ID:           ids[i],
			UserID:       user,
			Story:        fmt.Sprintf("story %d about running", i),
			Importance:   0.5,
			JournalLabel: "Running",
			Timestamp:    f.now.Add(-age).Add(time.Duration(i) * time.Minute),
			Embedding:    llmtest.Basis(i),
		}))
	}
	return ids
}

const twoMemories = `{"memories": [
  {"type": "preference", "content": "Enjoys running in the morning", "confidence": 0.6, "supporting_episode_ids": ["u1-ep-0", "unknown"], "tags": ["fitness"]},
  {"type": "trait", "content": "Disciplined about routines", "tags": ["habits"]},
  {"type": "hobby", "content": "Dropped because the type is unknown", "confidence": 0.9}
]}`

func TestCombineConfidence_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Float64Range(0, 1).Draw(t, "a")
		b := rapid.Float64Range(0, 1).Draw(t, "b")
		c := rapid.Float64Range(0, 1).Draw(t, "c")

		ab := CombineConfidence(a, b)
		if ab < 0 || ab > 1 {
			t.Fatalf("combined confidence %v out of bounds", ab)
		}
		if ab+1e-12 < math.Max(a, b) {
			t.Fatalf("combining lowered confidence: %v, %v -> %v", a, b, ab)
		}
		if math.Abs(ab-CombineConfidence(b, a)) > 1e-12 {
			t.Fatalf("not commutative")
		}
		left := CombineConfidence(CombineConfidence(a, b), c)
		right := CombineConfidence(a, CombineConfidence(b, c))
		if math.Abs(left-right) > 1e-9 {
			t.Fatalf("not associative: %v vs %v", left, right)
		}
	})
}

func TestReinforce_BoundsAndMonotoneCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := memory.SemanticMemory{
			Confidence:      rapid.Float64Range(0, 1).Draw(t, "start"),
			OccurrenceCount: rapid.IntRange(1, 50).Draw(t, "count"),
		}
		steps := rapid.SliceOfN(rapid.Float64Range(-0.5, 1.5), 1, 20).Draw(t, "steps")
		now := time.Unix(1_700_000_000, 0)
		for i, conf := range steps {
			prev := m
			m = Reinforce(m, conf, []string{fmt.Sprintf("ep-%d", i%3)}, nil, now)
			if m.Confidence < 0 || m.Confidence > 1 {
				t.Fatalf("confidence %v out of bounds", m.Confidence)
			}
			if m.OccurrenceCount != prev.OccurrenceCount+1 {
				t.Fatalf("count went from %d to %d", prev.OccurrenceCount, m.OccurrenceCount)
			}
		}
		if len(m.SourceEpisodeIDs) > 3 {
			t.Fatalf("sources not unioned: %v", m.SourceEpisodeIDs)
		}
	})
}

func TestCombine_OrderIndependent(t *testing.T) {
	contents := []string{"Likes tea", "Works at Acme", "Runs daily"}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "n")
		var cands []candidate
		for i := range n {
			k := rapid.IntRange(0, len(contents)-1).Draw(t, fmt.Sprintf("content%d", i))
			cands = append(cands, candidate{
				Type:       memory.SemanticPreference,
				Content:    contents[k],
				Confidence: rapid.Float64Range(0, 1).Draw(t, fmt.Sprintf("conf%d", i)),
				Sources:    []string{fmt.Sprintf("ep-%d", i)},
				Embedding:  llmtest.Basis(k),
			})
		}
		shuffled := rapid.Permutation(cands).Draw(t, "order")

		a := combine(cands, 0.9)
		b := combine(shuffled, 0.9)
		if len(a) != len(b) {
			t.Fatalf("group count differs: %d vs %d", len(a), len(b))
		}
		for i := range a {
			if a[i].Content != b[i].Content || a[i].Count != b[i].Count {
				t.Fatalf("group %d differs: %+v vs %+v", i, a[i], b[i])
			}
			if math.Abs(a[i].Confidence-b[i].Confidence) > 1e-9 {
				t.Fatalf("confidence differs: %v vs %v", a[i].Confidence, b[i].Confidence)
			}
			if strings.Join(a[i].Sources, ",") != strings.Join(b[i].Sources, ",") {
				t.Fatalf("sources differ: %v vs %v", a[i].Sources, b[i].Sources)
			}
		}
	})
}

func TestPrunable_NeverPrunesRecentlyReinforced(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := time.Duration(rapid.IntRange(1, 90).Draw(t, "days")) * 24 * time.Hour
		sinceReinforced := time.Duration(rapid.Int64Range(0, int64(window)).Draw(t, "age"))
		now := time.Unix(1_800_000_000, 0)
		m := memory.SemanticMemory{
			Confidence:     rapid.Float64Range(0, 1).Draw(t, "confidence"),
			LastReinforced: now.Add(-sinceReinforced),
		}
		if Prunable(m, now, rapid.Float64Range(0, 1).Draw(t, "floor"), window) {
			t.Fatalf("memory reinforced %v ago pruned with window %v", sinceReinforced, window)
		}
	})
}

func TestExtract_CreatesThenReinforces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	ids := f.seedEpisodes(t, "u1", 3, 24*time.Hour)
	gen := llmtest.Static(twoMemories)
	e := f.extractor(Config{}, gen)

	n, err := e.Extract(ctx, "u1", 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	req := gen.Requests()[0]
	assert.True(t, req.Profile.JSON)
	assert.InDelta(t, 0.2, req.Profile.Temperature, 1e-6)
	assert.Contains(t, req.Prompt, "[u1-ep-0] story 0 about running")

	mems, err := f.store.List(ctx, memory.SemanticFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, mems, 2)

	byType := map[memory.SemanticType]memory.SemanticMemory{}
	for _, m := range mems {
		byType[m.Type] = m
	}
	pref := byType[memory.SemanticPreference]
	assert.Equal(t, []string{"u1-ep-0"}, pref.SourceEpisodeIDs, "unknown ids are dropped")
	assert.Equal(t, 1, pref.OccurrenceCount)
	assert.InDelta(t, 0.6, pref.Confidence, 1e-9)

	trait := byType[memory.SemanticTrait]
	assert.InDelta(t, DefaultConfidence, trait.Confidence, 1e-9, "missing confidence defaults")
	assert.ElementsMatch(t, ids, trait.SourceEpisodeIDs, "no supporting ids means the whole batch")

	// A new supporting episode a day later reinforces instead of duplicating.
	f.now = f.now.Add(24 * time.Hour)
	f.seedEpisodes(t, "u1", 4, 24*time.Hour)
	e = f.extractor(Config{}, llmtest.Static(strings.Replace(twoMemories, `"u1-ep-0", "unknown"`, `"u1-ep-3"`, 1)))
	n, err = e.Extract(ctx, "u1", 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mems, err = f.store.List(ctx, memory.SemanticFilter{UserID: "u1", Type: memory.SemanticPreference})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, 2, mems[0].OccurrenceCount)
	assert.InDelta(t, 1-(0.4*0.4), mems[0].Confidence, 1e-9)
	assert.True(t, f.now.Equal(mems[0].LastReinforced))
	assert.True(t, pref.FirstObserved.Equal(mems[0].FirstObserved))
}

func TestExtract_SameEvidenceDoesNotReinforce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, 24*time.Hour)
	e := f.extractor(Config{}, llmtest.Static(twoMemories))

	n, err := e.Extract(ctx, "u1", 3, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	before, err := f.store.List(ctx, memory.SemanticFilter{UserID: "u1", Type: memory.SemanticPreference})
	require.NoError(t, err)
	require.Len(t, before, 1)

	for range 3 {
		f.now = f.now.Add(time.Hour)
		n, err = e.Extract(ctx, "u1", 3, 30)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	after, err := f.store.List(ctx, memory.SemanticFilter{UserID: "u1", Type: memory.SemanticPreference})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].OccurrenceCount, after[0].OccurrenceCount)
	assert.InDelta(t, before[0].Confidence, after[0].Confidence, 1e-9)
	assert.True(t, before[0].LastReinforced.Equal(after[0].LastReinforced))
}

func TestExtract_SameEvidenceMergesNewTags(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, 24*time.Hour)
	_, err := f.extractor(Config{}, llmtest.Static(twoMemories)).Extract(ctx, "u1", 3, 30)
	require.NoError(t, err)

	retagged := strings.Replace(twoMemories, `"tags": ["fitness"]`, `"tags": ["fitness", "mornings"]`, 1)
	n, err := f.extractor(Config{}, llmtest.Static(retagged)).Extract(ctx, "u1", 3, 30)
	require.NoError(t, err)
	assert.Zero(t, n)

	mems, err := f.store.List(ctx, memory.SemanticFilter{UserID: "u1", Type: memory.SemanticPreference})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.ElementsMatch(t, []string{"fitness", "mornings"}, mems[0].Tags)
	assert.Equal(t, 1, mems[0].OccurrenceCount)
}

func TestExtract_InBatchDuplicatesCombine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, time.Hour)
	gen := llmtest.Static(`[
	  {"type": "fact", "content": "Works at Acme.", "confidence": 0.5},
	  {"type": "fact", "content": "works at acme", "confidence": 0.5}
	]`)

	n, err := f.extractor(Config{}, gen).Extract(context.Background(), "u1", 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mems, err := f.store.List(context.Background(), memory.SemanticFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, 2, mems[0].OccurrenceCount)
	assert.InDelta(t, 0.75, mems[0].Confidence, 1e-9)
}

func TestExtract_TooFewEpisodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 2, time.Hour)
	f.seedEpisodes(t, "old", 5, 60*24*time.Hour)
	gen := llmtest.Static(twoMemories)
	e := f.extractor(Config{}, gen)

	n, err := e.Extract(context.Background(), "u1", 3, 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.Extract(context.Background(), "old", 3, 7)
	require.NoError(t, err)
	assert.Zero(t, n, "episodes outside the lookback window do not count")
	assert.Empty(t, gen.Requests())
}

func TestExtract_MalformedOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, time.Hour)
	_, err := f.extractor(Config{}, llmtest.Static("no json here")).Extract(context.Background(), "u1", 3, 7)
	assert.Error(t, err)
}

func TestExtract_SingleFlightPerUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := llmtest.NewGenerator(func(llm.Request) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return twoMemories, nil
	})
	e := f.extractor(Config{}, gen)

	results := make([]int, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = e.Extract(context.Background(), "u1", 3, 7)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = e.Extract(context.Background(), "u1", 3, 7)
	}()
	// Give the second caller time to join before the first finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, gen.Requests(), 1)
	assert.Equal(t, results[0], results[1])
}

func TestNotifyEpisode_TriggersEveryN(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, time.Hour)
	gen := llmtest.Static(twoMemories)
	e := f.extractor(Config{ExtractEvery: 3}, gen)

	for range 5 {
		require.NoError(t, e.NotifyEpisode(context.Background(), memory.Episode{UserID: "u1"}))
	}
	e.Wait()
	assert.Len(t, gen.Requests(), 1)

	require.NoError(t, e.NotifyEpisode(context.Background(), memory.Episode{UserID: "u1"}))
	e.Wait()
	assert.Len(t, gen.Requests(), 2)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	e := f.extractor(Config{PruneFloor: 0.3, StalenessWindow: 30 * 24 * time.Hour}, llmtest.Static(""))

	put := func(id string, conf float64, reinforced time.Time) {
		require.NoError(t, f.store.Upsert(ctx, memory.SemanticMemory{
			ID: id, UserID: "u1", Type: memory.SemanticFact, Content: id,
			Confidence: conf, OccurrenceCount: 1, LastReinforced: reinforced,
			Embedding: llmtest.Basis(len(id)),
		}))
	}
	put("weak-stale", 0.1, f.now.Add(-60*24*time.Hour))
	put("weak-fresh", 0.1, f.now.Add(-24*time.Hour))
	put("strong-stale", 0.9, f.now.Add(-60*24*time.Hour))

	removed, err := e.Prune(ctx, "u1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	mems, err := f.store.List(ctx, memory.SemanticFilter{UserID: "u1"})
	require.NoError(t, err)
	var ids []string
	for _, m := range mems {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"weak-fresh", "strong-stale"}, ids)
}

func TestContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	e := f.extractor(Config{}, llmtest.Static(""))

	out, err := e.Context(ctx, "u1", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, f.store.Upsert(ctx, memory.SemanticMemory{
		ID: "a", UserID: "u1", Type: memory.SemanticTrait, Content: "Curious", Confidence: 0.85,
		Embedding: llmtest.Basis(1),
	}))
	require.NoError(t, f.store.Upsert(ctx, memory.SemanticMemory{
		ID: "b", UserID: "u1", Type: memory.SemanticFact, Content: "Lives in Berlin", Confidence: 0.2,
		Embedding: llmtest.Basis(2),
	}))

	out, err = e.Context(ctx, "u1", "", 10, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "What I know about you:\nPersonality Traits:\n- Curious (confidence: 85%)", out)

	out, err = e.Context(ctx, "u1", "where do I live", 10, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "Key Facts:\n- Lives in Berlin (confidence: 20%)")
}

type staticUsers []string

func (s staticUsers) Users(context.Context) ([]string, error) { return s, nil }

func TestScheduler_Sweeps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.seedEpisodes(t, "u1", 3, time.Hour)
	e := f.extractor(Config{PruneFloor: 0.99, StalenessWindow: time.Hour}, llmtest.Static(twoMemories))

	s, err := NewScheduler(e, staticUsers{"u1", "u2"}, "@daily", "", nil)
	require.NoError(t, err)

	n, err := s.ExtractAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.now = f.now.Add(48 * time.Hour)
	n, err = s.PruneAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.Start()
	require.NoError(t, s.Stop(ctx))

	_, err = NewScheduler(e, staticUsers{}, "not a schedule", "", nil)
	assert.Error(t, err)
}

func TestScheduler_PruneVisitsStoredUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	e := f.extractor(Config{PruneFloor: 0.3, StalenessWindow: 30 * 24 * time.Hour}, llmtest.Static(""))

	require.NoError(t, f.store.Upsert(ctx, memory.SemanticMemory{
		ID: "weak-stale", UserID: "u1", Type: memory.SemanticFact, Content: "Used to cycle",
		Confidence: 0.1, OccurrenceCount: 1, LastReinforced: f.now.Add(-60 * 24 * time.Hour),
		Embedding: llmtest.Basis(1),
	}))
	f.seedEpisodes(t, "u2", 1, time.Hour)

	// Nothing has been appended in this process.
	users := StoredUsers{Episodes: f.episodes, Semantic: f.store, Active: func() []string { return nil }}
	listed, err := users.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, listed)

	s, err := NewScheduler(e, users, "@daily", "", nil)
	require.NoError(t, err)
	removed, err := s.PruneAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := f.store.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoredUsers_MergesActive(t *testing.T) {
	t.Parallel()
	users := StoredUsers{Active: func() []string { return []string{"b", "a", "b"} }}
	listed, err := users.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, listed)
}
