package reflection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/memory-journal/internal/calendar"
	"github.com/easeaico/memory-journal/internal/errs"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/llm/llmtest"
	"github.com/easeaico/memory-journal/internal/memory"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type stores struct {
	episodes *memory.EpisodicStore
	semantic *memory.SemanticStore
}

func newStores(t *testing.T) stores {
	t.Helper()
	db, err := memory.NewChromemDB("")
	require.NoError(t, err)
	name := strings.ReplaceAll(t.Name(), "/", "_")
	eps, err := db.Collection("episodes-"+name, llm.EmbeddingDim)
	require.NoError(t, err)
	sem, err := db.Collection("semantic-"+name, llm.EmbeddingDim)
	require.NoError(t, err)
	return stores{episodes: memory.NewEpisodicStore(eps), semantic: memory.NewSemanticStore(sem)}
}

func addEpisode(t *testing.T, s stores, id, story string, importance float64, vec []float32) {
	t.Helper()
	require.NoError(t, s.episodes.Upsert(context.Background(), memory.Episode{
		ID:           id,
		UserID:       "u1",
		Story:        story,
		Emotion:      memory.EmotionProud,
		Importance:   importance,
		JournalLabel: "Career Growth",
		Tags:         []string{"Career Growth"},
		Timestamp:    fixedNow.Add(-time.Hour),
		Embedding:    vec,
	}))
}

type recorder struct {
	mu    sync.Mutex
	turns []memory.Turn
	err   error
}

func (r *recorder) Append(_ context.Context, _ string, turn memory.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.turns = append(r.turns, turn)
	return nil
}

type calendarFunc func(ctx context.Context, ev calendar.Event) (string, error)

func (f calendarFunc) CreateEvent(ctx context.Context, ev calendar.Event) (string, error) {
	return f(ctx, ev)
}

func (calendarFunc) Upcoming(context.Context, time.Time, int) ([]calendar.Event, error) {
	return nil, nil
}

func newRouter(t *testing.T, s stores, gen llm.Generator, emb llm.Embedder, cal calendar.Provider, rec TurnRecorder) *Router {
	t.Helper()
	r, err := NewRouter(Options{
		Episodes:      s.episodes,
		Semantic:      s.semantic,
		Embedder:      emb,
		Generator:     gen,
		Profile:       llm.Profile{Name: "quality", Model: "test-model"},
		Calendar:      cal,
		Recorder:      rec,
		ActionTimeout: time.Second,
	})
	require.NoError(t, err)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestClassify(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	tests := []struct {
		query string
		want  AgentType
	}{
		{"Write resume bullets for a senior PM role", AgentResume},
		{"Give me talking points for my 1:1 with my manager", AgentMeeting},
		{"How have I grown over the last month?", AgentPersonal},
		{"What skills required for this job do I have?", AgentResume},
		{"Prep me for my performance review", AgentMeeting},
		{"I lost my job last year, how have I handled it?", AgentPersonal},
		{"How did I feel after the update from my doctor?", AgentPersonal},
		{"Did I review my goals often enough?", AgentPersonal},
		{"I resumed running in March, how has it gone?", AgentPersonal},
		{"", AgentPersonal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Classify(tt.query), tt.query)
	}
}

func TestRegistry_Apply(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	err := r.Apply([]byte(`
fallback: gratitude
agents:
  - type: resume
    keywords: [cv, portfolio]
  - type: gratitude
    keywords: [grateful, thankful]
    priority: 5
    empty_message: nothing yet
    prompt: "Gratitude for {{.Query}}: {{.Episodes}}"
`))
	require.NoError(t, err)

	resume, ok := r.Get(AgentResume)
	require.True(t, ok)
	assert.Equal(t, []string{"cv", "portfolio"}, resume.Keywords)
	assert.Equal(t, 0.6, resume.MinImportance, "unset fields keep their defaults")

	assert.Equal(t, AgentType("gratitude"), r.Classify("what am I thankful for"))
	assert.Equal(t, AgentType("gratitude"), r.Classify("something unrelated"))
	assert.Equal(t, AgentResume, r.Classify("update my portfolio"))
	assert.Equal(t, AgentType("gratitude"), r.Agents()[0].Type)
}

func TestRegistry_ApplyRejectsUnknownFallback(t *testing.T) {
	t.Parallel()
	err := DefaultRegistry().Apply([]byte("fallback: nobody\n"))
	assert.Error(t, err)
}

func TestRegistry_ApplyRejectsBadTemplate(t *testing.T) {
	t.Parallel()
	err := DefaultRegistry().Apply([]byte("agents:\n  - type: personal\n    prompt: \"{{.Query\"\n"))
	assert.Error(t, err)
}

func TestReflect_EmptyHistoryDoesNotGenerate(t *testing.T) {
	t.Parallel()
	gen := llmtest.Static("should not be used")
	r := newRouter(t, newStores(t), gen, llmtest.NewHashEmbedder(), nil, nil)

	res, err := r.Reflect(context.Background(), "u1", "Write resume bullets for a data role")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Equal(t, AgentResume, res.AgentType)
	agent, _ := r.Registry().Get(AgentResume)
	assert.Equal(t, agent.EmptyMessage, res.Response)
	assert.Empty(t, res.MemoryIDs)
	assert.Empty(t, gen.Requests())
}

func TestReflect_ResumeIgnoresLowImportance(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	addEpisode(t, s, "e1", "Watched a movie", 0.2, llmtest.Basis(0))
	gen := llmtest.Static("unused")
	r := newRouter(t, s, gen, llmtest.NewHashEmbedder(), nil, nil)

	res, err := r.Reflect(context.Background(), "u1", "resume bullets please")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Empty(t, gen.Requests())
}

func TestReflect_UsesEpisodesAndFacts(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	ctx := context.Background()
	addEpisode(t, s, "e1", "Led the launch of the billing service", 0.9, llmtest.Basis(0))
	addEpisode(t, s, "e2", "Felt nervous before the demo", 0.7, llmtest.Blend(0, 1, 0.6))
	require.NoError(t, s.semantic.Upsert(ctx, memory.SemanticMemory{
		ID: "m1", UserID: "u1", Type: memory.SemanticFact, Content: "Works as a backend engineer",
		Confidence: 0.9, OccurrenceCount: 1, FirstObserved: fixedNow, LastUpdated: fixedNow,
		Embedding: llmtest.Basis(0),
	}))

	emb := llmtest.NewHashEmbedder()
	query := "How did my work go lately?"
	emb.Set(query, llmtest.Basis(0))
	gen := llmtest.Static("  You have been growing.  ")
	r := newRouter(t, s, gen, emb, nil, nil)

	res, err := r.Reflect(ctx, "u1", query)
	require.NoError(t, err)
	assert.False(t, res.Empty)
	assert.Equal(t, AgentPersonal, res.AgentType)
	assert.Equal(t, "You have been growing.", res.Response)
	assert.ElementsMatch(t, []string{"e1", "e2"}, res.MemoryIDs)
	assert.Equal(t, []string{"m1"}, res.SemanticIDs)
	assert.Nil(t, res.Action)

	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Prompt
	assert.Contains(t, prompt, query)
	assert.Contains(t, prompt, "- Led the launch of the billing service [proud] [Tags: Career Growth]")
	assert.Contains(t, prompt, "Works as a backend engineer (confidence: 90%)")
	assert.InDelta(t, reflectTemperature, reqs[0].Profile.Temperature, 1e-6)
}

func TestReflect_GenerationErrorIsReturned(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	addEpisode(t, s, "e1", "Ran a marathon", 0.8, llmtest.Basis(0))
	gen := llmtest.NewGenerator(func(llm.Request) (string, error) {
		return "", errs.Unavailable("generate", errors.New("503"))
	})
	r := newRouter(t, s, gen, llmtest.NewHashEmbedder(), nil, nil)

	_, err := r.Reflect(context.Background(), "u1", "how am I doing")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestRerank_BoostTerms(t *testing.T) {
	t.Parallel()
	agent, _ := DefaultRegistry().Get(AgentResume)
	in := []memory.Episode{
		{ID: "plain", Story: "Had a long week", Score: 0.80},
		{ID: "win", Story: "Shipped the new onboarding flow", Score: 0.75},
	}
	out := rerank(in, agent)
	assert.Equal(t, "win", out[0].ID)
	assert.Equal(t, "plain", in[0].ID, "input is not reordered")
}

func TestReflect_SchedulingRunsBothBranches(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	addEpisode(t, s, "e1", "Talked about catching up with Sam", 0.5, llmtest.Basis(0))
	cal := calendar.NewMemoryProvider()
	rec := &recorder{}
	r := newRouter(t, s, llmtest.Static("Sounds good."), llmtest.NewHashEmbedder(), cal, rec)

	res, err := r.Reflect(context.Background(), "u1", "Schedule coffee with Sam tomorrow at 3pm")
	require.NoError(t, err)

	require.NotNil(t, res.Action)
	assert.NotEmpty(t, res.Action.EventID)
	assert.Empty(t, res.Action.Error)
	assert.Equal(t, "Coffee with Sam", res.Action.Event.Title)
	require.NotNil(t, res.MemoryWrite)
	assert.True(t, res.MemoryWrite.Recorded)
	assert.Contains(t, res.Response, "Sounds good.")
	assert.Contains(t, res.Response, `Added "Coffee with Sam" to your calendar`)

	events, err := cal.Upcoming(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Len(t, rec.turns, 1)
	assert.Equal(t, memory.RoleUser, rec.turns[0].Role)
}

func TestReflect_SchedulingBranchesFailIndependently(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	rec := &recorder{err: errors.New("scheduler closed")}
	r := newRouter(t, s, llmtest.Static("unused"), llmtest.NewHashEmbedder(), calendar.NewMemoryProvider(), rec)

	res, err := r.Reflect(context.Background(), "u1", "Schedule a review with Kim tomorrow at 11am")
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.NotEmpty(t, res.Action.EventID, "calendar succeeds although the memory write failed")
	require.NotNil(t, res.MemoryWrite)
	assert.False(t, res.MemoryWrite.Recorded)
	assert.Equal(t, "scheduler closed", res.MemoryWrite.Error)
}

func TestReflect_RetrievalOutageStillSchedulesOnce(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	emb := llmtest.NewHashEmbedder()
	emb.FailWith(errs.Unavailable("embed", errors.New("connection refused")))
	cal := calendar.NewMemoryProvider()
	rec := &recorder{}
	gen := llmtest.Static("unused")
	r := newRouter(t, s, gen, emb, cal, rec)

	res, err := r.Reflect(context.Background(), "u1", "Schedule a call with Ana tomorrow at 4pm")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{}, res.MemoryIDs)
	require.NotNil(t, res.Action)
	assert.NotEmpty(t, res.Action.EventID)
	require.NotNil(t, res.MemoryWrite)
	assert.True(t, res.MemoryWrite.Recorded)

	agent, _ := r.Registry().Get(res.AgentType)
	assert.Contains(t, res.Response, agent.EmptyMessage)
	assert.Contains(t, res.Response, res.Action.Message)
	assert.Empty(t, gen.Requests())

	events, err := cal.Upcoming(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReflect_CalendarMentionIsNotAnAction(t *testing.T) {
	t.Parallel()
	s := newStores(t)
	addEpisode(t, s, "e1", "Back-to-back meetings all week", 0.5, llmtest.Basis(0))
	cal := calendar.NewMemoryProvider()
	rec := &recorder{}
	r := newRouter(t, s, llmtest.Static("You carried a lot."), llmtest.NewHashEmbedder(), cal, rec)

	res, err := r.Reflect(context.Background(), "u1", "My calendar felt packed this week, how am I coping?")
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.Nil(t, res.MemoryWrite)
	assert.Empty(t, rec.turns)

	events, err := cal.Upcoming(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReflect_AuthRequiredIsActionable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cal := calendarFunc(func(context.Context, calendar.Event) (string, error) {
		calls.Add(1)
		return "", errs.AuthRequired("create calendar event", errors.New("401"))
	})
	rec := &recorder{}
	r := newRouter(t, newStores(t), llmtest.Static("unused"), llmtest.NewHashEmbedder(), cal, rec)

	res, err := r.Reflect(context.Background(), "u1", "Please schedule a call with Ana tomorrow at 4pm")
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.True(t, res.Action.AuthRequired)
	assert.Equal(t, AuthRequiredMessage, res.Action.Message)
	assert.Contains(t, res.Response, "Reconnect your calendar")
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
	assert.True(t, res.MemoryWrite.Recorded)
}

func TestReflect_ActionTimeout(t *testing.T) {
	t.Parallel()
	cal := calendarFunc(func(ctx context.Context, _ calendar.Event) (string, error) {
		<-ctx.Done()
		return "", errs.Unavailable("create calendar event", ctx.Err())
	})
	r := newRouter(t, newStores(t), llmtest.Static("unused"), llmtest.NewHashEmbedder(), cal, &recorder{})
	r.opts.ActionTimeout = 50 * time.Millisecond

	start := time.Now()
	res, err := r.Reflect(context.Background(), "u1", "schedule a sync tomorrow at 9am")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NotNil(t, res.Action)
	assert.NotEmpty(t, res.Action.Error)
	assert.Empty(t, res.Action.EventID)
	assert.True(t, res.Empty)
}

func TestReflect_UnparseableTimeReportsAction(t *testing.T) {
	t.Parallel()
	r := newRouter(t, newStores(t), llmtest.Static("unused"), llmtest.NewHashEmbedder(), calendar.NewMemoryProvider(), &recorder{})

	res, err := r.Reflect(context.Background(), "u1", "schedule something with the team")
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Contains(t, res.Action.Error, calendar.ErrInvalidTime.Error())
	assert.True(t, res.MemoryWrite.Recorded)
}

func TestReflect_EmptyQuery(t *testing.T) {
	t.Parallel()
	r := newRouter(t, newStores(t), llmtest.Static("x"), llmtest.NewHashEmbedder(), nil, nil)
	_, err := r.Reflect(context.Background(), "u1", "   ")
	assert.Error(t, err)
}
