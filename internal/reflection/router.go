// Package reflection answers reflective queries by routing them to a
// specialized agent that retrieves episodes and semantic facts before
// generating a response.
package reflection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/memory-journal/internal/calendar"
	"github.com/easeaico/memory-journal/internal/errs"
	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/metrics"
	"github.com/easeaico/memory-journal/internal/semantic"
)

const (
	reflectTemperature   = 0.7
	defaultActionTimeout = 15 * time.Second
	boostWeight          = 0.1
)

// AuthRequiredMessage is shown when the calendar needs the user to sign in again.
const AuthRequiredMessage = "I couldn't add this to your calendar because the calendar connection needs to be re-authorized. Reconnect your calendar and ask me again."

// TurnRecorder buffers turns for consolidation. session.Scheduler implements it.
type TurnRecorder interface {
	Append(ctx context.Context, userID string, turn memory.Turn) error
}

// ActionOutcome reports the calendar side of a scheduling query.
type ActionOutcome struct {
	EventID      string          `json:"event_id,omitempty"`
	Event        *calendar.Event `json:"event,omitempty"`
	Error        string          `json:"error,omitempty"`
	AuthRequired bool            `json:"auth_required,omitempty"`
	Message      string          `json:"message"`
}

// WriteOutcome reports the memory side of a scheduling query.
type WriteOutcome struct {
	Recorded bool   `json:"recorded"`
	Error    string `json:"error,omitempty"`
}

// Result is the answer to one reflective query.
type Result struct {
	AgentType   AgentType      `json:"agent_type"`
	Response    string         `json:"response"`
	MemoryIDs   []string       `json:"memory_ids"`
	SemanticIDs []string       `json:"semantic_ids,omitempty"`
	Empty       bool           `json:"empty"`
	Degraded    bool           `json:"degraded,omitempty"` // history could not be retrieved
	Action      *ActionOutcome `json:"action,omitempty"`
	MemoryWrite *WriteOutcome  `json:"memory_write,omitempty"`
}

// Options configures a Router. Calendar and Recorder may be nil.
type Options struct {
	Registry      *Registry
	Episodes      *memory.EpisodicStore
	Semantic      *memory.SemanticStore
	Embedder      llm.Embedder
	Generator     llm.Generator
	Profile       llm.Profile
	Calendar      calendar.Provider
	Recorder      TurnRecorder
	ActionTimeout time.Duration
	Metrics       *metrics.Collector
	Logger        *zap.Logger
}

// Router classifies queries and runs the chosen agent.
type Router struct {
	opts    Options
	profile llm.Profile
	logger  *zap.Logger
	now     func() time.Time
}

// NewRouter creates a router. A nil Registry uses DefaultRegistry.
func NewRouter(opts Options) (*Router, error) {
	if opts.Episodes == nil || opts.Embedder == nil || opts.Generator == nil {
		return nil, errors.New("episodes, embedder and generator are required")
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	return &Router{
		opts:    opts,
		profile: opts.Profile.WithTemperature(reflectTemperature),
		logger:  logging.OrNop(opts.Logger).With(zap.String("component", "reflection")),
		now:     time.Now,
	}, nil
}

// Registry returns the router's agent registry.
func (r *Router) Registry() *Registry { return r.opts.Registry }

// Reflect answers query for userID. A query that asks for scheduling also
// creates the event and records the request as a turn; those two run
// concurrently with the reflection, fail independently and are reported in
// the result.
func (r *Router) Reflect(ctx context.Context, userID, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, errors.New("query is empty")
	}

	agentType := r.opts.Registry.Classify(query)
	agent, _ := r.opts.Registry.Get(agentType)

	var (
		g      *errgroup.Group
		action *ActionOutcome
		write  *WriteOutcome
	)
	if calendar.ImpliesScheduling(query) && r.opts.Calendar != nil {
		actx, cancel := context.WithTimeout(ctx, r.opts.ActionTimeout)
		defer cancel()
		g, actx = errgroup.WithContext(actx)
		action, write = &ActionOutcome{}, &WriteOutcome{}
		// Branches record their own errors and return nil, so one failing never cancels the other.
		g.Go(func() error {
			*action = r.schedule(actx, query)
			return nil
		})
		g.Go(func() error {
			*write = r.record(actx, userID, query)
			return nil
		})
	}

	res, err := r.run(ctx, userID, query, agent)
	if g != nil {
		_ = g.Wait()
		res.Action, res.MemoryWrite = action, write
	}
	if err != nil {
		r.opts.Metrics.RecordReflect(string(agentType), "error")
		return res, err
	}

	status := "ok"
	switch {
	case res.Degraded:
		status = "degraded"
	case res.Empty:
		status = "empty"
	}
	r.opts.Metrics.RecordReflect(string(agentType), status)
	if res.Action != nil && res.Action.Message != "" {
		res.Response = strings.TrimSpace(res.Response + "\n\n" + res.Action.Message)
	}
	return res, nil
}

func (r *Router) run(ctx context.Context, userID, query string, agent Agent) (Result, error) {
	res := Result{AgentType: agent.Type}

	vec, err := r.opts.Embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, answering without history", zap.String("user_id", userID), zap.Error(err))
		return emptyResult(res, agent, true), nil
	}

	episodes, err := r.opts.Episodes.Search(ctx, vec, memory.EpisodeFilter{
		UserID:        userID,
		MinImportance: agent.MinImportance,
	}, agent.EpisodeLimit)
	if err != nil {
		r.logger.Warn("episodic retrieval failed, answering without history", zap.String("user_id", userID), zap.Error(err))
		return emptyResult(res, agent, true), nil
	}
	episodes = rerank(episodes, agent)

	var facts []memory.SemanticMemory
	if r.opts.Semantic != nil && agent.SemanticLimit > 0 {
		facts, err = r.opts.Semantic.Search(ctx, vec, memory.SemanticFilter{
			UserID:        userID,
			MinConfidence: agent.MinConfidence,
		}, agent.SemanticLimit)
		if err != nil {
			r.logger.Warn("semantic retrieval failed, continuing without facts", zap.String("user_id", userID), zap.Error(err))
			facts = nil
		}
	}

	if len(episodes) == 0 && len(facts) == 0 {
		return emptyResult(res, agent, false), nil
	}

	var buf bytes.Buffer
	if err := agent.tmpl.Execute(&buf, struct {
		Query    string
		Episodes string
		Facts    string
	}{query, formatEpisodes(episodes), semantic.FormatContext(facts)}); err != nil {
		return res, fmt.Errorf("failed to render %s prompt: %w", agent.Type, err)
	}

	out, err := r.opts.Generator.Generate(ctx, llm.Request{Prompt: buf.String(), Profile: r.profile})
	if err != nil {
		return res, fmt.Errorf("failed to generate reflection: %w", err)
	}

	res.Response = strings.TrimSpace(out)
	res.MemoryIDs = make([]string, len(episodes))
	for i, ep := range episodes {
		res.MemoryIDs[i] = ep.ID
	}
	for _, f := range facts {
		res.SemanticIDs = append(res.SemanticIDs, f.ID)
	}
	return res, nil
}

// emptyResult is the graceful reply used when there is no history to draw on
// or it could not be retrieved.
func emptyResult(res Result, agent Agent, degraded bool) Result {
	res.Empty = true
	res.Degraded = degraded
	res.Response = agent.EmptyMessage
	res.MemoryIDs = []string{}
	return res
}

// schedule parses and creates the event. It never retries.
func (r *Router) schedule(ctx context.Context, query string) ActionOutcome {
	ev, err := calendar.Parse(query, r.now())
	if err != nil {
		r.opts.Metrics.RecordAction("invalid_time")
		return ActionOutcome{
			Error:   err.Error(),
			Message: "I couldn't tell when to schedule that. Try something like \"tomorrow at 3pm\".",
		}
	}
	ev.Description = query

	id, err := r.opts.Calendar.CreateEvent(ctx, ev)
	switch {
	case err == nil:
		r.opts.Metrics.RecordAction("created")
		ev.ID = id
		return ActionOutcome{
			EventID: id,
			Event:   &ev,
			Message: fmt.Sprintf("Added %q to your calendar for %s.", ev.Title, ev.Start.Format("Mon Jan 2, 3:04 PM")),
		}
	case errors.Is(err, errs.ErrAuthRequired):
		r.opts.Metrics.RecordAction("auth_required")
		return ActionOutcome{Event: &ev, Error: err.Error(), AuthRequired: true, Message: AuthRequiredMessage}
	case errors.Is(err, calendar.ErrConflict):
		r.opts.Metrics.RecordAction("conflict")
		return ActionOutcome{Event: &ev, Error: err.Error(), Message: "That time conflicts with something already on your calendar."}
	case errors.Is(err, calendar.ErrInvalidTime):
		r.opts.Metrics.RecordAction("invalid_time")
		return ActionOutcome{Event: &ev, Error: err.Error(), Message: "The calendar rejected that time. Try a different one."}
	default:
		r.opts.Metrics.RecordAction("error")
		r.logger.Warn("calendar action failed", zap.Error(err))
		return ActionOutcome{Event: &ev, Error: err.Error(), Message: "I couldn't reach your calendar right now. Please try again later."}
	}
}

func (r *Router) record(ctx context.Context, userID, query string) WriteOutcome {
	if r.opts.Recorder == nil {
		return WriteOutcome{}
	}
	err := r.opts.Recorder.Append(ctx, userID, memory.Turn{Role: memory.RoleUser, Text: query, At: r.now()})
	if err != nil {
		r.logger.Warn("failed to record scheduling request", zap.String("user_id", userID), zap.Error(err))
		return WriteOutcome{Error: err.Error()}
	}
	return WriteOutcome{Recorded: true}
}

// rerank applies the agent's bias on top of similarity.
func rerank(episodes []memory.Episode, agent Agent) []memory.Episode {
	if len(agent.BoostTerms) == 0 && agent.EmotionBoost == 0 {
		return episodes
	}
	score := func(ep memory.Episode) float64 {
		s := float64(ep.Score)
		if ep.Emotion != "" && ep.Emotion != memory.EmotionNeutral {
			s += agent.EmotionBoost
		}
		if mentions(ep, agent.BoostTerms) {
			s += boostWeight
		}
		return s
	}
	out := append([]memory.Episode(nil), episodes...)
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	return out
}

func mentions(ep memory.Episode, terms []string) bool {
	text := strings.ToLower(ep.Story + " " + ep.JournalLabel + " " + strings.Join(ep.Tags, " "))
	for _, t := range terms {
		if t != "" && strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func formatEpisodes(episodes []memory.Episode) string {
	if len(episodes) == 0 {
		return "No previous conversations found."
	}
	var b strings.Builder
	for _, ep := range episodes {
		b.WriteString("- ")
		b.WriteString(ep.Story)
		if ep.Emotion != "" {
			fmt.Fprintf(&b, " [%s]", ep.Emotion)
		}
		tags := ep.Tags
		if len(tags) == 0 && ep.JournalLabel != "" {
			tags = []string{ep.JournalLabel}
		}
		if len(tags) > 0 {
			fmt.Fprintf(&b, " [Tags: %s]", strings.Join(tags, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
