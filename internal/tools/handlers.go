package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/easeaico/memory-journal/internal/calendar"
	"github.com/easeaico/memory-journal/internal/errs"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/reflection"
)

// Backend is the part of the service facade the tools call.
type Backend interface {
	QueryReflect(ctx context.Context, userID, query string) (reflection.Result, error)
	ListJournals(ctx context.Context, userID string) ([]memory.Journal, error)
	SearchEpisodes(ctx context.Context, userID, query string, limit int) ([]memory.Episode, error)
	SearchSemantic(ctx context.Context, userID, query string, limit int, minConfidence float64) ([]memory.SemanticMemory, error)
	ParseEvent(request string) (calendar.Event, error)
	ScheduleEvent(ctx context.Context, ev calendar.Event) (calendar.Event, error)
	GetStats(ctx context.Context, userID string) (memory.Stats, error)
}

// Handler provides implementations for all agent tools.
type Handler struct {
	backend Backend
}

// NewHandler creates a new tool handler over backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// HandleToolCall dispatches a tool call by name and returns the JSON result.
// args are decoded into the tool's argument struct.
func (h *Handler) HandleToolCall(ctx context.Context, userID, name string, args map[string]any) (string, error) {
	var result ToolResult

	switch name {
	case ReflectOnJourney:
		var a ReflectArgs
		if result = decode(args, &a); result.Error == "" {
			result = h.Reflect(ctx, userID, a)
		}
	case ListJournals:
		result = h.ListJournals(ctx, userID)
	case SearchMemories:
		var a SearchArgs
		if result = decode(args, &a); result.Error == "" {
			result = h.Search(ctx, userID, a)
		}
	case ScheduleEvent:
		var a ScheduleArgs
		if result = decode(args, &a); result.Error == "" {
			result = h.Schedule(ctx, a)
		}
	case MemoryStats:
		result = h.Stats(ctx, userID)
	default:
		result = failure("unknown tool: %s", name)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(out), nil
}

func decode(args map[string]any, into any) ToolResult {
	raw, err := json.Marshal(args)
	if err != nil {
		return failure("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return failure("invalid arguments: %v", err)
	}
	return ToolResult{Success: true}
}

// Reflect answers a reflective question from the user's history.
func (h *Handler) Reflect(ctx context.Context, userID string, args ReflectArgs) ToolResult {
	if strings.TrimSpace(args.Query) == "" {
		return failure("query is required")
	}
	res, err := h.backend.QueryReflect(ctx, userID, args.Query)
	if err != nil {
		return failure("failed to reflect: %v", err)
	}
	return ToolResult{Success: true, Data: res}
}

const maxLatestBytes = 280

// truncateString cuts s to at most limit bytes without splitting a rune.
func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

type journalSummary struct {
	Label        string    `json:"label"`
	EntryCount   int       `json:"entry_count"`
	LastActivity time.Time `json:"last_activity"`
	Latest       string    `json:"latest,omitempty"`
}

// ListJournals lists the user's journals without their full entries.
func (h *Handler) ListJournals(ctx context.Context, userID string) ToolResult {
	journals, err := h.backend.ListJournals(ctx, userID)
	if err != nil {
		return failure("failed to list journals: %v", err)
	}
	if len(journals) == 0 {
		return ToolResult{Success: true, Data: "No journals yet."}
	}
	out := make([]journalSummary, 0, len(journals))
	for _, j := range journals {
		s := journalSummary{Label: j.Label, EntryCount: j.EntryCount, LastActivity: j.LastActivity}
		if len(j.Entries) > 0 {
			s.Latest = truncateString(j.Entries[0].Story, maxLatestBytes)
		}
		out = append(out, s)
	}
	return ToolResult{Success: true, Data: out}
}

type episodeHit struct {
	ID         string    `json:"id"`
	Journal    string    `json:"journal"`
	Story      string    `json:"story"`
	Emotion    string    `json:"emotion"`
	Importance float64   `json:"importance"`
	When       time.Time `json:"when"`
	Similarity string    `json:"similarity"`
}

type factHit struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Confidence string `json:"confidence"`
}

// Search looks up episodes and semantic memories similar to the query.
func (h *Handler) Search(ctx context.Context, userID string, args SearchArgs) ToolResult {
	if strings.TrimSpace(args.Query) == "" {
		return failure("query is required")
	}
	limit := args.Limit
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	episodes, err := h.backend.SearchEpisodes(ctx, userID, args.Query, limit)
	if err != nil {
		return failure("failed to search episodes: %v", err)
	}
	facts, err := h.backend.SearchSemantic(ctx, userID, args.Query, limit, 0)
	if err != nil {
		return failure("failed to search semantic memories: %v", err)
	}
	if len(episodes) == 0 && len(facts) == 0 {
		return ToolResult{Success: true, Data: "No related memories found."}
	}

	data := struct {
		Episodes []episodeHit `json:"episodes"`
		Facts    []factHit    `json:"facts"`
	}{Episodes: []episodeHit{}, Facts: []factHit{}}
	for _, ep := range episodes {
		data.Episodes = append(data.Episodes, episodeHit{
			ID:         ep.ID,
			Journal:    ep.JournalLabel,
			Story:      ep.Story,
			Emotion:    string(ep.Emotion),
			Importance: ep.Importance,
			When:       ep.Timestamp,
			Similarity: fmt.Sprintf("%.2f%%", ep.Score*100),
		})
	}
	for _, m := range facts {
		data.Facts = append(data.Facts, factHit{
			Type:       string(m.Type),
			Content:    m.Content,
			Confidence: fmt.Sprintf("%.0f%%", m.Confidence*100),
		})
	}
	return ToolResult{Success: true, Data: data}
}

// Schedule creates a calendar event from explicit fields or a request.
func (h *Handler) Schedule(ctx context.Context, args ScheduleArgs) ToolResult {
	var (
		ev  calendar.Event
		err error
	)
	switch {
	case args.Start != "":
		ev.Start, err = time.Parse(time.RFC3339, args.Start)
		if err != nil {
			return failure("start must be an RFC 3339 time: %v", err)
		}
	case args.Request != "":
		if ev, err = h.backend.ParseEvent(args.Request); err != nil {
			return failure("could not read a time from the request: %v", err)
		}
	default:
		return failure("start or request is required")
	}
	if args.Title != "" {
		ev.Title = args.Title
	}
	if ev.Title == "" {
		return failure("title is required")
	}
	if args.DurationMinutes > 0 {
		ev.End = ev.Start.Add(time.Duration(args.DurationMinutes) * time.Minute)
	}
	if args.Description != "" {
		ev.Description = args.Description
	}

	created, err := h.backend.ScheduleEvent(ctx, ev)
	if errors.Is(err, errs.ErrAuthRequired) {
		return ToolResult{Success: false, Error: reflection.AuthRequiredMessage}
	}
	if err != nil {
		return failure("failed to schedule event: %v", err)
	}
	return ToolResult{Success: true, Data: created}
}

// Stats reports how much the journal holds for the user.
func (h *Handler) Stats(ctx context.Context, userID string) ToolResult {
	stats, err := h.backend.GetStats(ctx, userID)
	if err != nil {
		return failure("failed to load stats: %v", err)
	}
	return ToolResult{Success: true, Data: stats}
}
