// Package tools defines the ADK tools the journaling companion can call:
// reflection, journal listing, memory search, scheduling and stats.
package tools

import (
	"fmt"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

// Tool names.
const (
	ReflectOnJourney = "reflect_on_journey"
	ListJournals     = "list_journals"
	SearchMemories   = "search_memories"
	ScheduleEvent    = "schedule_event"
	MemoryStats      = "memory_stats"
)

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Backend Backend
	// UserID is used when the invocation context carries no user.
	UserID string
}

// ReflectArgs is the input for reflect_on_journey.
type ReflectArgs struct {
	Query string `json:"query" jsonschema:"The reflective question, e.g. how have I grown this month or resume bullets for a PM role"`
}

// NoArgs is the input for tools without parameters.
type NoArgs struct{}

// SearchArgs is the input for search_memories.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"What to look for in past conversations"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results per kind (default 5)"`
}

// ScheduleArgs is the input for schedule_event. Either Start or Request is required.
type ScheduleArgs struct {
	Title           string `json:"title,omitempty" jsonschema:"Event title"`
	Start           string `json:"start,omitempty" jsonschema:"Start time in RFC 3339"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"Length in minutes (default 30)"`
	Description     string `json:"description,omitempty" jsonschema:"Optional notes"`
	Request         string `json:"request,omitempty" jsonschema:"Natural language request like lunch with Sam tomorrow at 1pm"`
}

// userIDer is implemented by adk invocation contexts.
type userIDer interface {
	UserID() string
}

func userOf(ctx tool.Context, fallback string) string {
	if u, ok := any(ctx).(userIDer); ok && u.UserID() != "" {
		return u.UserID()
	}
	return fallback
}

func createReflectTool(h *Handler, cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ReflectArgs) (ToolResult, error) {
		return h.Reflect(ctx, userOf(ctx, cfg.UserID), args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ReflectOnJourney,
		Description: "Reflect on the user's journey using their journal. Use for questions about growth, patterns, meeting talking points or resume bullets, and for scheduling requests.",
	}, handler)
}

func createListJournalsTool(h *Handler, cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, _ NoArgs) (ToolResult, error) {
		return h.ListJournals(ctx, userOf(ctx, cfg.UserID)), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ListJournals,
		Description: "List the user's journals with entry counts and latest activity.",
	}, handler)
}

func createSearchTool(h *Handler, cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args SearchArgs) (ToolResult, error) {
		return h.Search(ctx, userOf(ctx, cfg.UserID), args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        SearchMemories,
		Description: "Search past conversations and known facts about the user that relate to a topic.",
	}, handler)
}

func createScheduleTool(h *Handler, _ ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, args ScheduleArgs) (ToolResult, error) {
		return h.Schedule(ctx, args), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        ScheduleEvent,
		Description: "Add an event to the user's calendar, from explicit fields or a natural language request.",
	}, handler)
}

func createStatsTool(h *Handler, cfg ToolsConfig) (tool.Tool, error) {
	handler := func(ctx tool.Context, _ NoArgs) (ToolResult, error) {
		return h.Stats(ctx, userOf(ctx, cfg.UserID)), nil
	}
	return functiontool.New(functiontool.Config{
		Name:        MemoryStats,
		Description: "Report how many episodes and facts the journal holds for the user.",
	}, handler)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("tools backend is required")
	}
	h := NewHandler(cfg.Backend)

	builders := []struct {
		name  string
		build func(*Handler, ToolsConfig) (tool.Tool, error)
	}{
		{ReflectOnJourney, createReflectTool},
		{ListJournals, createListJournalsTool},
		{SearchMemories, createSearchTool},
		{ScheduleEvent, createScheduleTool},
		{MemoryStats, createStatsTool},
	}

	tools := make([]tool.Tool, 0, len(builders))
	for _, b := range builders {
		t, err := b.build(h, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", b.name, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}
