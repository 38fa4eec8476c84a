// Package main runs the journaling companion as an adk agent.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/easeaico/memory-journal/internal/config"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/service"
	"github.com/easeaico/memory-journal/internal/tools"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := service.Build(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := app.Close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", zap.Error(err))
		}
	}()
	app.Start()

	// The callback reads sessions from the same service the launcher writes to.
	sessions := session.InMemoryService()
	memSvc := app.MemoryService(cfg.UserID)

	llmAgent, err := initializeAgent(ctx, cfg, app, memSvc.AfterAgentCallback(sessions, logger))
	if err != nil {
		logger.Fatal("failed to initialize agent", zap.Error(err))
	}

	l := full.NewLauncher()
	if err := l.Execute(ctx, &launcher.Config{
		SessionService: sessions,
		AgentLoader:    agent.NewSingleLoader(llmAgent),
		MemoryService:  memSvc,
	}, os.Args[1:]); err != nil {
		logger.Error("agent stopped", zap.Error(err), zap.String("usage", l.CommandLineSyntax()))
	}
}

// initializeAgent creates the companion agent with the journal tools.
// journal runs after every answer and feeds the session into the idle scheduler.
func initializeAgent(ctx context.Context, cfg *config.Config, app *service.App, journal agent.AfterAgentCallback) (agent.Agent, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY environment variable is required to run the agent")
	}

	agentTools, err := tools.BuildTools(tools.ToolsConfig{Backend: app.Service, UserID: cfg.UserID})
	if err != nil {
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}

	llmModel, err := gemini.NewModel(ctx, cfg.LLM.QualityModel, &genai.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM model: %w", err)
	}

	journals, err := app.Service.ListJournals(ctx, cfg.UserID)
	if err != nil {
		app.Logger.Warn("failed to load journals for the system prompt", zap.Error(err))
	}

	return llmagent.New(llmagent.Config{
		Name:        "journal_companion",
		Description: "A journaling companion that remembers the user's conversations and reflects on their journey",
		Model:       llmModel,
		Instruction: buildSystemPrompt(journals),
		Tools:       agentTools,

		AfterAgentCallbacks: []agent.AfterAgentCallback{journal},
	})
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Funcs(template.FuncMap{"inc": inc}).Parse(`
You are a warm journaling companion with long-term memory.
The user talks to you about their days, work and goals. Every conversation is
kept in their journal and grouped by topic.

You can:
1. Reflect on the user's journey with reflect_on_journey
2. List their journals with list_journals
3. Look up related past conversations with search_memories
4. Put events on their calendar with schedule_event
5. Report what the journal holds with memory_stats

{{- if .Journals }}

The user's most active journals:
{{- range $idx, $j := .Journals }}
{{ inc $idx }}. {{ $j.Label }} ({{ $j.EntryCount }} entries)
{{- end }}
{{- end }}

When replying:
- Use reflect_on_journey for questions about growth, patterns, meetings or resumes
- Search memories before claiming you don't remember something
- Never invent past events that the tools did not return
- Keep replies short and warm
`))

// inc is a small helper for incrementing index
func inc(i int) int { return i + 1 }

const maxPromptJournals = 5

// buildSystemPrompt constructs the system prompt with the user's journals.
func buildSystemPrompt(journals []memory.Journal) string {
	if len(journals) > maxPromptJournals {
		journals = journals[:maxPromptJournals]
	}
	data := struct {
		Journals []memory.Journal
	}{
		Journals: journals,
	}

	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, data)
	return buf.String()
}
