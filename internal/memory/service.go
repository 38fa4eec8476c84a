package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/adk/agent"
	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/easeaico/memory-journal/internal/logging"
)

// Embedder is an interface for generating text embeddings.
// This is needed for the memory.Service Search method.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TurnSink receives conversation turns for batching into episodes.
type TurnSink interface {
	Append(ctx context.Context, userID string, turn Turn) error
}

// Service adapts the episodic memory to adk's memory.Service.
// AddSession feeds the session's turns into the idle scheduler, which turns
// them into episodes; Search answers from stored episodes.
type Service struct {
	episodes *EpisodicStore
	embedder Embedder // Optional embedder for memory.Service.Search
	sink     TurnSink
	userID   string
	limit    int
	now      func() time.Time

	// forwarded counts the events of each session already sent to sink.
	mu        sync.Mutex
	forwarded map[string]int
}

// NewService creates a new memory service. Searches are scoped to userID.
func NewService(episodes *EpisodicStore, embedder Embedder, sink TurnSink, userID string) *Service {
	return &Service{
		episodes:  episodes,
		embedder:  embedder,
		sink:      sink,
		userID:    userID,
		limit:     10,
		now:       time.Now,
		forwarded: make(map[string]int),
	}
}

// AddSession implements memory.Service interface.
// Only user text and model text are forwarded; tool calls and empty events
// are skipped. Events forwarded by an earlier call for the same session are
// not sent again.
func (s *Service) AddSession(ctx context.Context, sess session.Session) error {
	if s.sink == nil {
		return nil
	}

	userID := sess.UserID()
	if userID == "" {
		userID = s.userID
	}
	key := sess.AppName() + "\x00" + userID + "\x00" + sess.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	events := sess.Events()
	start := s.forwarded[key]
	if start > events.Len() {
		// The session was recreated under the same id.
		start = 0
	}

	for i := start; i < events.Len(); i++ {
		event := events.At(i)
		if event == nil || event.Content == nil {
			s.forwarded[key] = i + 1
			continue
		}
		text := strings.Join(extractTextFromContent([]*genai.Content{event.Content}), " ")
		if strings.TrimSpace(text) == "" {
			s.forwarded[key] = i + 1
			continue
		}

		role := RoleAssistant
		if event.Author == "user" {
			role = RoleUser
		}
		at := event.Timestamp
		if at.IsZero() {
			at = s.now()
		}
		if err := s.sink.Append(ctx, userID, Turn{Role: role, Text: text, At: at.UTC()}); err != nil {
			return fmt.Errorf("failed to buffer session turn: %w", err)
		}
		s.forwarded[key] = i + 1
	}
	return nil
}

// AfterAgentCallback returns an agent callback that forwards the invocation's
// session to AddSession once the agent has answered. The launcher never calls
// AddSession itself. Failures are logged and never interrupt the conversation.
func (s *Service) AfterAgentCallback(sessions session.Service, logger *zap.Logger) agent.AfterAgentCallback {
	logger = logging.OrNop(logger)
	return func(ctx agent.CallbackContext) (*genai.Content, error) {
		resp, err := sessions.Get(ctx, &session.GetRequest{
			AppName:   ctx.AppName(),
			UserID:    ctx.UserID(),
			SessionID: ctx.SessionID(),
		})
		if err != nil {
			logger.Warn("failed to load session for journaling", zap.String("session_id", ctx.SessionID()), zap.Error(err))
			return nil, nil
		}
		if err := s.AddSession(ctx, resp.Session); err != nil {
			logger.Warn("failed to journal session", zap.String("session_id", ctx.SessionID()), zap.Error(err))
		}
		return nil, nil
	}
}

// Search implements memory.Service interface.
// It performs a vector similarity search based on the query and returns memory entries.
func (s *Service) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	if s.embedder == nil {
		// Without embedder, return empty results
		return &adkmemory.SearchResponse{Memories: []adkmemory.Entry{}}, nil
	}

	queryVector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	episodes, err := s.episodes.Search(ctx, queryVector, EpisodeFilter{UserID: s.userID}, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search episodes: %w", err)
	}

	memories := make([]adkmemory.Entry, 0, len(episodes))
	for _, ep := range episodes {
		content := formatEpisode(ep)
		if content == "" {
			continue
		}

		// genai.Text returns []*Content, we need the first one
		contentParts := genai.Text(content)
		if len(contentParts) == 0 {
			continue
		}

		memories = append(memories, adkmemory.Entry{
			Content:   contentParts[0],
			Author:    "journal",
			Timestamp: ep.Timestamp,
		})
	}

	return &adkmemory.SearchResponse{Memories: memories}, nil
}

func formatEpisode(ep Episode) string {
	if strings.TrimSpace(ep.Story) == "" {
		return ""
	}
	var parts []string
	if ep.JournalLabel != "" {
		parts = append(parts, "Journal: "+ep.JournalLabel)
	}
	parts = append(parts, "Story: "+ep.Story)
	if ep.Emotion != "" {
		parts = append(parts, "Emotion: "+string(ep.Emotion))
	}
	if len(ep.KeyEntities) > 0 {
		parts = append(parts, "Entities: "+strings.Join(ep.KeyEntities, ", "))
	}
	return strings.Join(parts, "\n")
}

// extractTextFromContent extracts text from genai.Content parts
func extractTextFromContent(content []*genai.Content) []string {
	var texts []string
	for _, c := range content {
		for _, part := range c.Parts {
			if text := part.Text; text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

var _ adkmemory.Service = (*Service)(nil)
