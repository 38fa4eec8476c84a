package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/memory"
	"github.com/easeaico/memory-journal/internal/semantic"
)

const (
	chatEpisodeLimit   = 5
	chatSemanticLimit  = 10
	chatMinConfidence  = 0.5
	chatMinSimilarity  = 0.3
	maxEpisodeSnippets = 200
)

// ChatContext is the memory injected into one chat reply.
type ChatContext struct {
	// Knowledge is the formatted semantic profile of the user.
	Knowledge string
	// Episodes are the past conversations most similar to the message.
	Episodes []memory.Episode
}

// Empty reports whether nothing was retrieved.
func (c ChatContext) Empty() bool {
	return c.Knowledge == "" && len(c.Episodes) == 0
}

// RelevantHistory renders the retrieved episodes for the prompt.
func (c ChatContext) RelevantHistory() string {
	if len(c.Episodes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ep := range c.Episodes {
		story := []rune(ep.Story)
		if len(story) > maxEpisodeSnippets {
			story = append(story[:maxEpisodeSnippets], '…')
		}
		fmt.Fprintf(&b, "- %s: %s", ep.Timestamp.Format("Jan 2"), string(story))
		if ep.JournalLabel != "" {
			fmt.Fprintf(&b, " (%s)", ep.JournalLabel)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildContext gathers the semantic profile and similar episodes for text.
// Retrieval failures degrade to an empty section instead of failing the turn.
func (s *Service) buildContext(ctx context.Context, userID, text string) ChatContext {
	var out ChatContext

	if s.semantic != nil {
		mems, err := s.SearchSemantic(ctx, userID, text, chatSemanticLimit, chatMinConfidence)
		if err != nil {
			s.logger.Warn("semantic context unavailable", zap.String("user_id", userID), zap.Error(err))
		} else {
			out.Knowledge = semantic.FormatContext(mems)
		}
	}

	episodes, err := s.SearchEpisodes(ctx, userID, text, chatEpisodeLimit)
	if err != nil {
		s.logger.Warn("episodic context unavailable", zap.String("user_id", userID), zap.Error(err))
		return out
	}
	for _, ep := range episodes {
		if float64(ep.Score) >= chatMinSimilarity {
			out.Episodes = append(out.Episodes, ep)
		}
	}
	return out
}
