// Package journal turns a closed batch of turns into a labeled episode:
// the summarizer drafts the episode, the matcher picks its journal label and
// the consolidator stores it.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/logging"
	"github.com/easeaico/memory-journal/internal/memory"
)

// DefaultImportance replaces a missing or out-of-range importance.
const DefaultImportance = 0.5

const (
	maxTranscriptRunes = 6000
	maxDigestRunes     = 500
)

// Draft is a summarized episode before labeling.
type Draft struct {
	Story       string
	Emotion     memory.Emotion
	KeyEntities []string
	UserIntent  string
	Importance  float64
	Transcript  string
	// Malformed is set when the generation output could not be parsed and
	// defaults were used.
	Malformed bool
}

// Summarizer drafts episodes with one structured generation call.
type Summarizer struct {
	gen     llm.Generator
	profile llm.Profile
	logger  *zap.Logger
}

// NewSummarizer creates a summarizer using profile for its generation call.
func NewSummarizer(gen llm.Generator, profile llm.Profile, logger *zap.Logger) *Summarizer {
	return &Summarizer{
		gen:     gen,
		profile: profile.WithJSON(),
		logger:  logging.OrNop(logger).With(zap.String("component", "summarizer")),
	}
}

type draftJSON struct {
	Story       string          `json:"story"`
	Emotion     string          `json:"emotion"`
	KeyEntities json.RawMessage `json:"key_entities"`
	UserIntent  string          `json:"user_intent"`
	Importance  json.RawMessage `json:"importance"`
}

// Summarize drafts an episode from turns. Generation failures are returned;
// unparseable output yields a draft built from the transcript with defaults.
func (s *Summarizer) Summarize(ctx context.Context, turns []memory.Turn) (Draft, error) {
	transcript := Transcript(turns)
	prompt := render(summarizeTmpl, struct {
		Transcript string
		Emotions   string
	}{truncate(transcript, maxTranscriptRunes), emotionList()})

	out, err := s.gen.Generate(ctx, llm.Request{Prompt: prompt, Profile: s.profile})
	if err != nil {
		return Draft{}, fmt.Errorf("failed to summarize turns: %w", err)
	}

	draft, ok := parseDraft(out)
	draft.Transcript = transcript
	if !ok {
		s.logger.Warn("malformed summary output, using defaults", zap.Int("output_len", len(out)))
		draft = Draft{
			Story:      truncate(transcript, maxDigestRunes),
			Emotion:    memory.EmotionNeutral,
			Importance: DefaultImportance,
			Transcript: transcript,
			Malformed:  true,
		}
	}
	return draft, nil
}

// parseDraft decodes a summary. Field-level problems fall back to defaults;
// ok is false only when the output is not a JSON object with a story.
func parseDraft(out string) (Draft, bool) {
	var raw draftJSON
	if err := json.Unmarshal([]byte(llm.CleanJSON(out)), &raw); err != nil {
		return Draft{}, false
	}
	story := strings.TrimSpace(raw.Story)
	if story == "" {
		return Draft{}, false
	}
	return Draft{
		Story:       story,
		Emotion:     memory.ParseEmotion(raw.Emotion),
		KeyEntities: parseEntities(raw.KeyEntities),
		UserIntent:  strings.TrimSpace(raw.UserIntent),
		Importance:  parseImportance(raw.Importance),
	}, true
}

// parseImportance accepts a number or a numeric string in [0,1].
// Anything else, including out-of-range values, becomes DefaultImportance.
func parseImportance(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return DefaultImportance
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return DefaultImportance
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return DefaultImportance
		}
		v = f
	}
	if v != v || v < 0 || v > 1 {
		return DefaultImportance
	}
	return v
}

// parseEntities accepts a list of strings or a comma-separated string.
func parseEntities(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		list = strings.Split(s, ",")
	}
	return dedupe(list)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
