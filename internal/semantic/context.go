package semantic

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/easeaico/memory-journal/internal/memory"
)

const perTypeLimit = 5

var typeHeadings = []struct {
	Type    memory.SemanticType
	Heading string
}{
	{memory.SemanticTrait, "Personality Traits"},
	{memory.SemanticPreference, "Preferences & Values"},
	{memory.SemanticFact, "Key Facts"},
	{memory.SemanticPattern, "Behavioral Patterns"},
	{memory.SemanticRelationship, "Important Relationships"},
}

// Context renders the user's semantic memories as prompt context. With a
// query the memories nearest to it are used, otherwise the most confident.
// It returns "" when nothing qualifies.
func (e *Extractor) Context(ctx context.Context, userID, query string, limit int, minConfidence float64) (string, error) {
	if limit <= 0 {
		limit = 10
	}
	filter := memory.SemanticFilter{UserID: userID, MinConfidence: minConfidence}

	var mems []memory.SemanticMemory
	if strings.TrimSpace(query) != "" {
		vec, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return "", fmt.Errorf("failed to embed context query: %w", err)
		}
		if mems, err = e.store.Search(ctx, vec, filter, limit); err != nil {
			return "", err
		}
	} else {
		var err error
		if mems, err = e.store.List(ctx, filter); err != nil {
			return "", err
		}
		if len(mems) > limit {
			mems = mems[:limit]
		}
	}
	return FormatContext(mems), nil
}

// FormatContext groups memories under a heading per type.
func FormatContext(mems []memory.SemanticMemory) string {
	if len(mems) == 0 {
		return ""
	}
	byType := make(map[memory.SemanticType][]memory.SemanticMemory)
	for _, m := range mems {
		byType[m.Type] = append(byType[m.Type], m)
	}

	var b strings.Builder
	b.WriteString("What I know about you:")
	for _, h := range typeHeadings {
		items := byType[h.Type]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:", h.Heading)
		for i, m := range items {
			if i == perTypeLimit {
				break
			}
			fmt.Fprintf(&b, "\n- %s (confidence: %d%%)", m.Content, int(math.Round(m.Confidence*100)))
		}
	}
	return b.String()
}
