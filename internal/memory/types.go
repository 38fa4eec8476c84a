package memory

import (
	"math"
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. Turns live only in a session buffer.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Emotion is the primary emotion detected in an episode.
type Emotion string

const (
	EmotionHappy      Emotion = "happy"
	EmotionSad        Emotion = "sad"
	EmotionAnxious    Emotion = "anxious"
	EmotionExcited    Emotion = "excited"
	EmotionFrustrated Emotion = "frustrated"
	EmotionNeutral    Emotion = "neutral"
	EmotionConfused   Emotion = "confused"
	EmotionProud      Emotion = "proud"
)

// Emotions lists every supported emotion.
var Emotions = []Emotion{
	EmotionHappy, EmotionSad, EmotionAnxious, EmotionExcited,
	EmotionFrustrated, EmotionNeutral, EmotionConfused, EmotionProud,
}

// ParseEmotion maps free text to an Emotion, falling back to neutral.
func ParseEmotion(s string) Emotion {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range Emotions {
		if string(e) == s {
			return e
		}
	}
	return EmotionNeutral
}

// Episode is one structured journal entry distilled from a batch of turns.
type Episode struct {
	ID           string
	UserID       string
	Story        string
	Emotion      Emotion
	KeyEntities  []string
	UserIntent   string
	Importance   float64
	JournalLabel string
	Tags         []string
	RawContext   string
	Timestamp    time.Time
	Embedding    []float32
	Score        float32 // similarity to the query, set by searches
}

// SemanticType classifies a semantic memory.
type SemanticType string

const (
	SemanticTrait        SemanticType = "trait"
	SemanticPreference   SemanticType = "preference"
	SemanticFact         SemanticType = "fact"
	SemanticPattern      SemanticType = "pattern"
	SemanticRelationship SemanticType = "relationship"
)

// SemanticTypes lists every supported semantic type.
var SemanticTypes = []SemanticType{
	SemanticTrait, SemanticPreference, SemanticFact, SemanticPattern, SemanticRelationship,
}

// ParseSemanticType maps free text to a SemanticType.
func ParseSemanticType(s string) (SemanticType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "s")
	if s == "relationship" || s == "trait" || s == "preference" || s == "fact" || s == "pattern" {
		return SemanticType(s), true
	}
	return "", false
}

// SemanticMemory is a distilled, reinforced fact about the user.
type SemanticMemory struct {
	ID               string
	UserID           string
	Type             SemanticType
	Content          string
	Confidence       float64
	SourceEpisodeIDs []string
	OccurrenceCount  int
	Tags             []string
	FirstObserved    time.Time
	LastUpdated      time.Time
	LastReinforced   time.Time
	Embedding        []float32
	Score            float32
}

// Journal groups the episodes sharing a label.
type Journal struct {
	Label        string    `json:"label"`
	EntryCount   int       `json:"entry_count"`
	LastActivity time.Time `json:"last_activity"`
	Entries      []Episode `json:"entries"`
}

// Stats summarizes one user's memory.
type Stats struct {
	TotalEpisodes          int `json:"total_episodes"`
	HighImportanceEpisodes int `json:"high_importance_episodes"`
	TotalSemantic          int `json:"total_semantic"`
	RecentEpisodes30d      int `json:"recent_episodes_30d"`
}

// ClampUnit bounds v to [0,1]; NaN maps to def.
func ClampUnit(v, def float64) float64 {
	switch {
	case math.IsNaN(v):
		return def
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
