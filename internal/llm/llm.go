// Package llm provides the generation and embedding capabilities used by the
// memory pipeline, with provider clients for Gemini and OpenAI-compatible APIs.
package llm

import (
	"context"
	"strings"
)

// EmbeddingDim is the vector size of every stored embedding.
const EmbeddingDim = 1536

// Profile selects a model tier for one call site.
type Profile struct {
	Name        string
	Model       string
	Temperature float32
	JSON        bool // ask the provider for a JSON object response
}

// WithJSON returns a copy of p that requests JSON output.
func (p Profile) WithJSON() Profile {
	p.JSON = true
	return p
}

// WithTemperature returns a copy of p with the given temperature.
func (p Profile) WithTemperature(t float32) Profile {
	p.Temperature = t
	return p
}

// Profiles groups the model tiers handed to call sites.
type Profiles struct {
	Quality Profile // reflection, extraction, chat replies
	Cheap   Profile // summarizing, labeling
}

// NewProfiles builds the quality and cheap profiles for the given models.
func NewProfiles(qualityModel, cheapModel string) Profiles {
	return Profiles{
		Quality: Profile{Name: "quality", Model: qualityModel, Temperature: 0.7},
		Cheap:   Profile{Name: "cheap", Model: cheapModel, Temperature: 0.3},
	}
}

// Request is a single generation call.
type Request struct {
	System  string
	Prompt  string
	Profile Profile
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CleanJSON strips markdown code fences that models sometimes wrap around JSON.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
