// Package llmtest provides deterministic fakes for the llm interfaces.
package llmtest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/easeaico/memory-journal/internal/llm"
)

// HashEmbedder generates deterministic embeddings based on text hash.
// Fixed vectors registered with Set take precedence.
type HashEmbedder struct {
	Dim int

	mu    sync.Mutex
	fixed map[string][]float32
	calls int
	err   error
}

// NewHashEmbedder creates an embedder producing vectors of llm.EmbeddingDim.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dim: llm.EmbeddingDim, fixed: make(map[string][]float32)}
}

// Set pins the embedding returned for text.
func (m *HashEmbedder) Set(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vec
}

// FailWith makes every following call return err. Pass nil to recover.
func (m *HashEmbedder) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Embed ran.
func (m *HashEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed creates a deterministic embedding from text.
func (m *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	vec, ok := m.fixed[text]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ok {
		return vec, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.Dim)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return Normalize(embedding), nil
}

// Basis returns the i-th unit vector of llm.EmbeddingDim.
func Basis(i int) []float32 {
	v := make([]float32, llm.EmbeddingDim)
	v[i%len(v)] = 1
	return v
}

// Blend returns a unit vector whose cosine similarity with Basis(i) is cos,
// rotated toward Basis(j).
func Blend(i, j int, cos float64) []float32 {
	v := make([]float32, llm.EmbeddingDim)
	v[i%len(v)] = float32(cos)
	v[j%len(v)] = float32(math.Sqrt(1 - cos*cos))
	return v
}

// Normalize converts vec to a unit vector.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Handler answers one scripted generation call.
type Handler func(req llm.Request) (string, error)

// Generator is a scripted llm.Generator that records every request.
type Generator struct {
	mu       sync.Mutex
	handler  Handler
	requests []llm.Request
}

// NewGenerator returns a generator driven by handler.
func NewGenerator(handler Handler) *Generator {
	return &Generator{handler: handler}
}

// Static returns a generator that always answers text.
func Static(text string) *Generator {
	return NewGenerator(func(llm.Request) (string, error) { return text, nil })
}

// Generate implements llm.Generator.
func (g *Generator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	h := g.handler
	g.mu.Unlock()
	return h(req)
}

// Requests returns a copy of the recorded requests.
func (g *Generator) Requests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// CountContaining reports how many prompts contained substr.
func (g *Generator) CountContaining(substr string) int {
	n := 0
	for _, r := range g.Requests() {
		if strings.Contains(r.Prompt, substr) {
			n++
		}
	}
	return n
}

var (
	_ llm.Embedder  = (*HashEmbedder)(nil)
	_ llm.Generator = (*Generator)(nil)
)
