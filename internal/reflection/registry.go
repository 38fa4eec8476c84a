package reflection

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// AgentType names a reflection agent.
type AgentType string

const (
	AgentPersonal AgentType = "personal"
	AgentMeeting  AgentType = "meeting"
	AgentResume   AgentType = "resume"
)

// Agent describes how one kind of reflective query is answered.
type Agent struct {
	Type          AgentType `yaml:"type"`
	Description   string    `yaml:"description"`
	Keywords      []string  `yaml:"keywords"`
	Priority      int       `yaml:"priority"` // lower is checked first
	EpisodeLimit  int       `yaml:"episode_limit"`
	MinImportance float64   `yaml:"min_importance"`
	SemanticLimit int       `yaml:"semantic_limit"`
	MinConfidence float64   `yaml:"min_confidence"`
	// BoostTerms raise episodes whose story, label or tags mention them.
	BoostTerms []string `yaml:"boost_terms"`
	// EmotionBoost raises episodes with a non-neutral emotion.
	EmotionBoost float64 `yaml:"emotion_boost"`
	EmptyMessage string  `yaml:"empty_message"`
	Prompt       string  `yaml:"prompt"`

	tmpl *template.Template
}

func (a *Agent) compile() error {
	t, err := template.New(string(a.Type)).Parse(a.Prompt)
	if err != nil {
		return fmt.Errorf("agent %s: invalid prompt template: %w", a.Type, err)
	}
	a.tmpl = t
	return nil
}

// Registry holds the agents a query can be routed to.
type Registry struct {
	agents   map[AgentType]*Agent
	order    []AgentType
	fallback AgentType
}

const personalPrompt = `You are a personal reflection coach. Analyze the user's journey and provide deep, meaningful insights.

User's Question: {{.Query}}

Relevant Conversations:
{{.Episodes}}
{{if .Facts}}
{{.Facts}}
{{end}}
Provide a thoughtful, empathetic reflection that:
- Identifies patterns in their journey
- Highlights growth and progress
- Addresses their specific question
- Offers perspective on alignment with goals
- Uses a warm, supportive tone

Format as flowing paragraphs, not bullet points.`

const meetingPrompt = `You are a professional career advisor preparing talking points for a work meeting.

User's Request: {{.Query}}

Relevant Work Context:
{{.Episodes}}
{{if .Facts}}
{{.Facts}}
{{end}}
Generate professional talking points that:
- Highlight key achievements and contributions
- Show measurable impact where possible
- Are concise and meeting-appropriate
- Focus on value delivered
- Use professional language

Format as clear bullet points with strong action verbs.`

const resumePrompt = `You are an expert resume writer. Create compelling, ATS-friendly bullet points.

User's Request: {{.Query}}

Relevant Experience:
{{.Episodes}}
{{if .Facts}}
{{.Facts}}
{{end}}
Generate 5-7 resume bullet points that:
- Start with strong action verbs
- Include measurable results/impact
- Align with the skills/role mentioned
- Are ATS-optimized
- Follow this format: "Action verb + what you did + measurable result/impact"

Example: "Developed full-stack web application using React and Python, reducing processing time by 40%"

Format as bullet points only, ready to copy-paste.`

func defaultAgents() []Agent {
	return []Agent{
		{
			Type:          AgentResume,
			Description:   "Resume bullets from significant achievements",
			Keywords:      []string{"resume", "bullet point", "resume bullet", "job application", "job description", "cv", "skills required", "open position", "role requiring"},
			Priority:      10,
			EpisodeLimit:  15,
			MinImportance: 0.6,
			SemanticLimit: 5,
			MinConfidence: 0.6,
			BoostTerms:    []string{"achiev", "launch", "shipped", "led", "built", "promot", "award", "improv", "deliver"},
			EmptyMessage:  "I don't have enough significant achievements recorded yet to write resume bullets. Tell me about projects you've shipped or results you're proud of, and ask again.",
			Prompt:        resumePrompt,
		},
		{
			Type:          AgentMeeting,
			Description:   "Informal overview and talking points for work meetings",
			Keywords:      []string{"meeting", "1:1 with", "one-on-one", "year-end", "performance review", "talking points", "status update", "project update"},
			Priority:      20,
			EpisodeLimit:  15,
			MinImportance: 0.3,
			SemanticLimit: 5,
			MinConfidence: 0.5,
			BoostTerms:    []string{"work", "project", "team", "deliver", "launch"},
			EmptyMessage:  "I don't have enough work history recorded yet to prepare talking points. Share a few updates about your projects and wins first.",
			Prompt:        meetingPrompt,
		},
		{
			Type:          AgentPersonal,
			Description:   "Personal reflection on the user's journey",
			Priority:      100,
			EpisodeLimit:  20,
			SemanticLimit: 10,
			EmotionBoost:  0.05,
			EmptyMessage:  "I don't have enough history with you yet to reflect on your journey. Tell me about your days and goals, and I'll be able to spot patterns over time.",
			Prompt:        personalPrompt,
		},
	}
}

// DefaultRegistry returns the personal, meeting and resume agents with
// personal as the fallback.
func DefaultRegistry() *Registry {
	r := &Registry{agents: make(map[AgentType]*Agent), fallback: AgentPersonal}
	for _, a := range defaultAgents() {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) error {
	if a.Type == "" {
		return fmt.Errorf("agent type is empty")
	}
	if a.Prompt == "" {
		a.Prompt = personalPrompt
	}
	if a.EpisodeLimit <= 0 {
		a.EpisodeLimit = 15
	}
	if err := a.compile(); err != nil {
		return err
	}
	if _, ok := r.agents[a.Type]; !ok {
		r.order = append(r.order, a.Type)
	}
	r.agents[a.Type] = &a
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.agents[r.order[i]].Priority < r.agents[r.order[j]].Priority
	})
	return nil
}

// Get returns the agent for t.
func (r *Registry) Get(t AgentType) (Agent, bool) {
	a, ok := r.agents[t]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Agents lists agents in classification order.
func (r *Registry) Agents() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, *r.agents[t])
	}
	return out
}

// Classify routes query to the first agent, by priority, with a matching
// keyword. Queries nothing matches go to the fallback agent.
func (r *Registry) Classify(query string) AgentType {
	q := strings.ToLower(query)
	for _, t := range r.order {
		for _, kw := range r.agents[t].Keywords {
			if kw != "" && containsWord(q, strings.ToLower(kw)) {
				return t
			}
		}
	}
	return r.fallback
}

// containsWord reports whether phrase occurs in s as whole words. A plural
// "s" after the phrase still counts.
func containsWord(s, phrase string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		if end < len(s) && s[end] == 's' {
			end++
		}
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

type registryFile struct {
	Fallback AgentType   `yaml:"fallback"`
	Agents   []agentYAML `yaml:"agents"`
}

// agentYAML uses pointers so an override can tell unset from zero.
type agentYAML struct {
	Type          AgentType `yaml:"type"`
	Description   *string   `yaml:"description"`
	Keywords      []string  `yaml:"keywords"`
	Priority      *int      `yaml:"priority"`
	EpisodeLimit  *int      `yaml:"episode_limit"`
	MinImportance *float64  `yaml:"min_importance"`
	SemanticLimit *int      `yaml:"semantic_limit"`
	MinConfidence *float64  `yaml:"min_confidence"`
	BoostTerms    []string  `yaml:"boost_terms"`
	EmotionBoost  *float64  `yaml:"emotion_boost"`
	EmptyMessage  *string   `yaml:"empty_message"`
	Prompt        *string   `yaml:"prompt"`
}

// LoadRegistry reads agent overrides and additions from a YAML file on top
// of the defaults. An empty path returns the defaults.
func LoadRegistry(path string) (*Registry, error) {
	r := DefaultRegistry()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	if err := r.Apply(data); err != nil {
		return nil, fmt.Errorf("failed to load agents file %s: %w", path, err)
	}
	return r, nil
}

// Apply merges a YAML document into the registry.
func (r *Registry) Apply(data []byte) error {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, y := range file.Agents {
		a := Agent{Type: y.Type, Priority: 50}
		if existing, ok := r.Get(y.Type); ok {
			a = existing
		}
		if y.Description != nil {
			a.Description = *y.Description
		}
		if y.Keywords != nil {
			a.Keywords = y.Keywords
		}
		if y.Priority != nil {
			a.Priority = *y.Priority
		}
		if y.EpisodeLimit != nil {
			a.EpisodeLimit = *y.EpisodeLimit
		}
		if y.MinImportance != nil {
			a.MinImportance = *y.MinImportance
		}
		if y.SemanticLimit != nil {
			a.SemanticLimit = *y.SemanticLimit
		}
		if y.MinConfidence != nil {
			a.MinConfidence = *y.MinConfidence
		}
		if y.BoostTerms != nil {
			a.BoostTerms = y.BoostTerms
		}
		if y.EmotionBoost != nil {
			a.EmotionBoost = *y.EmotionBoost
		}
		if y.EmptyMessage != nil {
			a.EmptyMessage = *y.EmptyMessage
		}
		if y.Prompt != nil {
			a.Prompt = *y.Prompt
		}
		if err := r.Register(a); err != nil {
			return err
		}
	}
	if file.Fallback != "" {
		if _, ok := r.agents[file.Fallback]; !ok {
			return fmt.Errorf("fallback agent %q is not registered", file.Fallback)
		}
		r.fallback = file.Fallback
	}
	return nil
}
