package journal

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/easeaico/memory-journal/internal/memory"
)

var summarizeTmpl = template.Must(template.New("summarize").Parse(`Analyze this conversation and extract episodic memory details.

CONVERSATION:
{{.Transcript}}

Return a JSON object with:
- "story": A 2-3 sentence narrative summary (from the user's perspective)
- "emotion": Primary emotion, one of: {{.Emotions}}
- "key_entities": List of important people, projects, or things mentioned
- "user_intent": What the user wanted to accomplish (1 sentence)
- "importance": Float 0-1, how personally meaningful this is

Return ONLY valid JSON, no markdown.`))

var labelTmpl = template.Must(template.New("label").Parse(`You are organizing a personal journal. Analyze this conversation and determine the ONE journal label it belongs to.

EXISTING JOURNAL LABELS:
{{if .Labels}}{{range .Labels}}- {{.}}
{{end}}{{else}}No existing labels yet
{{end}}
CONVERSATION:
{{.Transcript}}

RULES:
1. If this conversation fits an EXISTING label, use that EXACT label (copy it exactly)
2. If it doesn't fit any existing label, create a NEW descriptive label
3. Label should be specific and descriptive (e.g., "Gifts To Colleagues", "Networking With Director")
4. Use title case
5. Keep it 2-5 words

Return ONLY the label text, nothing else.`))

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	// Templates are static and data is plain structs; execution cannot fail.
	_ = t.Execute(&buf, data)
	return buf.String()
}

func emotionList() string {
	names := make([]string, len(memory.Emotions))
	for i, e := range memory.Emotions {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

// Transcript renders turns as "User: ..." / "Assistant: ..." lines.
func Transcript(turns []memory.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if t.Role == memory.RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(strings.TrimSpace(t.Text))
	}
	return b.String()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
