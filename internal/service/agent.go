package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/easeaico/memory-journal/internal/llm"
	"github.com/easeaico/memory-journal/internal/memory"
)

var systemPromptTmpl = template.Must(template.New("systemPrompt").Parse(`You are a warm, attentive journaling companion.
You help the user think through their day, their goals and how they feel.
You remember past conversations and refer back to them naturally when it helps.
{{- if .Knowledge }}

{{ .Knowledge }}
{{- end }}
{{- if .History }}

Relevant past conversations:
{{ .History }}
{{- end }}

When replying:
- Respond to what the user just said before anything else
- Mention a past conversation only when it is clearly related
- Ask at most one follow-up question
- Keep replies short and conversational`))

func buildSystemPrompt(c ChatContext) string {
	data := struct {
		Knowledge string
		History   string
	}{
		Knowledge: c.Knowledge,
		History:   c.RelevantHistory(),
	}
	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, data)
	return buf.String()
}

// SubmitTurn answers one user message with memory context and buffers both
// turns for consolidation. When generation fails the user turn is still
// buffered and the error is returned.
func (s *Service) SubmitTurn(ctx context.Context, userID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if userID == "" {
		return "", errors.New("user id is empty")
	}
	if text == "" {
		return "", errors.New("message is empty")
	}

	userTurn := memory.Turn{Role: memory.RoleUser, Text: text, At: s.now()}
	chatCtx := s.buildContext(ctx, userID, text)

	reply, err := s.gen.Generate(ctx, llm.Request{
		System:  buildSystemPrompt(chatCtx),
		Prompt:  text,
		Profile: s.chatProfile,
	})
	if err != nil {
		if aerr := s.turns.Append(ctx, userID, userTurn); aerr != nil {
			s.logger.Error("failed to buffer user turn", zap.String("user_id", userID), zap.Error(aerr))
		}
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if err := s.turns.Append(ctx, userID, userTurn); err != nil {
		return reply, fmt.Errorf("failed to buffer user turn: %w", err)
	}
	if err := s.turns.Append(ctx, userID, memory.Turn{Role: memory.RoleAssistant, Text: reply, At: s.now()}); err != nil {
		return reply, fmt.Errorf("failed to buffer assistant turn: %w", err)
	}

	s.logger.Debug("turn submitted",
		zap.String("user_id", userID),
		zap.Int("episodes", len(chatCtx.Episodes)),
		zap.Bool("knowledge", chatCtx.Knowledge != ""),
	)
	return reply, nil
}
