package usecase

import (
	"line-relay/internal/domain"
)

// BuildPrompt assembles [system persona, ...history, new user message]. The
// text is passed through untouched.
func BuildPrompt(persona string, history []domain.Turn, text string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: persona})
	for _, t := range history {
		messages = append(messages, t.ChatMessage())
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: text})
	return messages
}
