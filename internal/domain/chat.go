package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion service. It is built per event and never persisted.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
