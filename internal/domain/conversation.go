package domain

// MaxHistoryTurns caps the stored history per user (five user/assistant pairs).
const MaxHistoryTurns = 10

// Turn is a single persisted conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// Valid reports whether the turn carries a role that may be replayed to the
// completion service.
func (t Turn) Valid() bool {
	return t.Role == RoleUser || t.Role == RoleAssistant
}

// ChatMessage converts the stored turn into its prompt form.
func (t Turn) ChatMessage() ChatMessage {
	return ChatMessage{Role: t.Role, Content: t.Content}
}

// RecentWindow returns the newest MaxHistoryTurns entries of turns, oldest first.
func RecentWindow(turns []Turn) []Turn {
	if len(turns) <= MaxHistoryTurns {
		return turns
	}
	return turns[len(turns)-MaxHistoryTurns:]
}
