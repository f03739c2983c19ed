package repository

import (
	"encoding/json"
	"fmt"

	"line-relay/internal/domain"
)

// historyKey returns the store key holding a user's conversation window.
func historyKey(userID string) string {
	return "u:" + userID
}

func encodeTurns(turns []domain.Turn) ([]string, error) {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		if !t.Valid() {
			return nil, fmt.Errorf("repository: invalid turn role %q", t.Role)
		}
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("repository: encode turn: %w", err)
		}
		out = append(out, string(b))
	}
	return out, nil
}

// decodeTurns fails on the first record that is not a valid turn; callers
// drop the whole window in that case.
func decodeTurns(raw []string) ([]domain.Turn, error) {
	turns := make([]domain.Turn, 0, len(raw))
	for i, r := range raw {
		var t domain.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("repository: decode turn %d: %w", i, err)
		}
		if !t.Valid() {
			return nil, fmt.Errorf("repository: decode turn %d: invalid role %q", i, t.Role)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
