package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// TokenTable tracks the current response token per (agent, room). A
// new token is minted when a turn starts; a turn compares its token
// against the current one before producing output, and a mismatch
// means a newer turn superseded it.
type TokenTable struct {
	mu     sync.Mutex
	tokens map[string]string
}

func NewTokenTable() *TokenTable {
	return &TokenTable{tokens: make(map[string]string)}
}

func tokenKey(agentID, roomID string) string {
	return agentID + "|" + roomID
}

// Mint replaces the current token for (agent, room) and returns the
// new value along with whatever it replaced (empty if none).
func (t *TokenTable) Mint(agentID, roomID string) (token string, previous string) {
	token = uuid.NewString()
	key := tokenKey(agentID, roomID)

	t.mu.Lock()
	defer t.mu.Unlock()
	previous = t.tokens[key]
	t.tokens[key] = token
	return token, previous
}

// IsCurrent reports whether the given token is still the authoritative
// one for (agent, room).
func (t *TokenTable) IsCurrent(agentID, roomID, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens[tokenKey(agentID, roomID)] == token
}
