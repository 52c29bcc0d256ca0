// Package session keeps per-conversation memory: an ordered window of
// question/answer turns bounded by count, oldest evicted first.
package session

import (
	"fmt"

	"github.com/eduverse/engine/internal/storage"
)

const defaultMaxTurns = 10

// Manager reads and writes the conversation window for a session.
type Manager struct {
	store    *storage.Store
	maxTurns int
}

// NewManager creates a Manager. maxTurns <= 0 falls back to the default
// window of 10 turns.
func NewManager(store *storage.Store, maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Manager{store: store, maxTurns: maxTurns}
}

// History returns the session's turns in chronological order, at most the
// window size. An unknown session yields an empty history, not an error.
func (m *Manager) History(sessionID string) ([]storage.Turn, error) {
	if sessionID == "" {
		return nil, nil
	}
	turns, err := m.store.RecentTurns(sessionID, m.maxTurns)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}
	return turns, nil
}

// Record appends a completed turn and evicts anything beyond the window.
func (m *Manager) Record(sessionID, question, answer string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.store.AppendTurn(sessionID, question, answer); err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	if err := m.store.PruneTurns(sessionID, m.maxTurns); err != nil {
		return fmt.Errorf("pruning session window: %w", err)
	}
	return nil
}
