package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveCredentials upserts the provider auth state blob for a session.
func (s *Store) SaveCredentials(sessionID string, authState []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO credentials (session_id, auth_state, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET auth_state = excluded.auth_state, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, sessionID, authState, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// LoadCredentials returns the stored auth state for a session, or nil when
// the session has never paired.
func (s *Store) LoadCredentials(sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authState []byte
	err := s.db.QueryRow("SELECT auth_state FROM credentials WHERE session_id = ?", sessionID).Scan(&authState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return authState, nil
}

// PurgeCredentials deletes the stored auth state, forcing a fresh pairing
// on the next start.
func (s *Store) PurgeCredentials(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to purge credentials: %w", err)
	}
	return nil
}
