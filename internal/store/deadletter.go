package store

import (
	"fmt"
	"time"
)

// DeadLetter is an outbox job that exhausted its retry budget.
type DeadLetter struct {
	ID        string
	SessionID string
	Recipient string
	Body      string
	Error     string
	Attempts  int
	CreatedAt int64
	DeadAt    int64
}

// SaveDeadLetter records a job that will not be retried again.
func (s *Store) SaveDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.DeadAt == 0 {
		dl.DeadAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, session_id, recipient, body, error, attempts, created_at, dead_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		dl.ID, dl.SessionID, dl.Recipient, dl.Body, dl.Error, dl.Attempts, dl.CreatedAt, dl.DeadAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters for a session, newest first. An empty
// sessionID returns all of them.
func (s *Store) ListDeadLetters(sessionID string, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, session_id, recipient, body, error, attempts, created_at, dead_at FROM dead_letters"
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY dead_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		if err := rows.Scan(&dl.ID, &dl.SessionID, &dl.Recipient, &dl.Body, &dl.Error, &dl.Attempts, &dl.CreatedAt, &dl.DeadAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// CountDeadLetters returns the number of dead letters for a session.
func (s *Store) CountDeadLetters(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM dead_letters WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
