// Package repository provides data access for collaboration session records.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agency-collab/backend/internal/model"
)

// SessionRepository persists room-level bookkeeping for collaboration
// sessions. Session content is never stored, only activity metadata.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Ensure creates the session record if it does not exist yet. Existing
// records are left untouched, so a session keeps its original creation time
// across reconnects and restarts.
func (r *SessionRepository) Ensure(ctx context.Context, id, name string) error {
	if name == "" {
		name = fmt.Sprintf("Session %s", truncateID(id))
	}

	query := `
		INSERT INTO collab_sessions (id, name, created_at, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query, id, name, now, now); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.CollabSession, error) {
	query := `
		SELECT id, name, created_at, last_active_at, peak_participants
		FROM collab_sessions
		WHERE id = ?
	`

	session := &model.CollabSession{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Name,
		&session.CreatedAt,
		&session.LastActiveAt,
		&session.PeakParticipants,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List returns all session records, most recently active first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.CollabSession, error) {
	query := `
		SELECT id, name, created_at, last_active_at, peak_participants
		FROM collab_sessions
		ORDER BY last_active_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.CollabSession
	for rows.Next() {
		session := &model.CollabSession{}
		if err := rows.Scan(
			&session.ID,
			&session.Name,
			&session.CreatedAt,
			&session.LastActiveAt,
			&session.PeakParticipants,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// RecordParticipants updates the activity timestamp and raises the peak
// participant count if the current count exceeds it.
func (r *SessionRepository) RecordParticipants(ctx context.Context, id string, count int) error {
	query := `
		UPDATE collab_sessions
		SET last_active_at = ?,
		    peak_participants = MAX(peak_participants, ?)
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), count, id)
	if err != nil {
		return fmt.Errorf("failed to record participants: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// Touch updates the activity timestamp only.
func (r *SessionRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE collab_sessions SET last_active_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM collab_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// Exists reports whether a session record exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM collab_sessions WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return count > 0, nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
