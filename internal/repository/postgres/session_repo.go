package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// SessionRepo хранит записи сессий документом jsonb.
type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// WriteRecord: upsert. Запись с меньшей ревизией не затирает более свежую.
func (r *SessionRepo) WriteRecord(ctx context.Context, rec *domain.Session) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres: marshal session %s: %w", rec.ID, err)
	}
	query := `
		INSERT INTO session_records (id, state, revision, body, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, revision = EXCLUDED.revision, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
		WHERE session_records.revision <= EXCLUDED.revision`

	if _, err := r.db.ExecContext(ctx, query, rec.ID, string(rec.State), int64(rec.Revision), body, rec.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: write session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *SessionRepo) ReadRecord(ctx context.Context, id string) (*domain.Session, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM session_records WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read session %s: %w", id, err)
	}
	var s domain.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("postgres: decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *SessionRepo) ListRecordIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM session_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SessionRepo) DeleteRecord(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", id, err)
	}
	return nil
}

// Ping проверяет доступность базы (для health-отчета).
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
