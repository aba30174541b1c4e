package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/fleet-orchestrator/internal/audit"
)

const eventColumns = 6

// EventRepo: пакетная запись журнала событий, реализует audit.Storage.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, args, err := buildEventInsert(events)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: write %d events: %w", len(events), err)
	}
	return nil
}

// buildEventInsert строит один multi-row INSERT на всю пачку.
func buildEventInsert(events []audit.Event) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO session_events (id, at, subject_id, kind, critical, detail) VALUES ")
	args := make([]any, 0, len(events)*eventColumns)

	for i, e := range events {
		var detail []byte
		if len(e.Detail) > 0 {
			b, err := json.Marshal(e.Detail)
			if err != nil {
				return "", nil, fmt.Errorf("postgres: marshal event %s detail: %w", e.ID, err)
			}
			detail = b
		}
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * eventColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)
		args = append(args, e.ID, e.At, e.SubjectID, string(e.Kind), e.Critical, detail)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args, nil
}
