package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"markform.app/fill/core/db"
)

// PGStore archives completed FillRecords to Postgres. It is optional: a
// fill that never constructs one simply never calls it, and nothing here
// checkpoints mid-fill state — only finished records land in the archive.
type PGStore struct {
	db *db.DB
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(database *db.DB) *PGStore {
	return &PGStore{db: database}
}

// EnsureSchema creates the archival table if it doesn't already exist.
// Called once at startup (cmd/fillserver), not per-archive.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fill_records (
			form_id      TEXT NOT NULL,
			fill_id      TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			total_turns  INTEGER NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			record       JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("record: ensure schema: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS fill_records_form_id_idx ON fill_records (form_id)
	`)
	if err != nil {
		return fmt.Errorf("record: ensure index: %w", err)
	}
	return nil
}

// Archive persists one completed fill's FillRecord, keyed by a
// caller-supplied fillID (internal/http assigns one id per fill request)
// and the form's schema id.
func (s *PGStore) Archive(ctx context.Context, formID, fillID string, rec FillRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record: marshal fill record: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO fill_records (form_id, fill_id, status, total_turns, started_at, completed_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fill_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_turns = EXCLUDED.total_turns,
			completed_at = EXCLUDED.completed_at,
			record = EXCLUDED.record
	`, formID, fillID, string(rec.Status), rec.Execution.TotalTurns, rec.StartedAt, rec.CompletedAt, blob)
	if err != nil {
		return fmt.Errorf("record: archive fill record: %w", err)
	}
	return nil
}

// ArchivedRecord is one row read back from the archive.
type ArchivedRecord struct {
	FormID      string
	FillID      string
	Status      Status
	TotalTurns  int
	StartedAt   time.Time
	CompletedAt time.Time
	Record      FillRecord
}

// Get reads back one archived FillRecord by fill id.
func (s *PGStore) Get(ctx context.Context, fillID string) (*ArchivedRecord, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT form_id, fill_id, status, total_turns, started_at, completed_at, record
		FROM fill_records WHERE fill_id = $1
	`, fillID)

	var out ArchivedRecord
	var status string
	var blob []byte
	if err := row.Scan(&out.FormID, &out.FillID, &status, &out.TotalTurns, &out.StartedAt, &out.CompletedAt, &blob); err != nil {
		return nil, fmt.Errorf("record: get fill record: %w", err)
	}
	out.Status = Status(status)
	if err := json.Unmarshal(blob, &out.Record); err != nil {
		return nil, fmt.Errorf("record: unmarshal fill record: %w", err)
	}
	return &out, nil
}

// ListByForm returns archived fill ids for a form, most recent first.
func (s *PGStore) ListByForm(ctx context.Context, formID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT fill_id FROM fill_records
		WHERE form_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, formID, limit)
	if err != nil {
		return nil, fmt.Errorf("record: list fill records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("record: scan fill id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
