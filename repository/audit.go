package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// AuditRecord is one abuse event as stored durably. Records are
// immutable except for the resolved flag, set by an operator.
type AuditRecord struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	SourceID   string                 `json:"source_id"`
	Identifier string                 `json:"identifier"`
	Severity   string                 `json:"severity"`
	Score      float64                `json:"score"`
	Blocked    bool                   `json:"blocked"`
	Resolved   bool                   `json:"resolved"`
	Evidence   map[string]interface{} `json:"evidence"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditRepository persists fraud events and anomaly alerts for audit.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, rec *AuditRecord) error {
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		evidence = []byte("{}")
	}
	query := `INSERT INTO abuse_events (id, kind, source_id, identifier, severity, score, blocked, resolved, evidence, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)
			  ON CONFLICT (id) DO NOTHING`
	_, err = r.db.ExecContext(ctx, query, rec.ID, rec.Kind, rec.SourceID, rec.Identifier,
		rec.Severity, rec.Score, rec.Blocked, evidence, rec.CreatedAt)
	return err
}

func (r *AuditRepository) GetByIdentifier(ctx context.Context, identifier string, limit int) ([]*AuditRecord, error) {
	query := `SELECT id, kind, source_id, identifier, severity, score, blocked, resolved, evidence, created_at
			  FROM abuse_events WHERE identifier = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, identifier, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *AuditRepository) GetRecent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	query := `SELECT id, kind, source_id, identifier, severity, score, blocked, resolved, evidence, created_at
			  FROM abuse_events ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Resolve marks one event as handled. The record itself stays intact.
func (r *AuditRepository) Resolve(ctx context.Context, id string) error {
	query := `UPDATE abuse_events SET resolved = true WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *AuditRepository) CountByIdentifierSince(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM abuse_events WHERE identifier = $1 AND created_at > $2`
	err := r.db.QueryRowContext(ctx, query, identifier, since).Scan(&count)
	return count, err
}

func scanRecords(rows *sql.Rows) ([]*AuditRecord, error) {
	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var evidence []byte
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.SourceID, &rec.Identifier,
			&rec.Severity, &rec.Score, &rec.Blocked, &rec.Resolved, &evidence, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
				rec.Evidence = nil
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
