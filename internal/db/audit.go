package db

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/models"
)

// AppendAuditEntry inserts an audit entry and returns its sequence number.
func AppendAuditEntry(d *sql.DB, e *models.AuditEntry) (int64, error) {
	metadata, err := encodeJSON(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	if e.Metadata == nil {
		metadata = "{}"
	}
	result, err := d.Exec(`INSERT INTO audit_entries (action, actor, description, metadata, session_id, validation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Action, e.Actor, e.Description, metadata, e.SessionID, e.ValidationID, e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return result.LastInsertId()
}

// AuditFilter narrows ListAuditEntries. Zero values match everything.
type AuditFilter struct {
	SessionID string
	Action    string
	AfterSeq  int64
	Limit     int
}

// ListAuditEntries returns entries in sequence order.
func ListAuditEntries(d *sql.DB, f AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT seq, action, actor, description, metadata, session_id, validation_id, created_at
		FROM audit_entries WHERE seq > ?`
	args := []any{f.AfterSeq}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metadata string
		if err := rows.Scan(&e.Seq, &e.Action, &e.Actor, &e.Description, &metadata, &e.SessionID, &e.ValidationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for entry %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
