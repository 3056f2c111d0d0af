package db

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/models"
)

// CreateIncident inserts an incident and returns its ID.
func CreateIncident(d *sql.DB, in *models.Incident) (int64, error) {
	snapshot, err := encodeJSON(in.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	if in.Snapshot == nil {
		snapshot = "{}"
	}
	result, err := d.Exec(`INSERT INTO incidents (session_id, severity, stage, error, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		in.SessionID, string(in.Severity), in.Stage, in.Error, snapshot, in.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert incident: %w", err)
	}
	return result.LastInsertId()
}

// ListIncidents returns incidents in creation order. An empty sessionID
// lists incidents of all sessions.
func ListIncidents(d *sql.DB, sessionID string) ([]models.Incident, error) {
	query := "SELECT id, session_id, severity, stage, error, snapshot, created_at FROM incidents"
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id"

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Incident
	for rows.Next() {
		var in models.Incident
		var severity, snapshot string
		if err := rows.Scan(&in.ID, &in.SessionID, &severity, &in.Stage, &in.Error, &snapshot, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.Severity = models.Severity(severity)
		if err := decodeJSON(snapshot, &in.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot for incident %d: %w", in.ID, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
