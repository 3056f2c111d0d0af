package db

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/models"
)

const sessionColumns = `id, user_id, device_id, device_category, ecu_type, firmware_year,
	payload_id, payload_checksum, current_stage, progress, backup_url, backup_checksum, backup_size,
	flash_logs, error_messages, warnings, user_confirmed_safety, bike_in_safe_mode, backup_verified,
	post_flash_verified, created_at, started_at, completed_at, duration_seconds,
	recovery_attempted, recovery_successful`

// SaveSession inserts or replaces the persisted form of a flash session.
func SaveSession(d *sql.DB, s *models.FlashSessionRecord) error {
	logs, err := encodeJSON(s.FlashLogs)
	if err != nil {
		return fmt.Errorf("encode flash logs: %w", err)
	}
	if s.FlashLogs == nil {
		logs = "[]"
	}
	errs, err := encodeJSON(nonNil(s.ErrorMessages))
	if err != nil {
		return fmt.Errorf("encode error messages: %w", err)
	}
	warnings, err := encodeJSON(nonNil(s.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	_, err = d.Exec(`INSERT INTO flash_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_stage = excluded.current_stage,
			progress = excluded.progress,
			backup_url = excluded.backup_url,
			backup_checksum = excluded.backup_checksum,
			backup_size = excluded.backup_size,
			flash_logs = excluded.flash_logs,
			error_messages = excluded.error_messages,
			warnings = excluded.warnings,
			user_confirmed_safety = excluded.user_confirmed_safety,
			bike_in_safe_mode = excluded.bike_in_safe_mode,
			backup_verified = excluded.backup_verified,
			post_flash_verified = excluded.post_flash_verified,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_seconds = excluded.duration_seconds,
			recovery_attempted = excluded.recovery_attempted,
			recovery_successful = excluded.recovery_successful`,
		s.ID, s.UserID, s.DeviceID, s.DeviceCategory, s.ECUType, s.FirmwareYear,
		s.PayloadID, s.PayloadChecksum, s.CurrentStage, s.Progress, s.BackupURL, s.BackupChecksum, s.BackupSize,
		logs, errs, warnings, boolToInt(s.UserConfirmedSafety), boolToInt(s.BikeInSafeMode), boolToInt(s.BackupVerified),
		boolToInt(s.PostFlashVerified), s.CreatedAt, s.StartedAt, s.CompletedAt, s.DurationSeconds,
		boolToInt(s.RecoveryAttempted), boolToInt(s.RecoverySuccessful),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns a session by ID, or nil if none exists.
func GetSession(d *sql.DB, id string) (*models.FlashSessionRecord, error) {
	row := d.QueryRow("SELECT "+sessionColumns+" FROM flash_sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns sessions newest first. An empty userID lists all users.
func ListSessions(d *sql.DB, userID string, limit int) ([]models.FlashSessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + sessionColumns + " FROM flash_sessions"
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.FlashSessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSession(sc scanner) (*models.FlashSessionRecord, error) {
	var s models.FlashSessionRecord
	var logs, errs, warnings string
	var confirmed, safeMode, backupVerified, postVerified, attempted, successful int
	err := sc.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceCategory, &s.ECUType, &s.FirmwareYear,
		&s.PayloadID, &s.PayloadChecksum, &s.CurrentStage, &s.Progress, &s.BackupURL, &s.BackupChecksum, &s.BackupSize,
		&logs, &errs, &warnings, &confirmed, &safeMode, &backupVerified,
		&postVerified, &s.CreatedAt, &s.StartedAt, &s.CompletedAt, &s.DurationSeconds,
		&attempted, &successful)
	if err != nil {
		return nil, err
	}
	s.UserConfirmedSafety = confirmed != 0
	s.BikeInSafeMode = safeMode != 0
	s.BackupVerified = backupVerified != 0
	s.PostFlashVerified = postVerified != 0
	s.RecoveryAttempted = attempted != 0
	s.RecoverySuccessful = successful != 0
	if err := decodeJSON(logs, &s.FlashLogs); err != nil {
		return nil, fmt.Errorf("decode flash logs: %w", err)
	}
	if err := decodeJSON(errs, &s.ErrorMessages); err != nil {
		return nil, fmt.Errorf("decode error messages: %w", err)
	}
	if err := decodeJSON(warnings, &s.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	return &s, nil
}
