package db

import (
	"database/sql"
	"fmt"

	"github.com/rsclarke/flashguard/internal/models"
)

const validationColumns = `id, payload_id, payload_checksum, profile_category, validator_id, level, status,
	is_safe, risk_level, violations, warnings, validation_data, requires_expert_review,
	checksum_valid, parameter_check_passed, risk_hint, explanation, reviewed_by, review_notes,
	created_at, expires_at`

// CreateValidation inserts a validation row and returns its ID.
func CreateValidation(d *sql.DB, v *models.TuneValidation) (int64, error) {
	violations, err := encodeJSON(nonNil(v.Violations))
	if err != nil {
		return 0, fmt.Errorf("encode violations: %w", err)
	}
	warnings, err := encodeJSON(nonNil(v.Warnings))
	if err != nil {
		return 0, fmt.Errorf("encode warnings: %w", err)
	}
	data, err := encodeJSON(v.ValidationData)
	if err != nil {
		return 0, fmt.Errorf("encode validation data: %w", err)
	}

	result, err := d.Exec(`INSERT INTO tune_validations (
		payload_id, payload_checksum, profile_category, validator_id, level, status,
		is_safe, risk_level, violations, warnings, validation_data, requires_expert_review,
		checksum_valid, parameter_check_passed, risk_hint, explanation, reviewed_by, review_notes,
		created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.PayloadID, v.PayloadChecksum, v.ProfileCategory, v.ValidatorID, string(v.Level), string(v.Status),
		boolToInt(v.IsSafe), string(v.RiskLevel), violations, warnings, data, boolToInt(v.RequiresExpertReview),
		boolToInt(v.ChecksumValid), boolToInt(v.ParameterCheckPassed), v.RiskHint, v.Explanation, v.ReviewedBy, v.ReviewNotes,
		v.CreatedAt, v.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert validation: %w", err)
	}
	return result.LastInsertId()
}

// SupersedeValidations marks every current validation for the checksum and
// profile, other than keepID, as replaced by keepID.
func SupersedeValidations(d *sql.DB, payloadChecksum, category string, keepID int64) error {
	_, err := d.Exec(`UPDATE tune_validations SET superseded_by = ?
		WHERE payload_checksum = ? AND profile_category = ? AND id != ? AND superseded_by IS NULL`,
		keepID, payloadChecksum, category, keepID)
	if err != nil {
		return fmt.Errorf("supersede validations: %w", err)
	}
	return nil
}

// GetValidation returns a validation by ID, or nil if none exists.
func GetValidation(d *sql.DB, id int64) (*models.TuneValidation, error) {
	row := d.QueryRow("SELECT "+validationColumns+" FROM tune_validations WHERE id = ?", id)
	v, err := scanValidation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// LatestValidation returns the newest non-superseded validation for a
// payload checksum and profile, or nil if none exists. Expiry is left to
// the caller.
func LatestValidation(d *sql.DB, payloadChecksum, category string) (*models.TuneValidation, error) {
	row := d.QueryRow("SELECT "+validationColumns+` FROM tune_validations
		WHERE payload_checksum = ? AND profile_category = ? AND superseded_by IS NULL
		ORDER BY id DESC LIMIT 1`, payloadChecksum, category)
	v, err := scanValidation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListValidationsByPayload returns every validation of a payload, newest first.
func ListValidationsByPayload(d *sql.DB, payloadID string) ([]models.TuneValidation, error) {
	rows, err := d.Query("SELECT "+validationColumns+" FROM tune_validations WHERE payload_id = ? ORDER BY created_at DESC, id DESC", payloadID)
	if err != nil {
		return nil, fmt.Errorf("query validations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.TuneValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ReviewValidation records a reviewer's decision. It only touches rows still
// awaiting a decision and reports whether one was updated.
func ReviewValidation(d *sql.DB, id int64, status models.ValidationStatus, reviewer, notes string) (bool, error) {
	result, err := d.Exec(`UPDATE tune_validations SET status = ?, reviewed_by = ?, review_notes = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(status), reviewer, notes, id,
		string(models.StatusPending), string(models.StatusConditional), string(models.StatusRequiresReview))
	if err != nil {
		return false, fmt.Errorf("review validation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanValidation(s scanner) (*models.TuneValidation, error) {
	var v models.TuneValidation
	var level, status, risk, violations, warnings, data string
	var isSafe, review, checksumValid, paramsPassed int
	err := s.Scan(&v.ID, &v.PayloadID, &v.PayloadChecksum, &v.ProfileCategory, &v.ValidatorID, &level, &status,
		&isSafe, &risk, &violations, &warnings, &data, &review,
		&checksumValid, &paramsPassed, &v.RiskHint, &v.Explanation, &v.ReviewedBy, &v.ReviewNotes,
		&v.CreatedAt, &v.ExpiresAt)
	if err != nil {
		return nil, err
	}
	v.Level = models.ValidationLevel(level)
	v.Status = models.ValidationStatus(status)
	v.RiskLevel = models.RiskLevel(risk)
	v.IsSafe = isSafe != 0
	v.RequiresExpertReview = review != 0
	v.ChecksumValid = checksumValid != 0
	v.ParameterCheckPassed = paramsPassed != 0
	if err := decodeJSON(violations, &v.Violations); err != nil {
		return nil, fmt.Errorf("decode violations: %w", err)
	}
	if err := decodeJSON(warnings, &v.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	if err := decodeJSON(data, &v.ValidationData); err != nil {
		return nil, fmt.Errorf("decode validation data: %w", err)
	}
	return &v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
