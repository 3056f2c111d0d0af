package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rsclarke/flashguard/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenCreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestMigrationsApplied(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"schema_migrations", "tune_validations", "flash_sessions", "consent_records", "audit_entries", "incidents"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 applied migration, got %d", count)
		}
		_ = db.Close()
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := openTestDB(t)

	var fkEnabled int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	if err != nil {
		t.Fatalf("PRAGMA foreign_keys failed: %v", err)
	}
	if fkEnabled != 1 {
		t.Error("foreign keys not enabled")
	}
}

func TestAuditEntriesAppendOnly(t *testing.T) {
	db := openTestDB(t)

	sid := "s-1"
	seq, err := AppendAuditEntry(db, &models.AuditEntry{
		Action:      "flash.stage",
		Actor:       "rider-1",
		Description: "stage PREPARING",
		Metadata:    map[string]any{"progress": 0},
		SessionID:   &sid,
		CreatedAt:   1700000000,
	})
	if err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}

	if _, err := db.Exec("UPDATE audit_entries SET actor = 'mallory' WHERE seq = ?", seq); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := db.Exec("DELETE FROM audit_entries WHERE seq = ?", seq); err == nil {
		t.Error("expected delete to be rejected")
	}

	if _, err := AppendAuditEntry(db, &models.AuditEntry{Action: "consent.grant", Actor: "rider-2", Description: "granted", CreatedAt: 1700000001}); err != nil {
		t.Fatalf("AppendAuditEntry: %v", err)
	}

	all, err := ListAuditEntries(db, AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(all) != 2 || all[0].Seq != 1 || all[1].Seq != 2 {
		t.Fatalf("unexpected entries: %+v", all)
	}
	if all[0].Metadata["progress"] != float64(0) {
		t.Errorf("metadata not decoded: %v", all[0].Metadata)
	}

	bySession, err := ListAuditEntries(db, AuditFilter{SessionID: "s-1"})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(bySession) != 1 || *bySession[0].SessionID != "s-1" {
		t.Errorf("unexpected session entries: %+v", bySession)
	}

	after, err := ListAuditEntries(db, AuditFilter{AfterSeq: 1, Action: "consent.grant"})
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(after) != 1 || after[0].Actor != "rider-2" {
		t.Errorf("unexpected filtered entries: %+v", after)
	}
}

func TestValidations(t *testing.T) {
	db := openTestDB(t)

	expires := int64(1800000000)
	v := &models.TuneValidation{
		PayloadID:       "tune-1",
		PayloadChecksum: "abc",
		ProfileCategory: "SPORT",
		ValidatorID:     "rider-1",
		Level:           models.LevelStandard,
		Status:          models.StatusConditional,
		IsSafe:          true,
		RiskLevel:       models.RiskLow,
		Warnings:        []string{"w1", "w2", "w3"},
		ValidationData:  map[string]any{"afr_cells": 4},
		ChecksumValid:   true,
		CreatedAt:       1700000000,
		ExpiresAt:       &expires,
	}
	id, err := CreateValidation(db, v)
	if err != nil {
		t.Fatalf("CreateValidation: %v", err)
	}

	got, err := GetValidation(db, id)
	if err != nil || got == nil {
		t.Fatalf("GetValidation: %v %v", got, err)
	}
	if got.Status != models.StatusConditional || !got.IsSafe || len(got.Warnings) != 3 || len(got.Violations) != 0 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ExpiresAt == nil || *got.ExpiresAt != expires {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}

	missing, err := GetValidation(db, 999)
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing validation, got %v %v", missing, err)
	}

	v.CreatedAt++
	newer, err := CreateValidation(db, v)
	if err != nil {
		t.Fatalf("CreateValidation: %v", err)
	}
	if err := SupersedeValidations(db, "abc", "SPORT", newer); err != nil {
		t.Fatalf("SupersedeValidations: %v", err)
	}
	latest, err := LatestValidation(db, "abc", "SPORT")
	if err != nil || latest == nil || latest.ID != newer {
		t.Fatalf("LatestValidation = %v, %v; want id %d", latest, err, newer)
	}

	ok, err := ReviewValidation(db, newer, models.StatusPassed, "reviewer-1", "looks fine")
	if err != nil || !ok {
		t.Fatalf("ReviewValidation = %v, %v", ok, err)
	}
	ok, err = ReviewValidation(db, newer, models.StatusFailed, "reviewer-2", "changed mind")
	if err != nil {
		t.Fatalf("ReviewValidation: %v", err)
	}
	if ok {
		t.Error("a decided validation must not be reviewed again")
	}

	all, err := ListValidationsByPayload(db, "tune-1")
	if err != nil {
		t.Fatalf("ListValidationsByPayload: %v", err)
	}
	if len(all) != 2 || all[0].ID != newer || *all[0].ReviewedBy != "reviewer-1" {
		t.Errorf("unexpected list: %+v", all)
	}
}

func TestSessions(t *testing.T) {
	db := openTestDB(t)

	s := &models.FlashSessionRecord{
		ID:              "sess-1",
		UserID:          "rider-1",
		DeviceID:        "bike-1",
		DeviceCategory:  "SPORT",
		ECUType:         "BOSCH_ME17",
		FirmwareYear:    2021,
		PayloadID:       "tune-1",
		PayloadChecksum: "abc",
		CurrentStage:    "PREPARING",
		FlashLogs:       []models.FlashLogEntry{{Timestamp: 1, Stage: "PREPARING", Progress: 0}},
		CreatedAt:       1700000000,
	}
	if err := SaveSession(db, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	url := "file:///tmp/sess-1.bin.xz"
	s.CurrentStage = "BACKING_UP"
	s.Progress = 20
	s.BackupURL = &url
	s.BackupVerified = true
	s.FlashLogs = append(s.FlashLogs, models.FlashLogEntry{Timestamp: 2, Stage: "BACKING_UP", Progress: 20, Data: map[string]any{"size": 20}})
	if err := SaveSession(db, s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := GetSession(db, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("GetSession: %v %v", got, err)
	}
	if got.CurrentStage != "BACKING_UP" || got.Progress != 20 || !got.BackupVerified || *got.BackupURL != url {
		t.Errorf("unexpected session: %+v", got)
	}
	if len(got.FlashLogs) != 2 || got.FlashLogs[1].Data["size"] != float64(20) {
		t.Errorf("flash logs not persisted: %+v", got.FlashLogs)
	}

	missing, err := GetSession(db, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing session, got %v %v", missing, err)
	}

	list, err := ListSessions(db, "rider-1", 0)
	if err != nil || len(list) != 1 {
		t.Errorf("ListSessions = %v, %v", list, err)
	}
}

func TestConsents(t *testing.T) {
	db := openTestDB(t)

	c := &models.ConsentRecord{
		UserID:    "rider-1",
		Type:      models.ConsentLiabilityWaiver,
		Version:   "1.0",
		Text:      "I accept",
		GrantedAt: 100,
	}
	first, err := UpsertConsent(db, c)
	if err != nil {
		t.Fatalf("UpsertConsent: %v", err)
	}

	n, err := RevokeConsents(db, "rider-1", models.ConsentLiabilityWaiver, 200)
	if err != nil || n != 1 {
		t.Fatalf("RevokeConsents = %d, %v", n, err)
	}

	c.GrantedAt = 300
	second, err := UpsertConsent(db, c)
	if err != nil {
		t.Fatalf("UpsertConsent again: %v", err)
	}
	if first != second {
		t.Errorf("regrant should reuse row %d, got %d", first, second)
	}

	list, err := ListConsents(db, "rider-1")
	if err != nil {
		t.Fatalf("ListConsents: %v", err)
	}
	if len(list) != 1 || list[0].RevokedAt != nil || list[0].GrantedAt != 300 {
		t.Errorf("unexpected consents: %+v", list)
	}
}

func TestIncidents(t *testing.T) {
	db := openTestDB(t)

	for _, sev := range []models.Severity{models.SeverityHigh, models.SeverityCritical} {
		if _, err := CreateIncident(db, &models.Incident{
			SessionID: "sess-1",
			Severity:  sev,
			Stage:     "FLASHING",
			Error:     "write failed",
			Snapshot:  map[string]any{"stage": "FLASHING", "progress": 50},
			CreatedAt: 1,
		}); err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
	}

	list, err := ListIncidents(db, "sess-1")
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 2 || list[0].Severity != models.SeverityHigh || list[1].Snapshot["stage"] != "FLASHING" {
		t.Errorf("unexpected incidents: %+v", list)
	}

	other, err := ListIncidents(db, "sess-2")
	if err != nil || len(other) != 0 {
		t.Errorf("expected no incidents for sess-2, got %v %v", other, err)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     int
		wantErr  bool
	}{
		{"valid", "001_create_tables.sql", 1, false},
		{"valid large", "123_add_column.sql", 123, false},
		{"missing underscore", "001.sql", 0, true},
		{"empty prefix", "_create_tables.sql", 0, true},
		{"non-numeric prefix", "abc_create_tables.sql", 0, true},
		{"empty string", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseVersion(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("parseVersion(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}
