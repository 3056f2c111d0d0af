package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLASHGUARD_CONFIG", "")
	t.Setenv("FLASHGUARD_DB", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "flashguard.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Policy.MediumWarningThreshold != 5 || cfg.Policy.LowWarningThreshold != 2 {
		t.Errorf("unexpected warning thresholds: %+v", cfg.Policy)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flashguard.yaml")
	content := `db: from-file.db
validation_ttl: 24h
policy:
  medium_warning_threshold: 8
  low_warning_threshold: 3
  size_tolerance: 0.05
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLASHGUARD_BACKUP_DIR", "/var/lib/flashguard/backups")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "from-file.db" {
		t.Errorf("DBPath = %q, want from-file.db", cfg.DBPath)
	}
	if cfg.BackupDir != "/var/lib/flashguard/backups" {
		t.Errorf("BackupDir = %q", cfg.BackupDir)
	}
	if cfg.ValidationTTL != 24*time.Hour {
		t.Errorf("ValidationTTL = %v", cfg.ValidationTTL)
	}
	if cfg.Policy.MediumWarningThreshold != 8 || cfg.Policy.SizeTolerance != 0.05 {
		t.Errorf("policy not decoded: %+v", cfg.Policy)
	}
	// fields absent from the file keep their defaults
	if cfg.Policy.MaxHPClaim != 50 {
		t.Errorf("MaxHPClaim = %v, want default 50", cfg.Policy.MaxHPClaim)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("no_such_field: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Policy.LowWarningThreshold = 6
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when low threshold exceeds medium")
	}
}
