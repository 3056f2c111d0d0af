package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/transport"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writePayload(t *testing.T, dir string) string {
	t.Helper()
	content := []byte("sport calibration image rev 7")
	p := &calibration.Payload{
		ID:            "tune-sport-7",
		Name:          "Sport rev 7",
		RPMLimit:      calibration.RPMLimit{Soft: 12000, Hard: 12500},
		Shape:         calibration.Shape{Rows: 2, Cols: 2},
		AFRTable:      []float64{13.0, 13.2, 12.8, 13.1},
		IgnitionTable: []float64{28, 30, 32, 31},
		ECU:           calibration.ECU{RequiredTypes: []string{"BOSCH_ME17"}, ExpectedSize: int64(len(content))},
		Checksum:      calibration.Checksum(content),
		Content:       content,
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	path := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return path
}

func TestParseFaults(t *testing.T) {
	tests := []struct {
		in      []string
		want    transport.Faults
		wantErr bool
	}{
		{nil, transport.Faults{}, false},
		{[]string{"write", " Restore "}, transport.Faults{Write: true, Restore: true}, false},
		{[]string{"ping", "verify"}, transport.Faults{Ping: true, Verify: true}, false},
		{[]string{"meltdown"}, transport.Faults{}, true},
	}
	for _, tt := range tests {
		got, err := parseFaults(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFaults(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseFaults(%v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestCLIFlashLifecycle(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t, dir)
	store := []string{"--db", filepath.Join(dir, "flashguard.db"), "--backup-dir", filepath.Join(dir, "backups")}
	run := func(args ...string) (string, error) {
		return execute(t, append(args, store...)...)
	}

	out, err := run("profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if !strings.Contains(out, "SPORT") || !strings.Contains(out, "TRACK") {
		t.Errorf("profiles output missing categories:\n%s", out)
	}

	out, err = run("validate", payload, "--category", "sport")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "SAFE (risk MINIMAL)") {
		t.Errorf("unexpected verdict:\n%s", out)
	}

	flashArgs := []string{"flash", payload, "--user", "rider-1", "--category", "SPORT", "--year", "2021", "--safe-mode", "--confirm-safety"}
	_, err = run(flashArgs...)
	if err == nil || !strings.Contains(err.Error(), "consent LIABILITY_WAIVER not granted") {
		t.Fatalf("expected missing consent error, got %v", err)
	}

	if _, err := run("consent", "grant", "rider-1",
		"LIABILITY_WAIVER", "ECU_MODIFICATION", "BACKUP_RESPONSIBILITY", "WARRANTY_VOID", "EMISSIONS_COMPLIANCE"); err != nil {
		t.Fatalf("consent grant: %v", err)
	}
	if _, err := run("consent", "check", "rider-1", payload, "--category", "SPORT", "--year", "2021"); err != nil {
		t.Fatalf("consent check: %v", err)
	}

	out, err = run(flashArgs...)
	if err != nil {
		t.Fatalf("flash: %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED 100%") {
		t.Errorf("flash did not complete:\n%s", out)
	}

	out, err = run("sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "COMPLETED") {
		t.Errorf("sessions output missing completed session:\n%s", out)
	}

	out, err = run("audit", "--action", "flash.stage_transition")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if got := strings.Count(out, "flash.stage_transition"); got != 7 {
		t.Errorf("expected 7 stage transitions in audit log, got %d:\n%s", got, out)
	}
}
