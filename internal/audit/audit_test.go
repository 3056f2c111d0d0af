package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	s := NewStore(d)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &models.AuditEntry{Action: "flash.stage_transition", Actor: "rider-1", Description: "PREPARING -> BACKING_UP"}
	seq, err := s.Record(ctx, e)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if seq != 1 || e.Seq != 1 || e.CreatedAt != 1700000000 {
		t.Errorf("unexpected entry after record: %+v", e)
	}

	seq2, err := s.Record(ctx, &models.AuditEntry{Action: "consent.granted", Actor: "rider-1", Description: "granted"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if seq2 <= seq {
		t.Errorf("sequence not increasing: %d then %d", seq, seq2)
	}

	entries, err := s.ListEntries(ctx, db.AuditFilter{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestRecordFailureWrapsErrAuditWrite(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := NewStore(d)
	_ = d.Close()

	_, err = s.Record(context.Background(), &models.AuditEntry{Action: "x", Actor: "y", Description: "z"})
	if !errors.Is(err, ErrAuditWrite) {
		t.Errorf("expected ErrAuditWrite, got %v", err)
	}
	_, err = s.RecordIncident(context.Background(), &models.Incident{SessionID: "s", Severity: models.SeverityHigh})
	if !errors.Is(err, ErrAuditWrite) {
		t.Errorf("expected ErrAuditWrite for incident, got %v", err)
	}
}

func TestRecordCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Record(ctx, &models.AuditEntry{Action: "x", Actor: "y", Description: "z"})
	if !errors.Is(err, ErrAuditWrite) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected wrapped cancellation, got %v", err)
	}
}

func TestIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.Incident{
		SessionID: "sess-1",
		Severity:  models.SeverityHigh,
		Stage:     "FLASHING",
		Error:     "transport write failed",
		Snapshot:  map[string]any{"stage": "FLASHING", "progress": 50},
	}
	if _, err := s.RecordIncident(ctx, in); err != nil {
		t.Fatalf("RecordIncident: %v", err)
	}
	if in.ID == 0 || in.CreatedAt == 0 {
		t.Errorf("incident not stamped: %+v", in)
	}

	list, err := s.ListIncidents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(list) != 1 || list[0].Severity != models.SeverityHigh {
		t.Errorf("unexpected incidents: %+v", list)
	}
}
