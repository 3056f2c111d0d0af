// Package audit records the append-only audit trail and incident log.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/models"
)

// ErrAuditWrite wraps every failure to persist an audit entry or incident.
var ErrAuditWrite = errors.New("audit write failed")

// Recorder persists audit entries and incidents. Implementations must
// return an error wrapping ErrAuditWrite when a write does not happen.
type Recorder interface {
	Record(ctx context.Context, e *models.AuditEntry) (int64, error)
	RecordIncident(ctx context.Context, in *models.Incident) (int64, error)
}

// Store is the SQLite-backed Recorder.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore returns a Recorder writing to d.
func NewStore(d *sql.DB) *Store {
	return &Store{db: d, now: time.Now}
}

// Record appends e and returns its sequence number. CreatedAt defaults to now.
func (s *Store) Record(ctx context.Context, e *models.AuditEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = s.now().Unix()
	}
	seq, err := db.AppendAuditEntry(s.db, e)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	e.Seq = seq
	return seq, nil
}

// RecordIncident stores in and returns its ID.
func (s *Store) RecordIncident(ctx context.Context, in *models.Incident) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	if in.CreatedAt == 0 {
		in.CreatedAt = s.now().Unix()
	}
	id, err := db.CreateIncident(s.db, in)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	in.ID = id
	return id, nil
}

// ListEntries returns audit entries matching f in sequence order.
func (s *Store) ListEntries(ctx context.Context, f db.AuditFilter) ([]models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.ListAuditEntries(s.db, f)
}

// ListIncidents returns incidents for a session, or for all sessions when
// sessionID is empty.
func (s *Store) ListIncidents(ctx context.Context, sessionID string) ([]models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return db.ListIncidents(s.db, sessionID)
}
