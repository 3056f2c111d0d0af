package consent

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/models"
)

type grantKey struct {
	t       models.ConsentType
	version string
}

// MemoryStore keeps consent records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[string]map[grantKey]*models.ConsentRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[grantKey]*models.ConsentRecord),
	}
}

// Upsert stores c, replacing an earlier grant of the same type and version.
func (s *MemoryStore) Upsert(_ context.Context, c *models.ConsentRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[c.UserID] == nil {
		s.records[c.UserID] = make(map[grantKey]*models.ConsentRecord)
	}
	key := grantKey{c.Type, c.Version}
	rec := *c
	rec.RevokedAt = nil
	if prev, ok := s.records[c.UserID][key]; ok {
		rec.ID = prev.ID
	} else {
		s.nextID++
		rec.ID = s.nextID
	}
	s.records[c.UserID][key] = &rec
	return rec.ID, nil
}

// Revoke stamps every active grant of t.
func (s *MemoryStore) Revoke(_ context.Context, userID string, t models.ConsentType, at int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.records[userID] {
		if key.t == t && rec.RevokedAt == nil {
			stamp := at
			rec.RevokedAt = &stamp
			n++
		}
	}
	return n, nil
}

// List returns copies of a user's records, newest first.
func (s *MemoryStore) List(_ context.Context, userID string) ([]models.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConsentRecord, 0, len(s.records[userID]))
	for _, rec := range s.records[userID] {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt != out[j].GrantedAt {
			return out[i].GrantedAt > out[j].GrantedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// SQLStore keeps consent records in the consent_records table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a Store backed by d.
func NewSQLStore(d *sql.DB) *SQLStore {
	return &SQLStore{db: d}
}

// Upsert stores c.
func (s *SQLStore) Upsert(_ context.Context, c *models.ConsentRecord) (int64, error) {
	return db.UpsertConsent(s.db, c)
}

// Revoke stamps every active grant of t.
func (s *SQLStore) Revoke(_ context.Context, userID string, t models.ConsentType, at int64) (int64, error) {
	return db.RevokeConsents(s.db, userID, t, at)
}

// List returns a user's records, newest first.
func (s *SQLStore) List(_ context.Context, userID string) ([]models.ConsentRecord, error) {
	return db.ListConsents(s.db, userID)
}
