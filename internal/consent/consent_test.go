package consent

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/audit"
	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/models"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	fail    bool
}

func (m *mockRecorder) Record(_ context.Context, e *models.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, audit.ErrAuditWrite
	}
	m.entries = append(m.entries, *e)
	return int64(len(m.entries)), nil
}

func (m *mockRecorder) RecordIncident(context.Context, *models.Incident) (int64, error) {
	return 0, nil
}

func TestRequiredConsents(t *testing.T) {
	road := &calibration.Payload{}
	track := &calibration.Payload{Flags: calibration.Flags{TrackOnly: true}}

	tests := []struct {
		name    string
		payload *calibration.Payload
		year    int
		risk    models.RiskLevel
		want    []models.ConsentType
	}{
		{
			name:    "old road bike",
			payload: road,
			year:    2015,
			risk:    models.RiskMinimal,
			want: []models.ConsentType{
				models.ConsentLiabilityWaiver, models.ConsentECUModification, models.ConsentBackupResponsibility,
				models.ConsentEmissionsCompliance,
			},
		},
		{
			name:    "warranty year boundary",
			payload: road,
			year:    2018,
			risk:    models.RiskLow,
			want: []models.ConsentType{
				models.ConsentLiabilityWaiver, models.ConsentECUModification, models.ConsentBackupResponsibility,
				models.ConsentEmissionsCompliance,
			},
		},
		{
			name:    "new track bike high risk",
			payload: track,
			year:    2022,
			risk:    models.RiskHigh,
			want: []models.ConsentType{
				models.ConsentLiabilityWaiver, models.ConsentECUModification, models.ConsentBackupResponsibility,
				models.ConsentWarrantyVoid, models.ConsentTrackOnly, models.ConsentExpertTune,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequiredConsents(tt.payload, models.Device{FirmwareYear: tt.year}, tt.risk)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RequiredConsents = %v, want %v", got, tt.want)
			}
		})
	}
}

func stores(t *testing.T) map[string]Store {
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(d),
	}
}

func TestLedgerLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &mockRecorder{}
			l := NewLedger(store, nil, rec, zap.NewNop())
			now := time.Unix(1700000000, 0)
			l.now = func() time.Time { return now }

			required := []models.ConsentType{models.ConsentLiabilityWaiver, models.ConsentExpertTune}

			check, err := l.CheckConsents(ctx, "rider-1", required)
			if err != nil {
				t.Fatalf("CheckConsents: %v", err)
			}
			if check.OK || len(check.Missing) != 2 {
				t.Fatalf("expected both missing, got %+v", check)
			}

			for _, ct := range required {
				if _, err := l.Grant(ctx, GrantRequest{UserID: "rider-1", Type: ct, IPAddress: "10.0.0.1"}); err != nil {
					t.Fatalf("Grant %s: %v", ct, err)
				}
			}
			check, err = l.CheckConsents(ctx, "rider-1", required)
			if err != nil {
				t.Fatalf("CheckConsents: %v", err)
			}
			if !check.OK || len(check.Granted) != 2 {
				t.Fatalf("expected all granted, got %+v", check)
			}

			// EXPERT_TUNE lapses after 30 days.
			now = now.Add(31 * 24 * time.Hour)
			check, _ = l.CheckConsents(ctx, "rider-1", required)
			if check.OK || !reflect.DeepEqual(check.Expired, []models.ConsentType{models.ConsentExpertTune}) {
				t.Errorf("expected EXPERT_TUNE expired, got %+v", check)
			}

			n, err := l.Revoke(ctx, "rider-1", models.ConsentLiabilityWaiver)
			if err != nil || n != 1 {
				t.Fatalf("Revoke = %d, %v", n, err)
			}
			check, _ = l.CheckConsents(ctx, "rider-1", required)
			if !reflect.DeepEqual(check.Missing, []models.ConsentType{models.ConsentLiabilityWaiver}) {
				t.Errorf("expected LIABILITY_WAIVER missing after revoke, got %+v", check)
			}
			if len(check.Issues()) != 2 {
				t.Errorf("Issues() = %v", check.Issues())
			}

			if len(rec.entries) != 3 {
				t.Errorf("expected 3 audit entries, got %d", len(rec.entries))
			}
		})
	}
}

func TestVersionBumpInvalidatesGrant(t *testing.T) {
	ctx := context.Background()
	catalog := DefaultCatalog()
	l := NewLedger(NewMemoryStore(), catalog, &mockRecorder{}, nil)

	if _, err := l.Grant(ctx, GrantRequest{UserID: "rider-1", Type: models.ConsentECUModification}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	doc := catalog[models.ConsentECUModification]
	doc.Version = "2.0"
	catalog[models.ConsentECUModification] = doc

	check, err := l.CheckConsents(ctx, "rider-1", []models.ConsentType{models.ConsentECUModification})
	if err != nil {
		t.Fatalf("CheckConsents: %v", err)
	}
	if check.OK || len(check.Missing) != 1 {
		t.Errorf("old version must not satisfy the new document: %+v", check)
	}
}

func TestGrantAuditFailure(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, nil, &mockRecorder{fail: true}, nil)

	_, err := l.Grant(context.Background(), GrantRequest{UserID: "rider-1", Type: models.ConsentLiabilityWaiver})
	if !errors.Is(err, audit.ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
	recs, _ := store.List(context.Background(), "rider-1")
	if len(recs) != 0 {
		t.Errorf("grant must not be stored when audit fails, got %v", recs)
	}
}

func TestUnknownConsent(t *testing.T) {
	l := NewLedger(NewMemoryStore(), Catalog{}, &mockRecorder{}, nil)
	if _, err := l.Grant(context.Background(), GrantRequest{UserID: "u", Type: "PINKY_SWEAR"}); !errors.Is(err, ErrUnknownConsent) {
		t.Errorf("expected ErrUnknownConsent, got %v", err)
	}
	if _, err := l.Revoke(context.Background(), "u", "PINKY_SWEAR"); !errors.Is(err, ErrUnknownConsent) {
		t.Errorf("expected ErrUnknownConsent, got %v", err)
	}
}
