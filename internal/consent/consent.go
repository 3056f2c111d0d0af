// Package consent tracks versioned legal and safety acknowledgements and
// decides which of them a flash requires.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/audit"
	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/events"
	"github.com/rsclarke/flashguard/internal/logging"
	"github.com/rsclarke/flashguard/internal/models"
)

// ErrUnknownConsent is returned for a consent type absent from the catalog.
var ErrUnknownConsent = errors.New("unknown consent type")

// Document is the current text of one consent type.
type Document struct {
	Version  string
	Text     string
	Validity time.Duration // zero means the grant does not expire
}

// Catalog maps consent types to their current documents.
type Catalog map[models.ConsentType]Document

// DefaultCatalog returns the stock consent documents.
func DefaultCatalog() Catalog {
	return Catalog{
		models.ConsentLiabilityWaiver: {
			Version: "1.0",
			Text:    "I accept full responsibility for any damage, injury or loss resulting from modifying my vehicle's engine calibration.",
		},
		models.ConsentECUModification: {
			Version: "1.0",
			Text:    "I authorise the modification of my vehicle's ECU calibration.",
		},
		models.ConsentBackupResponsibility: {
			Version: "1.0",
			Text:    "I understand a backup of the original calibration is taken before flashing and that I am responsible for keeping it.",
		},
		models.ConsentWarrantyVoid: {
			Version: "1.0",
			Text:    "I understand that modifying the ECU may void the manufacturer warranty.",
		},
		models.ConsentEmissionsCompliance: {
			Version:  "1.0",
			Text:     "I will keep the vehicle compliant with the emissions regulations that apply where it is ridden.",
			Validity: 365 * 24 * time.Hour,
		},
		models.ConsentTrackOnly: {
			Version:  "1.0",
			Text:     "I will use this calibration on closed courses only and never on public roads.",
			Validity: 365 * 24 * time.Hour,
		},
		models.ConsentExpertTune: {
			Version:  "1.0",
			Text:     "I acknowledge this calibration was graded high risk and accept the additional danger of running it.",
			Validity: 30 * 24 * time.Hour,
		},
	}
}

// Policy controls which consents are required.
type Policy struct {
	// WarrantyYear is the newest firmware year that no longer carries a
	// manufacturer warranty.
	WarrantyYear int
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{WarrantyYear: 2018}
}

// RequiredConsents lists the consents needed to flash p onto d given the
// latest validation risk, using the default policy.
func RequiredConsents(p *calibration.Payload, d models.Device, latestRisk models.RiskLevel) []models.ConsentType {
	return DefaultPolicy().Required(p, d, latestRisk)
}

// Required lists the consents needed to flash p onto d. The order is fixed.
func (pol Policy) Required(p *calibration.Payload, d models.Device, latestRisk models.RiskLevel) []models.ConsentType {
	required := []models.ConsentType{
		models.ConsentLiabilityWaiver,
		models.ConsentECUModification,
		models.ConsentBackupResponsibility,
	}
	if d.FirmwareYear > pol.WarrantyYear {
		required = append(required, models.ConsentWarrantyVoid)
	}
	if p.TrackOnly() {
		required = append(required, models.ConsentTrackOnly)
	} else {
		required = append(required, models.ConsentEmissionsCompliance)
	}
	if latestRisk.Blocking() {
		required = append(required, models.ConsentExpertTune)
	}
	return required
}

// Store persists consent records.
type Store interface {
	Upsert(ctx context.Context, c *models.ConsentRecord) (int64, error)
	Revoke(ctx context.Context, userID string, t models.ConsentType, at int64) (int64, error)
	List(ctx context.Context, userID string) ([]models.ConsentRecord, error)
}

// Check is the outcome of CheckConsents.
type Check struct {
	OK      bool
	Granted []models.ConsentType
	Missing []models.ConsentType
	Expired []models.ConsentType
}

// Issues renders the missing and expired consents as messages.
func (c Check) Issues() []string {
	var out []string
	for _, t := range c.Missing {
		out = append(out, fmt.Sprintf("consent %s not granted", t))
	}
	for _, t := range c.Expired {
		out = append(out, fmt.Sprintf("consent %s expired", t))
	}
	return out
}

// GrantRequest describes a user accepting a consent document.
type GrantRequest struct {
	UserID    string
	Type      models.ConsentType
	IPAddress string
	UserAgent string
}

// Ledger grants, revokes and checks consents against a catalog. Every grant
// and revocation is audited before it is stored.
type Ledger struct {
	store    Store
	catalog  Catalog
	recorder audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedger returns a Ledger. A nil catalog uses DefaultCatalog.
func NewLedger(store Store, catalog Catalog, recorder audit.Recorder, logger *zap.Logger) *Ledger {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		catalog:  catalog,
		recorder: recorder,
		logger:   logger.Named("consent"),
		now:      time.Now,
	}
}

// Catalog returns the ledger's catalog.
func (l *Ledger) Catalog() Catalog { return l.catalog }

// Grant snapshots the current document for req.Type and records it.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*models.ConsentRecord, error) {
	doc, ok := l.catalog[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsent, req.Type)
	}

	now := l.now()
	rec := &models.ConsentRecord{
		UserID:    req.UserID,
		Type:      req.Type,
		Version:   doc.Version,
		Text:      doc.Text,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		GrantedAt: now.Unix(),
	}
	if doc.Validity > 0 {
		exp := now.Add(doc.Validity).Unix()
		rec.ExpiresAt = &exp
	}

	if _, err := l.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionConsentGranted,
		Actor:       req.UserID,
		Description: fmt.Sprintf("granted %s version %s", req.Type, doc.Version),
		Metadata: map[string]any{
			"consent_type": string(req.Type),
			"version":      doc.Version,
			"ip_address":   req.IPAddress,
		},
	}); err != nil {
		return nil, err
	}

	id, err := l.store.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store consent: %w", err)
	}
	rec.ID = id

	l.logger.Info("consent granted",
		logging.UserID(req.UserID),
		zap.String("consent_type", string(req.Type)),
		zap.String("version", doc.Version))
	return rec, nil
}

// Revoke stamps every active grant of t for userID as revoked and returns
// how many grants were affected.
func (l *Ledger) Revoke(ctx context.Context, userID string, t models.ConsentType) (int64, error) {
	if _, ok := l.catalog[t]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConsent, t)
	}

	if _, err := l.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionConsentRevoked,
		Actor:       userID,
		Description: fmt.Sprintf("revoked %s", t),
		Metadata:    map[string]any{"consent_type": string(t)},
	}); err != nil {
		return 0, err
	}

	n, err := l.store.Revoke(ctx, userID, t, l.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("revoke consent: %w", err)
	}

	l.logger.Info("consent revoked",
		logging.UserID(userID),
		zap.String("consent_type", string(t)),
		zap.Int64("grants", n))
	return n, nil
}

// CheckConsents reports which of required are currently granted. A grant
// counts only if it is unrevoked, at the catalog's current version and
// unexpired.
func (l *Ledger) CheckConsents(ctx context.Context, userID string, required []models.ConsentType) (Check, error) {
	records, err := l.store.List(ctx, userID)
	if err != nil {
		return Check{}, fmt.Errorf("list consents: %w", err)
	}

	now := l.now().Unix()
	var check Check
	for _, t := range required {
		doc, known := l.catalog[t]
		state := stateMissing
		for _, rec := range records {
			if !known || rec.Type != t || rec.Version != doc.Version || rec.RevokedAt != nil {
				continue
			}
			if rec.ExpiresAt != nil && *rec.ExpiresAt <= now {
				state = stateExpired
				continue
			}
			state = stateGranted
			break
		}
		switch state {
		case stateGranted:
			check.Granted = append(check.Granted, t)
		case stateExpired:
			check.Expired = append(check.Expired, t)
		default:
			check.Missing = append(check.Missing, t)
		}
	}
	check.OK = len(check.Missing) == 0 && len(check.Expired) == 0
	return check, nil
}

type grantState int

const (
	stateMissing grantState = iota
	stateExpired
	stateGranted
)
