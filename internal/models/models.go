// Package models defines the database entity types.
package models

import "time"

// RiskLevel grades a validation verdict.
type RiskLevel string

// Risk levels, lowest first.
const (
	RiskMinimal  RiskLevel = "MINIMAL"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskMinimal:  0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// Rank orders risk levels. Unknown levels rank below MINIMAL.
func (r RiskLevel) Rank() int {
	if n, ok := riskRank[r]; ok {
		return n
	}
	return -1
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return r.Rank() >= other.Rank() }

// Blocking reports whether the level prevents a flash (HIGH or CRITICAL).
func (r RiskLevel) Blocking() bool { return r.AtLeast(RiskHigh) }

// ValidationLevel is the depth of review a tune received.
type ValidationLevel string

// Validation levels.
const (
	LevelBasic    ValidationLevel = "BASIC"
	LevelStandard ValidationLevel = "STANDARD"
	LevelExpert   ValidationLevel = "EXPERT"
	LevelDyno     ValidationLevel = "DYNO"
	LevelTrack    ValidationLevel = "TRACK"
)

// ValidationStatus is the lifecycle status of a TuneValidation.
type ValidationStatus string

// Validation statuses.
const (
	StatusPending        ValidationStatus = "PENDING"
	StatusPassed         ValidationStatus = "PASSED"
	StatusFailed         ValidationStatus = "FAILED"
	StatusConditional    ValidationStatus = "CONDITIONAL"
	StatusRequiresReview ValidationStatus = "REQUIRES_REVIEW"
)

// Reviewable reports whether a human reviewer may still decide the status.
func (s ValidationStatus) Reviewable() bool {
	return s == StatusPending || s == StatusConditional || s == StatusRequiresReview
}

// TuneValidation is a persisted validation event for one payload against one profile.
type TuneValidation struct {
	ID                   int64
	PayloadID            string
	PayloadChecksum      string
	ProfileCategory      string
	ValidatorID          string
	Level                ValidationLevel
	Status               ValidationStatus
	IsSafe               bool
	RiskLevel            RiskLevel
	Violations           []string
	Warnings             []string
	ValidationData       map[string]any
	RequiresExpertReview bool
	ChecksumValid        bool
	ParameterCheckPassed bool
	RiskHint             *string
	Explanation          *string
	ReviewedBy           *string
	ReviewNotes          *string
	CreatedAt            int64
	ExpiresAt            *int64
}

// Expired reports whether the validation has lapsed at now.
func (v *TuneValidation) Expired(now time.Time) bool {
	return v.ExpiresAt != nil && *v.ExpiresAt <= now.Unix()
}

// ConsentType names a legal or safety acknowledgement.
type ConsentType string

// Consent types.
const (
	ConsentLiabilityWaiver      ConsentType = "LIABILITY_WAIVER"
	ConsentECUModification      ConsentType = "ECU_MODIFICATION"
	ConsentBackupResponsibility ConsentType = "BACKUP_RESPONSIBILITY"
	ConsentWarrantyVoid         ConsentType = "WARRANTY_VOID"
	ConsentEmissionsCompliance  ConsentType = "EMISSIONS_COMPLIANCE"
	ConsentTrackOnly            ConsentType = "TRACK_ONLY"
	ConsentExpertTune           ConsentType = "EXPERT_TUNE"
)

// ConsentRecord is one grant of a consent document version by a user.
type ConsentRecord struct {
	ID        int64
	UserID    string
	Type      ConsentType
	Version   string
	Text      string
	IPAddress string
	UserAgent string
	GrantedAt int64
	ExpiresAt *int64
	RevokedAt *int64
}

// Severity grades an incident.
type Severity string

// Incident severities.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	Seq          int64
	Action       string
	Actor        string
	Description  string
	Metadata     map[string]any
	SessionID    *string
	ValidationID *int64
	CreatedAt    int64
}

// Incident records a safety-relevant failure of a flash session.
type Incident struct {
	ID        int64
	SessionID string
	Severity  Severity
	Stage     string
	Error     string
	Snapshot  map[string]any
	CreatedAt int64
}

// Device identifies the vehicle a session targets.
type Device struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	ECUType      string `json:"ecu_type"`
	FirmwareYear int    `json:"firmware_year"`
}

// FlashLogEntry is one committed stage transition of a flash session.
type FlashLogEntry struct {
	Timestamp int64          `json:"timestamp"`
	Stage     string         `json:"stage"`
	Progress  int            `json:"progress"`
	Data      map[string]any `json:"data,omitempty"`
}

// FlashSessionRecord is the persisted form of a flash session.
type FlashSessionRecord struct {
	ID                  string
	UserID              string
	DeviceID            string
	DeviceCategory      string
	ECUType             string
	FirmwareYear        int
	PayloadID           string
	PayloadChecksum     string
	CurrentStage        string
	Progress            int
	BackupURL           *string
	BackupChecksum      *string
	BackupSize          *int64
	FlashLogs           []FlashLogEntry
	ErrorMessages       []string
	Warnings            []string
	UserConfirmedSafety bool
	BikeInSafeMode      bool
	BackupVerified      bool
	PostFlashVerified   bool
	CreatedAt           int64
	StartedAt           *int64
	CompletedAt         *int64
	DurationSeconds     *float64
	RecoveryAttempted   bool
	RecoverySuccessful  bool
}
