package flash

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rsclarke/flashguard/internal/backup"
	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/profile"
	"github.com/rsclarke/flashguard/internal/validator"
)

// Status is an immutable snapshot of a session as of its last commit.
type Status struct {
	SessionID          string                 `json:"session_id"`
	UserID             string                 `json:"user_id"`
	Device             models.Device          `json:"device"`
	PayloadID          string                 `json:"payload_id"`
	PayloadChecksum    string                 `json:"payload_checksum"`
	Stage              Stage                  `json:"stage"`
	Progress           int                    `json:"progress"`
	BackupURL          string                 `json:"backup_url,omitempty"`
	BackupVerified     bool                   `json:"backup_verified"`
	PostFlashVerified  bool                   `json:"post_flash_verified"`
	RecoveryAttempted  bool                   `json:"recovery_attempted"`
	RecoverySuccessful bool                   `json:"recovery_successful"`
	ValidationID       int64                  `json:"validation_id,omitempty"`
	Errors             []string               `json:"errors,omitempty"`
	Warnings           []string               `json:"warnings,omitempty"`
	Logs               []models.FlashLogEntry `json:"logs"`
	CreatedAt          int64                  `json:"created_at"`
	CompletedAt        *int64                 `json:"completed_at,omitempty"`
	DurationSeconds    *float64               `json:"duration_seconds,omitempty"`
}

// Stages returns the stage of every log entry in order.
func (s *Status) Stages() []Stage {
	out := make([]Stage, 0, len(s.Logs))
	for _, l := range s.Logs {
		out = append(out, Stage(l.Stage))
	}
	return out
}

func statusFromRecord(r *models.FlashSessionRecord, validationID int64) *Status {
	st := &Status{
		SessionID:          r.ID,
		UserID:             r.UserID,
		Device:             models.Device{ID: r.DeviceID, Category: r.DeviceCategory, ECUType: r.ECUType, FirmwareYear: r.FirmwareYear},
		PayloadID:          r.PayloadID,
		PayloadChecksum:    r.PayloadChecksum,
		Stage:              Stage(r.CurrentStage),
		Progress:           r.Progress,
		BackupVerified:     r.BackupVerified,
		PostFlashVerified:  r.PostFlashVerified,
		RecoveryAttempted:  r.RecoveryAttempted,
		RecoverySuccessful: r.RecoverySuccessful,
		ValidationID:       validationID,
		Errors:             append([]string(nil), r.ErrorMessages...),
		Warnings:           append([]string(nil), r.Warnings...),
		Logs:               append([]models.FlashLogEntry(nil), r.FlashLogs...),
		CreatedAt:          r.CreatedAt,
		CompletedAt:        r.CompletedAt,
		DurationSeconds:    r.DurationSeconds,
	}
	if r.BackupURL != nil {
		st.BackupURL = *r.BackupURL
	}
	return st
}

type stopRequest struct {
	actor  string
	reason string
}

// session is the mutable state of one flash. It is only touched with mu
// held, except for the stop fields which have their own lock.
type session struct {
	mu sync.Mutex

	rec             models.FlashSessionRecord
	payload         *calibration.Payload
	profile         profile.Profile
	verdict         validator.Result
	validation      *models.TuneValidation
	backup          *backup.Ref
	preChecksPassed bool

	status atomic.Pointer[Status]

	stopMu      sync.Mutex
	cancelWrite context.CancelFunc
	stop        *stopRequest
}

func (s *session) stage() Stage { return Stage(s.rec.CurrentStage) }

func (s *session) publish() {
	var vid int64
	if s.validation != nil {
		vid = s.validation.ID
	}
	s.status.Store(statusFromRecord(&s.rec, vid))
}

// setCancel installs the cancel func of the write about to start. A stop
// that is already pending cancels it at once.
func (s *session) setCancel(cancel context.CancelFunc) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	s.cancelWrite = cancel
	if cancel != nil && s.stop != nil {
		cancel()
	}
}

// requestStop records a stop and cancels an in-flight write. It reports
// whether a write was in flight.
func (s *session) requestStop(req *stopRequest) bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop == nil {
		s.stop = req
	}
	if s.cancelWrite != nil {
		s.cancelWrite()
		return true
	}
	return false
}

func (s *session) takeStop() *stopRequest {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	req := s.stop
	s.stop = nil
	return req
}

func cloneRecord(r models.FlashSessionRecord) models.FlashSessionRecord {
	out := r
	out.FlashLogs = append([]models.FlashLogEntry(nil), r.FlashLogs...)
	out.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return out
}
