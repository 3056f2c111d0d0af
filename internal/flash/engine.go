// Package flash drives a flash session through its stages. Every stage
// change goes through one commit path that checks the transition table and
// guards, writes the audit entry, persists the session and only then
// publishes the new status to readers.
package flash

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/advisory"
	"github.com/rsclarke/flashguard/internal/audit"
	"github.com/rsclarke/flashguard/internal/backup"
	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/consent"
	"github.com/rsclarke/flashguard/internal/db"
	"github.com/rsclarke/flashguard/internal/events"
	"github.com/rsclarke/flashguard/internal/logging"
	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/precheck"
	"github.com/rsclarke/flashguard/internal/profile"
	"github.com/rsclarke/flashguard/internal/transport"
	"github.com/rsclarke/flashguard/internal/validator"
)

// Observer is told about every committed transition. Errors are logged
// and never affect the session. OnTransition runs with the session locked
// and must not call back into the Engine for that session.
type Observer interface {
	OnTransition(ctx context.Context, t events.Transition) error
}

// Options wires an Engine to its collaborators. DB, Registry, Ledger,
// Recorder, Backups and Transport are required.
type Options struct {
	DB            *sql.DB
	Registry      *profile.Registry
	Validator     *validator.Cache
	Ledger        *consent.Ledger
	ConsentPolicy consent.Policy
	Recorder      audit.Recorder
	Backups       backup.Store
	Transport     transport.Transport
	Advisor       advisory.Scorer
	Probes        []precheck.Probe
	ValidationTTL time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

// Engine owns all flash sessions of a process.
type Engine struct {
	db            *sql.DB
	registry      *profile.Registry
	validator     *validator.Cache
	ledger        *consent.Ledger
	consentPolicy consent.Policy
	recorder      audit.Recorder
	backups       backup.Store
	transport     transport.Transport
	advisor       advisory.Scorer
	prechecks     *precheck.Pipeline
	validationTTL time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	obsMu     sync.RWMutex
	observers []Observer
}

// NewEngine checks opts and builds an Engine with the six pre-check gates.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.DB == nil:
		return nil, errors.New("flash engine: database is required")
	case opts.Registry == nil:
		return nil, errors.New("flash engine: profile registry is required")
	case opts.Ledger == nil:
		return nil, errors.New("flash engine: consent ledger is required")
	case opts.Recorder == nil:
		return nil, errors.New("flash engine: audit recorder is required")
	case opts.Backups == nil:
		return nil, errors.New("flash engine: backup store is required")
	case opts.Transport == nil:
		return nil, errors.New("flash engine: transport is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	v := opts.Validator
	if v == nil {
		var err error
		if v, err = validator.NewCache(validator.New(validator.DefaultPolicy()), 0); err != nil {
			return nil, err
		}
	}
	pol := opts.ConsentPolicy
	if pol.WarrantyYear == 0 {
		pol = consent.DefaultPolicy()
	}

	probes := append([]precheck.Probe{{
		Name:  "database",
		Check: func(ctx context.Context) error { return opts.DB.PingContext(ctx) },
	}}, opts.Probes...)

	pipeline := precheck.NewPipeline(logger.Named("precheck"))
	pipeline.Register(precheck.ConsentGate{Ledger: opts.Ledger})
	pipeline.Register(precheck.SafetyStateGate{})
	pipeline.Register(precheck.BackupGate{})
	pipeline.Register(precheck.ValidationGate{Now: now})
	pipeline.Register(precheck.HardwareGate{Transport: opts.Transport})
	pipeline.Register(precheck.ReadinessGate{Stage: string(StageValidating), Probes: probes})

	return &Engine{
		db:            opts.DB,
		registry:      opts.Registry,
		validator:     v,
		ledger:        opts.Ledger,
		consentPolicy: pol,
		recorder:      opts.Recorder,
		backups:       opts.Backups,
		transport:     opts.Transport,
		advisor:       opts.Advisor,
		prechecks:     pipeline,
		validationTTL: opts.ValidationTTL,
		logger:        logger.Named("flash"),
		now:           now,
		sessions:      make(map[string]*session),
	}, nil
}

// AddObserver registers o for transition notifications.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) notify(ctx context.Context, t events.Transition) {
	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()
	for _, o := range observers {
		if err := o.OnTransition(ctx, t); err != nil {
			e.logger.Warn("transition observer error",
				logging.SessionID(t.SessionID),
				logging.Stage(t.To),
				zap.Error(err))
		}
	}
}

func (e *Engine) lookup(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// withSession runs fn holding the session lock, then honours any stop
// requested while fn was running.
func (e *Engine) withSession(ctx context.Context, id string, fn func(s *session) error) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = fn(s)
	if stopErr := e.honourStop(ctx, s); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// CreateRequest asks for a new flash session.
type CreateRequest struct {
	UserID  string
	Device  models.Device
	Payload *calibration.Payload
}

// CreateSession checks the payload, grades it and checks the rider's
// consents. Input errors create nothing; a blocking verdict or missing
// consent returns a *BlockedError listing every issue.
func (e *Engine) CreateSession(ctx context.Context, req CreateRequest) (*Status, error) {
	p := req.Payload
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformedPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if req.UserID == "" || req.Device.ID == "" {
		return nil, errors.New("create session: user id and device id are required")
	}
	if err := p.VerifyChecksum(); err != nil {
		return nil, err
	}
	prof, ok := e.registry.Lookup(req.Device.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, req.Device.Category)
	}
	device := req.Device
	device.Category = prof.Category

	verdict := e.validator.Validate(p, prof)
	required := e.consentPolicy.Required(p, device, verdict.RiskLevel)
	check, err := e.ledger.CheckConsents(ctx, req.UserID, required)
	if err != nil {
		return nil, fmt.Errorf("check consents: %w", err)
	}

	var issues []string
	if verdict.Blocked() {
		issues = append(issues, verdictIssues(verdict.Violations, verdict.RiskLevel)...)
	}
	if !p.SupportsECU(device.ECUType) {
		issues = append(issues, fmt.Sprintf("ECU type %s not supported by tune (requires %s)",
			device.ECUType, strings.Join(p.ECU.RequiredTypes, ", ")))
	}
	issues = append(issues, check.Issues()...)
	if len(issues) > 0 {
		if _, err := e.recorder.Record(ctx, &models.AuditEntry{
			Action:      events.ActionSessionBlocked,
			Actor:       req.UserID,
			Description: fmt.Sprintf("session for %s on %s blocked", p.ID, device.ID),
			Metadata:    map[string]any{"payload_id": p.ID, "device_id": device.ID, "issues": issues},
		}); err != nil {
			return nil, err
		}
		e.logger.Info("session blocked",
			logging.UserID(req.UserID),
			logging.PayloadID(p.ID),
			logging.Risk(string(verdict.RiskLevel)),
			zap.Strings("issues", issues))
		return nil, &BlockedError{Stage: StagePreparing, Issues: issues}
	}

	now := e.now()
	id := uuid.NewString()
	consents := make([]string, 0, len(required))
	for _, c := range required {
		consents = append(consents, string(c))
	}
	data := map[string]any{"risk_level": string(verdict.RiskLevel), "required_consents": consents}
	rec := models.FlashSessionRecord{
		ID:              id,
		UserID:          req.UserID,
		DeviceID:        device.ID,
		DeviceCategory:  device.Category,
		ECUType:         device.ECUType,
		FirmwareYear:    device.FirmwareYear,
		PayloadID:       p.ID,
		PayloadChecksum: p.Checksum,
		CurrentStage:    string(StagePreparing),
		Warnings:        append([]string(nil), verdict.Warnings...),
		FlashLogs:       []models.FlashLogEntry{{Timestamp: now.Unix(), Stage: string(StagePreparing), Data: data}},
		CreatedAt:       now.Unix(),
	}

	sid := id
	seq, err := e.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionSessionCreated,
		Actor:       req.UserID,
		Description: fmt.Sprintf("session created for %s on %s", p.ID, device.ID),
		Metadata:    data,
		SessionID:   &sid,
		CreatedAt:   now.Unix(),
	})
	if err != nil {
		return nil, err
	}
	if err := db.SaveSession(e.db, &rec); err != nil {
		return nil, err
	}

	s := &session{rec: rec, payload: p, profile: prof, verdict: verdict}
	s.publish()
	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	e.logger.Info("session created",
		logging.SessionID(id),
		logging.UserID(req.UserID),
		logging.DeviceID(device.ID),
		logging.Category(device.Category),
		logging.Risk(string(verdict.RiskLevel)))
	e.notify(ctx, events.Transition{
		Seq: seq, SessionID: id, UserID: req.UserID, DeviceID: device.ID,
		To: string(StagePreparing), At: now.Unix(), Data: data,
	})
	return s.status.Load(), nil
}

// Backup stores the device's current image, reads it back to verify it and
// commits BACKING_UP. A failed backup fails the session without a restore.
func (e *Engine) Backup(ctx context.Context, id string, image []byte) error {
	return e.withSession(ctx, id, func(s *session) error {
		if !CanTransition(s.stage(), StageBackingUp) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.stage(), StageBackingUp)
		}

		ref, err := e.backups.Put(ctx, id, image)
		if err == nil {
			var stored []byte
			stored, err = e.backups.Get(ctx, ref)
			if err == nil && !bytes.Equal(stored, image) {
				err = fmt.Errorf("%w: read-back differs from device image", backup.ErrBackupCorrupt)
			}
		}
		if err != nil {
			cause := fmt.Errorf("backup failed: %w", err)
			return errors.Join(cause, e.fail(ctx, s, cause))
		}

		url, sum, size := ref.URL, ref.Checksum, ref.Size
		if err := e.commit(ctx, s, change{
			to:   StageBackingUp,
			data: map[string]any{"backup_url": url, "backup_checksum": sum, "backup_size": size},
			mutate: func(r *models.FlashSessionRecord) {
				r.BackupURL = &url
				r.BackupChecksum = &sum
				r.BackupSize = &size
				r.BackupVerified = true
			},
		}); err != nil {
			return err
		}
		s.backup = &ref
		return nil
	})
}

// Validate grades the session's payload, stores or reuses a TuneValidation
// and commits VALIDATING. An unsafe verdict returns a *BlockedError and the
// session cannot move on to pre-checks.
func (e *Engine) Validate(ctx context.Context, id, actor string, force bool) (*models.TuneValidation, error) {
	var out *models.TuneValidation
	err := e.withSession(ctx, id, func(s *session) error {
		from := s.stage()
		if !CanTransition(from, StageValidating) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StageValidating)
		}
		if !s.rec.BackupVerified {
			return fmt.Errorf("%w: %s -> %s: ECU backup not verified", ErrInvalidTransition, from, StageValidating)
		}
		if actor == "" {
			actor = s.rec.UserID
		}

		verdict := e.validator.Validate(s.payload, s.profile)
		tv, reused, err := e.recordValidation(ctx, s, verdict, actor, force)
		if err != nil {
			return err
		}

		prev := s.validation
		s.validation = tv
		if err := e.commit(ctx, s, change{
			to:     StageValidating,
			actor:  actor,
			driven: true,
			data: map[string]any{
				"validation_id": tv.ID,
				"status":        string(tv.Status),
				"risk_level":    string(tv.RiskLevel),
				"reused":        reused,
			},
		}); err != nil {
			s.validation = prev
			return err
		}
		s.verdict = verdict
		out = tv

		if validationBlocked(tv) {
			return &BlockedError{Stage: StageValidating, Issues: verdictIssues(tv.Violations, tv.RiskLevel)}
		}
		return nil
	})
	return out, err
}

func (e *Engine) recordValidation(ctx context.Context, s *session, verdict validator.Result, actor string, force bool) (*models.TuneValidation, bool, error) {
	now := e.now()
	if !force {
		latest, err := db.LatestValidation(e.db, s.payload.Checksum, s.profile.Category)
		if err != nil {
			return nil, false, fmt.Errorf("load validation: %w", err)
		}
		if latest != nil && !latest.Expired(now) {
			sid, vid := s.rec.ID, latest.ID
			if _, err := e.recorder.Record(ctx, &models.AuditEntry{
				Action:       events.ActionValidationReused,
				Actor:        actor,
				Description:  fmt.Sprintf("reused validation %d (%s)", latest.ID, latest.Status),
				SessionID:    &sid,
				ValidationID: &vid,
			}); err != nil {
				return nil, false, err
			}
			return latest, true, nil
		}
	}

	tv := &models.TuneValidation{
		PayloadID:            s.payload.ID,
		PayloadChecksum:      s.payload.Checksum,
		ProfileCategory:      s.profile.Category,
		ValidatorID:          actor,
		Level:                validationLevel(s.payload, s.profile),
		Status:               initialStatus(verdict),
		IsSafe:               verdict.IsSafe,
		RiskLevel:            verdict.RiskLevel,
		Violations:           verdict.Violations,
		Warnings:             verdict.Warnings,
		ValidationData:       verdict.ValidationData,
		RequiresExpertReview: verdict.RequiresExpertReview,
		ChecksumValid:        verdict.ChecksumValid,
		ParameterCheckPassed: verdict.ParameterCheckPassed,
		CreatedAt:            now.Unix(),
	}
	if e.validationTTL > 0 {
		exp := now.Add(e.validationTTL).Unix()
		tv.ExpiresAt = &exp
	}
	if e.advisor != nil {
		hint, err := advisory.Fetch(ctx, e.advisor, s.payload)
		if err != nil {
			e.logger.Warn("advisory hint unavailable", logging.PayloadID(s.payload.ID), zap.Error(err))
		} else {
			risk, explanation := string(hint.RiskHint), hint.Explanation
			tv.RiskHint = &risk
			tv.Explanation = &explanation
		}
	}

	vid, err := db.CreateValidation(e.db, tv)
	if err != nil {
		return nil, false, err
	}
	tv.ID = vid
	if err := db.SupersedeValidations(e.db, tv.PayloadChecksum, tv.ProfileCategory, vid); err != nil {
		return nil, false, err
	}

	sid := s.rec.ID
	if _, err := e.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionValidationCreated,
		Actor:       actor,
		Description: fmt.Sprintf("validation %d: %s, risk %s", vid, tv.Status, tv.RiskLevel),
		Metadata: map[string]any{
			"violations": len(tv.Violations),
			"warnings":   len(tv.Warnings),
			"forced":     force,
		},
		SessionID:    &sid,
		ValidationID: &vid,
	}); err != nil {
		return nil, false, err
	}

	e.logger.Info("validation recorded",
		logging.SessionID(s.rec.ID),
		logging.PayloadID(s.payload.ID),
		logging.Risk(string(tv.RiskLevel)),
		zap.String("status", string(tv.Status)))
	return tv, false, nil
}

// PreCheckInput carries the conditions asserted by the rider.
type PreCheckInput struct {
	BikeInSafeMode      bool
	UserConfirmedSafety bool
	Actor               string
}

// RunPreChecks evaluates all six gates. When every gate passes the session
// commits PRE_CHECKS; otherwise a *BlockedError lists every issue and the
// stage is left as it was.
func (e *Engine) RunPreChecks(ctx context.Context, id string, in PreCheckInput) (precheck.Report, error) {
	var report precheck.Report
	err := e.withSession(ctx, id, func(s *session) error {
		actor := in.Actor
		if actor == "" {
			actor = s.rec.UserID
		}
		if s.validation != nil {
			fresh, err := db.GetValidation(e.db, s.validation.ID)
			if err != nil {
				return fmt.Errorf("reload validation: %w", err)
			}
			if fresh != nil {
				s.validation = fresh
			}
		}

		risk := s.verdict.RiskLevel
		if s.validation != nil {
			risk = s.validation.RiskLevel
		}
		device := deviceOf(&s.rec)
		subject := &precheck.Subject{
			SessionID:           s.rec.ID,
			UserID:              s.rec.UserID,
			Device:              device,
			Stage:               string(s.stage()),
			BackupVerified:      s.rec.BackupVerified,
			BikeInSafeMode:      in.BikeInSafeMode,
			UserConfirmedSafety: in.UserConfirmedSafety,
			RequiredConsents:    e.consentPolicy.Required(s.payload, device, risk),
			Validation:          s.validation,
			SupportedECUs:       s.payload.ECU.RequiredTypes,
		}

		var err error
		report, err = e.prechecks.Evaluate(ctx, subject)
		if err != nil {
			return fmt.Errorf("evaluate pre-checks: %w", err)
		}
		if !report.Passed {
			sid := s.rec.ID
			if _, err := e.recorder.Record(ctx, &models.AuditEntry{
				Action:      events.ActionPreChecksBlocked,
				Actor:       actor,
				Description: fmt.Sprintf("pre-checks blocked at %s", s.stage()),
				Metadata:    map[string]any{"issues": report.Issues, "gates": report.Failed},
				SessionID:   &sid,
			}); err != nil {
				return err
			}
			return &BlockedError{Stage: s.stage(), Issues: report.Issues}
		}

		if err := e.commit(ctx, s, change{
			to:     StagePreChecks,
			actor:  actor,
			driven: true,
			data:   map[string]any{"gates": e.prechecks.Gates()},
			mutate: func(r *models.FlashSessionRecord) {
				r.BikeInSafeMode = in.BikeInSafeMode
				r.UserConfirmedSafety = in.UserConfirmedSafety
			},
		}); err != nil {
			return err
		}
		s.preChecksPassed = true
		return nil
	})
	return report, err
}

// Flash writes the calibration and verifies it. The write runs with the
// session lock held and is cancelled by EmergencyStop. Any failure fails
// the session and, with a verified backup, restores it once.
func (e *Engine) Flash(ctx context.Context, id string) error {
	return e.withSession(ctx, id, func(s *session) error {
		started := e.now()
		startedUnix := started.Unix()
		if err := e.commit(ctx, s, change{
			to:     StageFlashing,
			driven: true,
			data:   map[string]any{"bytes": len(s.payload.Content)},
			mutate: func(r *models.FlashSessionRecord) { r.StartedAt = &startedUnix },
		}); err != nil {
			return err
		}

		writeCtx, cancel := context.WithCancel(ctx)
		s.setCancel(cancel)
		err := e.transport.Write(writeCtx, s.rec.DeviceID, s.payload.Content)
		s.setCancel(nil)
		cancel()
		if cause := stepFailure(s, err, "write calibration"); cause != nil {
			return errors.Join(cause, e.fail(ctx, s, cause))
		}

		if err := e.commit(ctx, s, change{to: StageVerifying, driven: true}); err != nil {
			return err
		}
		identity, err := e.transport.ReadIdentity(ctx, s.rec.DeviceID)
		if err == nil && identity.Checksum != s.payload.Checksum {
			err = fmt.Errorf("%w: device reports %s", ErrVerifyMismatch, identity.Checksum)
		}
		if cause := stepFailure(s, err, "verify calibration"); cause != nil {
			return errors.Join(cause, e.fail(ctx, s, cause))
		}

		if err := e.commit(ctx, s, change{
			to:     StagePostChecks,
			driven: true,
			data:   map[string]any{"firmware_id": identity.FirmwareID, "device_checksum": identity.Checksum},
			mutate: func(r *models.FlashSessionRecord) { r.PostFlashVerified = true },
		}); err != nil {
			return err
		}
		err = e.transport.Ping(ctx, s.rec.DeviceID)
		if cause := stepFailure(s, err, "post-flash link check"); cause != nil {
			return errors.Join(cause, e.fail(ctx, s, cause))
		}

		done := e.now()
		doneUnix := done.Unix()
		duration := done.Sub(started).Seconds()
		return e.commit(ctx, s, change{
			to:   StageCompleted,
			data: map[string]any{"duration_seconds": duration},
			mutate: func(r *models.FlashSessionRecord) {
				r.CompletedAt = &doneUnix
				r.DurationSeconds = &duration
			},
		})
	})
}

// EmergencyStop fails the session and runs the restore rule. If another
// operation holds the session, the stop is recorded, an in-flight write is
// cancelled and the failure is applied as soon as that operation returns.
func (e *Engine) EmergencyStop(ctx context.Context, id, actor, reason string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	if st := s.status.Load().Stage; st.Terminal() || st.Recovery() {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, st)
	}

	sid := id
	if _, err := e.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionEmergencyStop,
		Actor:       actor,
		Description: "emergency stop: " + reason,
		Metadata:    map[string]any{"reason": reason},
		SessionID:   &sid,
	}); err != nil {
		return err
	}

	req := &stopRequest{actor: actor, reason: reason}
	if !s.mu.TryLock() {
		inFlight := s.requestStop(req)
		e.logger.Warn("emergency stop requested",
			logging.SessionID(id),
			logging.UserID(actor),
			zap.Bool("write_in_flight", inFlight))
		if inFlight {
			return nil
		}
		// The holder may already be past its last stop check.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.takeStop() == nil {
			return nil
		}
	} else {
		defer s.mu.Unlock()
	}

	if st := s.stage(); st.Terminal() || st.Recovery() {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, st)
	}
	e.logger.Warn("emergency stop", logging.SessionID(id), logging.UserID(actor))
	return e.fail(ctx, s, stopCause(req))
}

// AdvanceStage is the only exported mutator of stage and progress. A
// negative progress uses the stage default. FAILED and RESTORING run the
// failure and restore rules.
func (e *Engine) AdvanceStage(ctx context.Context, id string, to Stage, progress int, data map[string]any) error {
	return e.withSession(ctx, id, func(s *session) error {
		from := s.stage()
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		switch {
		case to == StageFailed && from != StageRestoring:
			msg := "stage failed"
			if v, ok := data["error"].(string); ok && v != "" {
				msg = v
			}
			return e.fail(ctx, s, errors.New(msg))
		case to == StageRestoring:
			return e.restore(ctx, s)
		}
		return e.commit(ctx, s, change{to: to, progress: progress, data: data})
	})
}

// Status returns the last committed snapshot without waiting for an
// in-flight transition. Sessions of earlier processes are read from the
// database.
func (e *Engine) Status(id string) (*Status, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if ok {
		return s.status.Load(), nil
	}

	rec, err := db.GetSession(e.db, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return statusFromRecord(rec, 0), nil
}

// ReviewValidation records a human decision on a validation awaiting one.
func (e *Engine) ReviewValidation(ctx context.Context, validationID int64, reviewer string, decision models.ValidationStatus, notes string) (*models.TuneValidation, error) {
	if decision != models.StatusPassed && decision != models.StatusFailed {
		return nil, ErrInvalidDecision
	}
	tv, err := db.GetValidation(e.db, validationID)
	if err != nil {
		return nil, fmt.Errorf("load validation: %w", err)
	}
	if tv == nil || !tv.Status.Reviewable() {
		return nil, fmt.Errorf("%w: %d", ErrNotReviewable, validationID)
	}

	vid := validationID
	if _, err := e.recorder.Record(ctx, &models.AuditEntry{
		Action:       events.ActionValidationReviewed,
		Actor:        reviewer,
		Description:  fmt.Sprintf("validation %d %s -> %s", validationID, tv.Status, decision),
		Metadata:     map[string]any{"from": string(tv.Status), "to": string(decision), "notes": notes},
		ValidationID: &vid,
	}); err != nil {
		return nil, err
	}
	updated, err := db.ReviewValidation(e.db, validationID, decision, reviewer, notes)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("%w: %d", ErrNotReviewable, validationID)
	}
	e.logger.Info("validation reviewed",
		zap.Int64("validation_id", validationID),
		zap.String("reviewer", reviewer),
		zap.String("decision", string(decision)))
	return db.GetValidation(e.db, validationID)
}

type change struct {
	to       Stage
	progress int
	actor    string
	data     map[string]any
	mutate   func(r *models.FlashSessionRecord)
	// driven is set by the operation that performed the stage's work.
	driven   bool
}

// commit is the single path that changes a session's stage. The audit entry
// is written first; on any error the session is left untouched.
func (e *Engine) commit(ctx context.Context, s *session, c change) error {
	from := s.stage()
	if !CanTransition(from, c.to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, c.to)
	}

	next := cloneRecord(s.rec)
	if c.mutate != nil {
		c.mutate(&next)
	}

	progress := c.progress
	if progress <= 0 {
		progress = c.to.DefaultProgress()
	}
	if progress < 0 {
		progress = s.rec.Progress
	}
	if progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, progress)
	}
	if !c.to.Recovery() && progress < s.rec.Progress {
		return fmt.Errorf("%w: progress may not decrease from %d to %d", ErrInvalidTransition, s.rec.Progress, progress)
	}
	if err := e.guard(s, from, c, &next); err != nil {
		return err
	}

	now := e.now()
	next.CurrentStage = string(c.to)
	next.Progress = progress
	next.FlashLogs = append(next.FlashLogs, models.FlashLogEntry{
		Timestamp: now.Unix(),
		Stage:     string(c.to),
		Progress:  progress,
		Data:      c.data,
	})

	actor := c.actor
	if actor == "" {
		actor = s.rec.UserID
	}
	metadata := map[string]any{"from": string(from), "to": string(c.to), "progress": progress}
	for k, v := range c.data {
		metadata[k] = v
	}
	sid := s.rec.ID
	entry := &models.AuditEntry{
		Action:      events.ActionStageTransition,
		Actor:       actor,
		Description: fmt.Sprintf("%s -> %s (%d%%)", from, c.to, progress),
		Metadata:    metadata,
		SessionID:   &sid,
		CreatedAt:   now.Unix(),
	}
	if s.validation != nil {
		vid := s.validation.ID
		entry.ValidationID = &vid
	}

	seq, err := e.recorder.Record(ctx, entry)
	if err != nil {
		return fmt.Errorf("commit %s: %w", c.to, err)
	}
	if err := db.SaveSession(e.db, &next); err != nil {
		return fmt.Errorf("commit %s: %w", c.to, err)
	}

	s.rec = next
	s.publish()

	e.logger.Info("stage committed",
		logging.SessionID(sid),
		logging.Stage(string(c.to)),
		logging.Progress(progress),
		zap.String("from", string(from)))
	e.notify(ctx, events.Transition{
		Seq:       seq,
		SessionID: sid,
		UserID:    s.rec.UserID,
		DeviceID:  s.rec.DeviceID,
		From:      string(from),
		To:        string(c.to),
		Progress:  progress,
		At:        now.Unix(),
		Data:      c.data,
	})
	return nil
}

func (e *Engine) guard(s *session, from Stage, c change, next *models.FlashSessionRecord) error {
	to := c.to
	var reasons []string
	if op, ok := enteredBy[to]; ok && !c.driven {
		reasons = append(reasons, "stage is only entered by "+op)
	}
	switch to {
	case StageValidating:
		if !next.BackupVerified {
			reasons = append(reasons, "ECU backup not verified")
		}
	case StagePreChecks:
		if s.validation == nil {
			reasons = append(reasons, "no tune validation on record")
		} else if validationBlocked(s.validation) {
			reasons = append(reasons, "validator verdict blocks flashing")
		}
	case StageFlashing:
		if !next.BackupVerified {
			reasons = append(reasons, "ECU backup not verified")
		}
		if !s.preChecksPassed {
			reasons = append(reasons, "pre-checks not passed")
		}
	case StageCompleted:
		if !next.PostFlashVerified {
			reasons = append(reasons, "post-flash verification missing")
		}
	case StageRestoring:
		if !next.BackupVerified {
			reasons = append(reasons, "no verified backup to restore")
		}
		if s.rec.RecoveryAttempted {
			reasons = append(reasons, "recovery already attempted")
		}
	}
	if len(reasons) > 0 {
		return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidTransition, from, to, strings.Join(reasons, "; "))
	}
	return nil
}

// fail commits FAILED, records a HIGH incident and, when a verified backup
// exists and no recovery was attempted, restores it. The returned error
// only reports problems recording the failure or restore.
func (e *Engine) fail(ctx context.Context, s *session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	from := s.stage()
	if from.Terminal() || from == StageFailed {
		return nil
	}
	progress := s.rec.Progress

	msg := cause.Error()
	if err := e.commit(ctx, s, change{
		to:     StageFailed,
		data:   map[string]any{"error": msg, "failed_stage": string(from)},
		mutate: func(r *models.FlashSessionRecord) { r.ErrorMessages = append(r.ErrorMessages, msg) },
	}); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	e.logger.Error("session failed",
		logging.SessionID(s.rec.ID),
		logging.Stage(string(from)),
		zap.Error(cause))

	var errs error
	if err := e.incident(ctx, s, models.SeverityHigh, from, msg, progress); err != nil {
		errs = errors.Join(errs, err)
	}
	if s.rec.BackupVerified && !s.rec.RecoveryAttempted {
		errs = errors.Join(errs, e.restore(ctx, s))
	}
	return errs
}

// restore makes the single automatic recovery attempt.
func (e *Engine) restore(ctx context.Context, s *session) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.commit(ctx, s, change{
		to:     StageRestoring,
		mutate: func(r *models.FlashSessionRecord) { r.RecoveryAttempted = true },
	}); err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}

	var err error
	if s.backup == nil {
		err = errors.New("backup reference missing")
	} else {
		var image []byte
		if image, err = e.backups.Get(ctx, *s.backup); err == nil {
			err = e.transport.Restore(ctx, s.rec.DeviceID, image)
		}
	}

	done := e.now()
	doneUnix := done.Unix()
	duration := float64(doneUnix - s.rec.CreatedAt)
	if s.rec.StartedAt != nil {
		duration = float64(doneUnix - *s.rec.StartedAt)
	}

	if err == nil {
		e.logger.Info("session restored", logging.SessionID(s.rec.ID))
		return e.commit(ctx, s, change{
			to: StageRestored,
			mutate: func(r *models.FlashSessionRecord) {
				r.RecoverySuccessful = true
				r.CompletedAt = &doneUnix
				r.DurationSeconds = &duration
			},
		})
	}

	msg := fmt.Sprintf("restore failed: %v", err)
	e.logger.Error("restore failed", logging.SessionID(s.rec.ID), zap.Error(err))
	progress := s.rec.Progress
	var errs error
	if cerr := e.commit(ctx, s, change{
		to:   StageFailed,
		data: map[string]any{"error": msg, "failed_stage": string(StageRestoring)},
		mutate: func(r *models.FlashSessionRecord) {
			r.RecoverySuccessful = false
			r.ErrorMessages = append(r.ErrorMessages, msg)
			r.CompletedAt = &doneUnix
			r.DurationSeconds = &duration
		},
	}); cerr != nil {
		errs = errors.Join(errs, fmt.Errorf("record restore failure: %w", cerr))
	}
	if ierr := e.incident(ctx, s, models.SeverityCritical, StageRestoring, msg, progress); ierr != nil {
		errs = errors.Join(errs, ierr)
	}
	return errs
}

func (e *Engine) incident(ctx context.Context, s *session, sev models.Severity, stage Stage, msg string, progress int) error {
	in := &models.Incident{
		SessionID: s.rec.ID,
		Severity:  sev,
		Stage:     string(stage),
		Error:     msg,
		Snapshot:  map[string]any{"stage": string(stage), "progress": progress},
	}
	id, err := e.recorder.RecordIncident(ctx, in)
	if err != nil {
		e.logger.Error("incident not recorded", logging.SessionID(s.rec.ID), zap.Error(err))
		return err
	}

	sid := s.rec.ID
	if _, err := e.recorder.Record(ctx, &models.AuditEntry{
		Action:      events.ActionIncidentRecorded,
		Actor:       s.rec.UserID,
		Description: fmt.Sprintf("%s incident %d at %s: %s", sev, id, stage, msg),
		Metadata:    map[string]any{"incident_id": id, "severity": string(sev), "stage": string(stage)},
		SessionID:   &sid,
	}); err != nil {
		e.logger.Error("incident audit entry not recorded", logging.SessionID(sid), zap.Error(err))
		return err
	}
	return nil
}

// honourStop fails the session for a stop requested while its lock was
// held. It returns the stop cause joined with any recording error.
func (e *Engine) honourStop(ctx context.Context, s *session) error {
	req := s.takeStop()
	if req == nil {
		return nil
	}
	if st := s.stage(); st.Terminal() || st.Recovery() {
		return nil
	}
	cause := stopCause(req)
	return errors.Join(cause, e.fail(ctx, s, cause))
}

// stepFailure returns the reason a flash step must fail: a pending stop
// first, then the step's own error.
func stepFailure(s *session, stepErr error, step string) error {
	if req := s.takeStop(); req != nil {
		return stopCause(req)
	}
	if stepErr != nil {
		return fmt.Errorf("%s: %w", step, stepErr)
	}
	return nil
}

func stopCause(req *stopRequest) error {
	return fmt.Errorf("%w by %s: %s", ErrEmergencyStop, req.actor, req.reason)
}

func deviceOf(r *models.FlashSessionRecord) models.Device {
	return models.Device{ID: r.DeviceID, Category: r.DeviceCategory, ECUType: r.ECUType, FirmwareYear: r.FirmwareYear}
}

func validationBlocked(tv *models.TuneValidation) bool {
	return !tv.IsSafe || tv.RiskLevel.Blocking() || tv.Status == models.StatusFailed
}

func verdictIssues(violations []string, risk models.RiskLevel) []string {
	if len(violations) > 0 {
		return append([]string(nil), violations...)
	}
	return []string{fmt.Sprintf("risk level %s blocks flashing", risk)}
}

func initialStatus(r validator.Result) models.ValidationStatus {
	switch {
	case len(r.Violations) > 0 || !r.IsSafe:
		return models.StatusFailed
	case r.RequiresExpertReview:
		return models.StatusRequiresReview
	case len(r.Warnings) > 0:
		return models.StatusConditional
	default:
		return models.StatusPassed
	}
}

func validationLevel(p *calibration.Payload, prof profile.Profile) models.ValidationLevel {
	switch {
	case p.Flags.DynoValidated:
		return models.LevelDyno
	case p.TrackOnly() || prof.TrackOnlyCategory:
		return models.LevelTrack
	case p.Flags.ExpertTune || prof.RequiresExpertReview:
		return models.LevelExpert
	case len(p.AFRTable) == 0 && len(p.IgnitionTable) == 0:
		return models.LevelBasic
	default:
		return models.LevelStandard
	}
}
