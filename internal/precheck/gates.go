package precheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rsclarke/flashguard/internal/consent"
	"github.com/rsclarke/flashguard/internal/models"
)

// ConsentChecker reports which required consents a user holds.
type ConsentChecker interface {
	CheckConsents(ctx context.Context, userID string, required []models.ConsentType) (consent.Check, error)
}

// Pinger checks the device link.
type Pinger interface {
	Ping(ctx context.Context, deviceID string) error
}

// Probe is a readiness check on a supporting system.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ConsentGate requires every consent in Subject.RequiredConsents.
type ConsentGate struct {
	Ledger ConsentChecker
}

func (ConsentGate) ID() string { return "consents" }

func (g ConsentGate) Check(ctx context.Context, s *Subject) error {
	check, err := g.Ledger.CheckConsents(ctx, s.UserID, s.RequiredConsents)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInfrastructure, err)
	}
	if check.OK {
		return nil
	}
	var merr *multierror.Error
	for _, issue := range check.Issues() {
		merr = multierror.Append(merr, errors.New(issue))
	}
	return merr.ErrorOrNil()
}

// SafetyStateGate requires the bike in safe mode and the rider's
// confirmation of the safety precautions.
type SafetyStateGate struct{}

func (SafetyStateGate) ID() string { return "safety_state" }

func (SafetyStateGate) Check(_ context.Context, s *Subject) error {
	var merr *multierror.Error
	if !s.BikeInSafeMode {
		merr = multierror.Append(merr, errors.New("bike not in safe mode"))
	}
	if !s.UserConfirmedSafety {
		merr = multierror.Append(merr, errors.New("user has not confirmed safety precautions"))
	}
	return merr.ErrorOrNil()
}

// BackupGate requires a verified ECU backup.
type BackupGate struct{}

func (BackupGate) ID() string { return "backup" }

func (BackupGate) Check(_ context.Context, s *Subject) error {
	if !s.BackupVerified {
		return errors.New("ECU backup not verified")
	}
	return nil
}

// ValidationGate requires an unexpired PASSED validation.
type ValidationGate struct {
	Now func() time.Time
}

func (ValidationGate) ID() string { return "validation" }

func (g ValidationGate) Check(_ context.Context, s *Subject) error {
	v := s.Validation
	if v == nil {
		return errors.New("no tune validation on record")
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	var merr *multierror.Error
	if v.Status != models.StatusPassed {
		merr = multierror.Append(merr, fmt.Errorf("tune validation %d is %s, PASSED required", v.ID, v.Status))
	}
	if v.Expired(now()) {
		merr = multierror.Append(merr, fmt.Errorf("tune validation %d expired", v.ID))
	}
	return merr.ErrorOrNil()
}

// HardwareGate requires a responsive device link and a controller the tune
// was built for.
type HardwareGate struct {
	Transport Pinger
}

func (HardwareGate) ID() string { return "hardware" }

func (g HardwareGate) Check(ctx context.Context, s *Subject) error {
	var merr *multierror.Error
	if err := g.Transport.Ping(ctx, s.Device.ID); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("hardware link check failed: %v", err))
	}
	if err := ecuCompatible(s.Device.ECUType, s.SupportedECUs); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

func ecuCompatible(ecuType string, supported []string) error {
	ecuType = strings.TrimSpace(ecuType)
	if ecuType == "" || len(supported) == 0 {
		return nil
	}
	for _, t := range supported {
		if strings.EqualFold(strings.TrimSpace(t), ecuType) {
			return nil
		}
	}
	return fmt.Errorf("ECU type %s not supported by tune (requires %s)", ecuType, strings.Join(supported, ", "))
}

// ReadinessGate requires the session to be at the expected stage and every
// probe to succeed.
type ReadinessGate struct {
	Stage  string
	Probes []Probe
}

func (ReadinessGate) ID() string { return "readiness" }

func (g ReadinessGate) Check(ctx context.Context, s *Subject) error {
	var merr *multierror.Error
	if g.Stage != "" && s.Stage != g.Stage {
		merr = multierror.Append(merr, fmt.Errorf("session is at %s, %s required", s.Stage, g.Stage))
	}
	for _, p := range g.Probes {
		if err := p.Check(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s not ready: %v", p.Name, err))
		}
	}
	return merr.ErrorOrNil()
}
