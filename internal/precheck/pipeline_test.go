package precheck

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/consent"
	"github.com/rsclarke/flashguard/internal/models"
)

type mockGate struct {
	id    string
	err   error
	calls *[]string
}

func (m *mockGate) ID() string { return m.id }

func (m *mockGate) Check(_ context.Context, _ *Subject) error {
	if m.calls != nil {
		*m.calls = append(*m.calls, m.id)
	}
	return m.err
}

type mockLedger struct {
	check consent.Check
	err   error
}

func (m *mockLedger) CheckConsents(_ context.Context, _ string, _ []models.ConsentType) (consent.Check, error) {
	return m.check, m.err
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context, string) error { return m.err }

func TestPipelineEvaluatesEveryGate(t *testing.T) {
	var calls []string
	p := NewPipeline(zap.NewNop())
	p.Register(&mockGate{id: "a", calls: &calls})
	p.Register(&mockGate{id: "b", err: errors.New("b failed"), calls: &calls})
	p.Register(&mockGate{id: "c", err: errors.New("c failed"), calls: &calls})

	report, err := p.Evaluate(context.Background(), &Subject{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !reflect.DeepEqual(calls, []string{"a", "b", "c"}) {
		t.Errorf("calls = %v", calls)
	}
	if report.Passed {
		t.Error("expected report to fail")
	}
	if !reflect.DeepEqual(report.Issues, []string{"b failed", "c failed"}) {
		t.Errorf("Issues = %v", report.Issues)
	}
	if !reflect.DeepEqual(report.Failed, []string{"b", "c"}) {
		t.Errorf("Failed = %v", report.Failed)
	}
	if !reflect.DeepEqual(p.Gates(), []string{"a", "b", "c"}) {
		t.Errorf("Gates() = %v", p.Gates())
	}
}

func TestPipelineInfrastructureAborts(t *testing.T) {
	var calls []string
	p := NewPipeline(nil)
	p.Register(&mockGate{id: "a", err: errors.New("a failed"), calls: &calls})
	p.Register(&mockGate{id: "db", err: ErrInfrastructure, calls: &calls})
	p.Register(&mockGate{id: "c", calls: &calls})

	_, err := p.Evaluate(context.Background(), &Subject{})
	if !errors.Is(err, ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("evaluation should stop at the infrastructure failure, calls = %v", calls)
	}
}

func TestPipelinePasses(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(&mockGate{id: "a"})
	report, err := p.Evaluate(context.Background(), &Subject{})
	if err != nil || !report.Passed || len(report.Issues) != 0 {
		t.Errorf("expected clean pass, got %+v %v", report, err)
	}
}

func TestSixGates(t *testing.T) {
	now := time.Unix(1700000000, 0)
	expired := now.Add(-time.Hour).Unix()

	p := NewPipeline(nil)
	p.Register(ConsentGate{Ledger: &mockLedger{check: consent.Check{Missing: []models.ConsentType{models.ConsentLiabilityWaiver}}}})
	p.Register(SafetyStateGate{})
	p.Register(BackupGate{})
	p.Register(ValidationGate{Now: func() time.Time { return now }})
	p.Register(HardwareGate{Transport: mockPinger{err: errors.New("no response")}})
	p.Register(ReadinessGate{Stage: "VALIDATING", Probes: []Probe{
		{Name: "database", Check: func(context.Context) error { return nil }},
		{Name: "backup store", Check: func(context.Context) error { return errors.New("disk full") }},
	}})

	s := &Subject{
		Stage:      "PREPARING",
		Validation: &models.TuneValidation{ID: 7, Status: models.StatusConditional, ExpiresAt: &expired},
	}
	report, err := p.Evaluate(context.Background(), s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	want := []string{
		"consent LIABILITY_WAIVER not granted",
		"bike not in safe mode",
		"user has not confirmed safety precautions",
		"ECU backup not verified",
		"tune validation 7 is CONDITIONAL, PASSED required",
		"tune validation 7 expired",
		"hardware link check failed: no response",
		"session is at PREPARING, VALIDATING required",
		"backup store not ready: disk full",
	}
	if !reflect.DeepEqual(report.Issues, want) {
		t.Errorf("Issues =\n%s\nwant\n%s", strings.Join(report.Issues, "\n"), strings.Join(want, "\n"))
	}
	if len(report.Failed) != 6 {
		t.Errorf("expected all six gates to fail, got %v", report.Failed)
	}
}

func TestGatesPass(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(ConsentGate{Ledger: &mockLedger{check: consent.Check{OK: true}}})
	p.Register(SafetyStateGate{})
	p.Register(BackupGate{})
	p.Register(ValidationGate{})
	p.Register(HardwareGate{Transport: mockPinger{}})
	p.Register(ReadinessGate{Stage: "VALIDATING"})

	s := &Subject{
		Stage:               "VALIDATING",
		BackupVerified:      true,
		BikeInSafeMode:      true,
		UserConfirmedSafety: true,
		Validation:          &models.TuneValidation{Status: models.StatusPassed},
	}
	report, err := p.Evaluate(context.Background(), s)
	if err != nil || !report.Passed {
		t.Errorf("expected pass, got %+v %v", report, err)
	}
}

func TestConsentGateStoreFailure(t *testing.T) {
	g := ConsentGate{Ledger: &mockLedger{err: errors.New("database is locked")}}
	if err := g.Check(context.Background(), &Subject{}); !errors.Is(err, ErrInfrastructure) {
		t.Errorf("expected ErrInfrastructure, got %v", err)
	}
}

func TestValidationGateMissing(t *testing.T) {
	err := ValidationGate{}.Check(context.Background(), &Subject{})
	if err == nil || !strings.Contains(err.Error(), "no tune validation") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestHardwareGateECUCompatibility(t *testing.T) {
	g := HardwareGate{Transport: mockPinger{}}
	tests := []struct {
		name      string
		ecu       string
		supported []string
		wantErr   bool
	}{
		{"listed", "BOSCH_ME17", []string{"BOSCH_ME17", "DELPHI_MT05"}, false},
		{"case insensitive", "bosch_me17", []string{"BOSCH_ME17"}, false},
		{"unknown device type", "", []string{"BOSCH_ME17"}, false},
		{"mismatch", "KEIHIN_KM", []string{"BOSCH_ME17"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Subject{Device: models.Device{ID: "bike-1", ECUType: tt.ecu}, SupportedECUs: tt.supported}
			err := g.Check(context.Background(), s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), "ECU type KEIHIN_KM not supported by tune") {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestHardwareGateReportsLinkAndECU(t *testing.T) {
	p := NewPipeline(nil)
	p.Register(HardwareGate{Transport: mockPinger{err: errors.New("no response")}})

	s := &Subject{Device: models.Device{ID: "bike-1", ECUType: "KEIHIN_KM"}, SupportedECUs: []string{"BOSCH_ME17"}}
	report, err := p.Evaluate(context.Background(), s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []string{
		"hardware link check failed: no response",
		"ECU type KEIHIN_KM not supported by tune (requires BOSCH_ME17)",
	}
	if !reflect.DeepEqual(report.Issues, want) {
		t.Errorf("Issues = %v, want %v", report.Issues, want)
	}
}
