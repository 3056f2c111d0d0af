// Package precheck runs the gates a flash session must pass before its
// calibration may be written. Every gate is evaluated so the caller sees
// the full list of problems at once.
package precheck

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/rsclarke/flashguard/internal/models"
)

// ErrInfrastructure marks a gate that could not reach a decision, for
// example because storage was unavailable. It aborts the evaluation.
var ErrInfrastructure = errors.New("precheck infrastructure failure")

// Subject is the state gates inspect.
type Subject struct {
	SessionID           string
	UserID              string
	Device              models.Device
	Stage               string
	BackupVerified      bool
	BikeInSafeMode      bool
	UserConfirmedSafety bool
	RequiredConsents    []models.ConsentType
	Validation          *models.TuneValidation
	// SupportedECUs lists the controller types the tune targets. Empty
	// skips the compatibility check.
	SupportedECUs       []string
}

// Gate is a single pre-flight condition. Check returns nil when the
// condition holds.
type Gate interface {
	ID() string
	Check(ctx context.Context, s *Subject) error
}

// Report is the outcome of evaluating every gate.
type Report struct {
	Passed bool
	Issues []string
	Failed []string
	Err    error
}

// Pipeline evaluates registered gates in registration order.
type Pipeline struct {
	gates  []Gate
	logger *zap.Logger
}

// NewPipeline returns an empty pipeline.
func NewPipeline(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gates:  make([]Gate, 0),
		logger: logger,
	}
}

// Register appends a gate.
func (p *Pipeline) Register(g Gate) {
	p.gates = append(p.gates, g)
}

// Gates lists the registered gate IDs in evaluation order.
func (p *Pipeline) Gates() []string {
	ids := make([]string, 0, len(p.gates))
	for _, g := range p.gates {
		ids = append(ids, g.ID())
	}
	return ids
}

// Evaluate runs every gate against s. Gate failures are collected into the
// report; an infrastructure error stops evaluation and is returned.
func (p *Pipeline) Evaluate(ctx context.Context, s *Subject) (Report, error) {
	var merr *multierror.Error
	report := Report{}

	for _, g := range p.gates {
		err := g.Check(ctx, s)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrInfrastructure) {
			p.logger.Warn("precheck gate could not decide",
				zap.String("gate", g.ID()),
				zap.Error(err))
			return Report{}, fmt.Errorf("gate %s: %w", g.ID(), err)
		}

		p.logger.Info("precheck gate failed",
			zap.String("gate", g.ID()),
			zap.String("session_id", s.SessionID),
			zap.Error(err))
		report.Failed = append(report.Failed, g.ID())
		merr = multierror.Append(merr, err)

		var inner *multierror.Error
		if errors.As(err, &inner) {
			for _, e := range inner.Errors {
				report.Issues = append(report.Issues, e.Error())
			}
		} else {
			report.Issues = append(report.Issues, err.Error())
		}
	}

	report.Err = merr.ErrorOrNil()
	report.Passed = report.Err == nil
	return report, nil
}
