// Package advisory reads non-binding risk hints produced by an external
// scorer. Hints are shown to reviewers and stored alongside a validation;
// they never change a verdict.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/models"
)

// ErrInvalidHint is returned for scorer output that is not a usable hint.
var ErrInvalidHint = errors.New("invalid advisory hint")

// Hint is an advisory opinion about a payload.
type Hint struct {
	RiskHint    models.RiskLevel `json:"risk_hint"`
	Explanation string           `json:"explanation,omitempty"`
	Source      string           `json:"source,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
}

// Scorer produces raw advisory JSON for a payload.
type Scorer interface {
	Score(ctx context.Context, p *calibration.Payload) ([]byte, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, p *calibration.Payload) ([]byte, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, p *calibration.Payload) ([]byte, error) {
	return f(ctx, p)
}

// ParseHint extracts a hint from scorer output. The fields may sit at the
// top level or under a "result" object.
func ParseHint(raw []byte) (Hint, error) {
	if !gjson.ValidBytes(raw) {
		return Hint{}, fmt.Errorf("%w: not valid JSON", ErrInvalidHint)
	}

	root := gjson.ParseBytes(raw)
	if nested := root.Get("result"); nested.IsObject() && nested.Get("risk_hint").Exists() {
		root = nested
	}

	risk := root.Get("risk_hint")
	if !risk.Exists() || risk.Type != gjson.String {
		return Hint{}, fmt.Errorf("%w: risk_hint missing", ErrInvalidHint)
	}
	level := models.RiskLevel(strings.ToUpper(strings.TrimSpace(risk.String())))
	if level.Rank() < 0 {
		return Hint{}, fmt.Errorf("%w: unknown risk level %q", ErrInvalidHint, risk.String())
	}

	return Hint{
		RiskHint:    level,
		Explanation: root.Get("explanation").String(),
		Source:      gjson.GetBytes(raw, "source").String(),
		Confidence:  root.Get("confidence").Float(),
	}, nil
}

// Fetch asks s for a hint about p and parses the answer.
func Fetch(ctx context.Context, s Scorer, p *calibration.Payload) (Hint, error) {
	raw, err := s.Score(ctx, p)
	if err != nil {
		return Hint{}, fmt.Errorf("score payload: %w", err)
	}
	return ParseHint(raw)
}
