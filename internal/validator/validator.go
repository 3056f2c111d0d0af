// Package validator decides whether a calibration payload is safe to flash
// for a vehicle category. Validation is pure: the same payload, profile and
// policy always produce the same Result.
package validator

import (
	"fmt"
	"math"
	"strings"

	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/models"
	"github.com/rsclarke/flashguard/internal/profile"
)

// Policy holds the tunable thresholds used to grade a verdict.
type Policy struct {
	MediumWarningThreshold int     `json:"medium_warning_threshold"`
	LowWarningThreshold    int     `json:"low_warning_threshold"`
	SizeTolerance          float64 `json:"size_tolerance"`
	LeadingBlockSize       int     `json:"leading_block_size"`
	MaxHPClaim             float64 `json:"max_hp_claim"`
	MaxTorqueClaim         float64 `json:"max_torque_claim"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MediumWarningThreshold: 5,
		LowWarningThreshold:    2,
		SizeTolerance:          0.10,
		LeadingBlockSize:       256,
		MaxHPClaim:             50,
		MaxTorqueClaim:         40,
	}
}

// Result is the verdict for one payload against one profile.
type Result struct {
	IsSafe               bool             `json:"is_safe"`
	RiskLevel            models.RiskLevel `json:"risk_level"`
	Violations           []string         `json:"violations"`
	Warnings             []string         `json:"warnings"`
	ValidationData       map[string]any   `json:"validation_data"`
	RequiresExpertReview bool             `json:"requires_expert_review"`
	ChecksumValid        bool             `json:"checksum_valid"`
	ParameterCheckPassed bool             `json:"parameter_check_passed"`
}

// Blocked reports whether the verdict forbids flashing.
func (r Result) Blocked() bool {
	return !r.IsSafe || r.RiskLevel.Blocking()
}

func (r Result) clone() Result {
	out := r
	out.Violations = append([]string{}, r.Violations...)
	out.Warnings = append([]string{}, r.Warnings...)
	out.ValidationData = make(map[string]any, len(r.ValidationData))
	for k, v := range r.ValidationData {
		out.ValidationData[k] = v
	}
	return out
}

// Phrases that mark a violation as critical.
var criticalVocabulary = []string{"dangerously lean", "exceeds safe maximum", "corrupted"}

// Validator grades payloads under a Policy.
type Validator struct {
	Policy Policy
}

// New returns a Validator using policy.
func New(policy Policy) *Validator {
	return &Validator{Policy: policy}
}

// Validate grades p against prof using the default policy.
func Validate(p *calibration.Payload, prof profile.Profile) Result {
	return New(DefaultPolicy()).Validate(p, prof)
}

type findings struct {
	violations []string
	warnings   []string
}

func (f *findings) violate(format string, args ...any) {
	f.violations = append(f.violations, fmt.Sprintf(format, args...))
}

func (f *findings) warn(format string, args ...any) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
}

// Validate runs every check in a fixed order. A failing check never stops
// the later ones.
func (v *Validator) Validate(p *calibration.Payload, prof profile.Profile) Result {
	f := &findings{}
	data := map[string]any{
		"profile_category": prof.Category,
		"content_size":     len(p.Content),
		"afr_cells":        len(p.AFRTable),
		"ignition_cells":   len(p.IgnitionTable),
	}

	computed := calibration.Checksum(p.Content)
	data["computed_checksum"] = computed
	data["declared_checksum"] = p.Checksum
	checksumValid := computed == p.Checksum
	if !checksumValid {
		f.violate("checksum mismatch: declared %s, computed %s; calibration content may be corrupted", p.Checksum, computed)
	}

	before := len(f.violations)
	checkRPM(f, p, prof)
	checkAFR(f, p, prof, data)
	checkIgnition(f, p, prof)
	checkCeilings(f, p, prof)
	checkTemps(f, p, prof)
	checkECU(f, p)
	parameterCheckPassed := len(f.violations) == before

	v.checkStructure(f, p)
	v.checkClaims(f, p)

	trackOnly := p.Flags.TrackOnly || p.Flags.RaceMode || prof.TrackOnlyCategory
	risk := v.grade(f, trackOnly)

	data["violation_count"] = len(f.violations)
	data["warning_count"] = len(f.warnings)
	data["track_only"] = trackOnly

	res := Result{
		IsSafe:               len(f.violations) == 0 && !risk.Blocking(),
		RiskLevel:            risk,
		Violations:           append([]string{}, f.violations...),
		Warnings:             append([]string{}, f.warnings...),
		ValidationData:       data,
		ChecksumValid:        checksumValid,
		ParameterCheckPassed: parameterCheckPassed,
	}
	res.RequiresExpertReview = risk.Blocking() ||
		prof.RequiresExpertReview ||
		p.Flags.ExpertTune ||
		(trackOnly && !p.Flags.DynoValidated)
	return res
}

func (v *Validator) grade(f *findings, trackOnly bool) models.RiskLevel {
	var risk models.RiskLevel
	switch {
	case hasCritical(f.violations):
		risk = models.RiskCritical
	case len(f.violations) > 0:
		risk = models.RiskHigh
	case len(f.warnings) > v.Policy.MediumWarningThreshold:
		risk = models.RiskMedium
	case len(f.warnings) > v.Policy.LowWarningThreshold:
		risk = models.RiskLow
	default:
		risk = models.RiskMinimal
	}
	if trackOnly && !risk.AtLeast(models.RiskMedium) {
		risk = models.RiskMedium
	}
	return risk
}

func hasCritical(violations []string) bool {
	for _, msg := range violations {
		for _, phrase := range criticalVocabulary {
			if strings.Contains(msg, phrase) {
				return true
			}
		}
	}
	return false
}

func checkRPM(f *findings, p *calibration.Payload, prof profile.Profile) {
	limits := []struct {
		name  string
		value int
	}{
		{"soft", p.RPMLimit.Soft},
		{"hard", p.RPMLimit.Hard},
	}
	for _, l := range limits {
		switch {
		case l.value > prof.MaxRPM:
			f.violate("%s rpm limit %d exceeds safe maximum %d", l.name, l.value, prof.MaxRPM)
		case l.value > prof.RPMWarningThreshold:
			f.warn("%s rpm limit %d above warning threshold %d", l.name, l.value, prof.RPMWarningThreshold)
		}
	}
}

func checkShape(f *findings, table string, cells int, shape calibration.Shape) {
	if cells > 0 && cells != shape.Cells() {
		f.violate("%s table has %d cells, shape %dx%d requires %d", table, cells, shape.Rows, shape.Cols, shape.Cells())
	}
}

func checkAFR(f *findings, p *calibration.Payload, prof profile.Profile, data map[string]any) {
	if len(p.AFRTable) == 0 {
		return
	}
	checkShape(f, "AFR", len(p.AFRTable), p.Shape)

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, afr := range p.AFRTable {
		lo, hi = math.Min(lo, afr), math.Max(hi, afr)
		switch {
		case afr < prof.MinAFR:
			f.violate("AFR cell %d value %.2f dangerously lean (below minimum %.2f)", i, afr, prof.MinAFR)
		case afr > prof.MaxAFR:
			f.violate("AFR cell %d value %.2f too rich (above maximum %.2f)", i, afr, prof.MaxAFR)
		case afr < prof.AFRWarningLean:
			f.warn("AFR cell %d value %.2f approaching lean limit (warning below %.2f)", i, afr, prof.AFRWarningLean)
		case afr > prof.AFRWarningRich:
			f.warn("AFR cell %d value %.2f approaching rich limit (warning above %.2f)", i, afr, prof.AFRWarningRich)
		}
	}
	data["afr_observed_min"] = lo
	data["afr_observed_max"] = hi
}

func checkIgnition(f *findings, p *calibration.Payload, prof profile.Profile) {
	if len(p.IgnitionTable) == 0 {
		return
	}
	checkShape(f, "ignition", len(p.IgnitionTable), p.Shape)

	for i, adv := range p.IgnitionTable {
		switch {
		case adv > prof.MaxIgnitionAdvance:
			f.violate("ignition cell %d advance %.1f exceeds safe maximum %.1f", i, adv, prof.MaxIgnitionAdvance)
		case adv < prof.MinIgnitionAdvance:
			f.violate("ignition cell %d advance %.1f below minimum %.1f", i, adv, prof.MinIgnitionAdvance)
		}
	}
}

func checkCeilings(f *findings, p *calibration.Payload, prof profile.Profile) {
	ceilings := []struct {
		name  string
		value *float64
		max   float64
		unit  string
	}{
		{"boost pressure", p.BoostPSI, prof.MaxBoostPSI, " psi"},
		{"fuel pressure", p.FuelPressurePSI, prof.MaxFuelPressurePSI, " psi"},
		{"engine load limit", p.LoadLimit, prof.MaxEngineLoad, ""},
	}
	for _, c := range ceilings {
		if c.value != nil && *c.value > c.max {
			f.violate("%s %.1f%s exceeds safe maximum %.1f%s", c.name, *c.value, c.unit, c.max, c.unit)
		}
	}
}

func checkTemps(f *findings, p *calibration.Payload, prof profile.Profile) {
	temps := []struct {
		name  string
		value *float64
		max   float64
	}{
		{"coolant temperature", p.Temps.CoolantC, prof.MaxCoolantTempC},
		{"exhaust gas temperature", p.Temps.EGTC, prof.MaxEGTC},
		{"intake temperature", p.Temps.IntakeC, prof.MaxIntakeTempC},
	}
	for _, t := range temps {
		if t.value != nil && *t.value > t.max {
			f.violate("%s override %.1fC exceeds safe maximum %.1fC", t.name, *t.value, t.max)
		}
	}
}

func checkECU(f *findings, p *calibration.Payload) {
	for _, t := range p.ECU.RequiredTypes {
		if strings.TrimSpace(t) != "" {
			return
		}
	}
	f.violate("no compatible ECU type declared")
}

func (v *Validator) checkStructure(f *findings, p *calibration.Payload) {
	size := int64(len(p.Content))
	if expected := p.ECU.ExpectedSize; expected > 0 {
		deviation := math.Abs(float64(size-expected)) / float64(expected)
		if deviation > v.Policy.SizeTolerance {
			f.warn("calibration size %d bytes deviates %.1f%% from expected %d bytes", size, deviation*100, expected)
		}
	}

	block := v.Policy.LeadingBlockSize
	if block <= 0 || len(p.Content) == 0 {
		return
	}
	if block > len(p.Content) {
		block = len(p.Content)
	}
	for _, b := range p.Content[:block] {
		if b != 0 {
			return
		}
	}
	f.violate("calibration image corrupted: leading %d-byte block is all zero", block)
}

func (v *Validator) checkClaims(f *findings, p *calibration.Payload) {
	if p.Claims.HPGain > v.Policy.MaxHPClaim {
		f.warn("claimed horsepower gain %.1f is above %.1f and unverified", p.Claims.HPGain, v.Policy.MaxHPClaim)
	}
	if p.Claims.TorqueGain > v.Policy.MaxTorqueClaim {
		f.warn("claimed torque gain %.1f is above %.1f and unverified", p.Claims.TorqueGain, v.Policy.MaxTorqueClaim)
	}
}
