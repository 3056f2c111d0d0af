// Package profile holds the per-category safety envelopes a calibration is
// validated against. A Registry is loaded once and is read-only afterwards,
// so it may be shared across goroutines without locking.
package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// Profile is the numeric safety envelope for one vehicle category.
type Profile struct {
	Category             string  `yaml:"category" json:"category"`
	MaxRPM               int     `yaml:"max_rpm" json:"max_rpm"`
	RPMWarningThreshold  int     `yaml:"rpm_warning_threshold" json:"rpm_warning_threshold"`
	MinAFR               float64 `yaml:"min_afr" json:"min_afr"`
	MaxAFR               float64 `yaml:"max_afr" json:"max_afr"`
	AFRWarningLean       float64 `yaml:"afr_warning_lean" json:"afr_warning_lean"`
	AFRWarningRich       float64 `yaml:"afr_warning_rich" json:"afr_warning_rich"`
	MinIgnitionAdvance   float64 `yaml:"min_ignition_advance" json:"min_ignition_advance"`
	MaxIgnitionAdvance   float64 `yaml:"max_ignition_advance" json:"max_ignition_advance"`
	MaxBoostPSI          float64 `yaml:"max_boost_psi" json:"max_boost_psi"`
	MaxFuelPressurePSI   float64 `yaml:"max_fuel_pressure_psi" json:"max_fuel_pressure_psi"`
	MaxCoolantTempC      float64 `yaml:"max_coolant_temp_c" json:"max_coolant_temp_c"`
	MaxEGTC              float64 `yaml:"max_egt_c" json:"max_egt_c"`
	MaxIntakeTempC       float64 `yaml:"max_intake_temp_c" json:"max_intake_temp_c"`
	MaxEngineLoad        float64 `yaml:"max_engine_load" json:"max_engine_load"`
	RequiresExpertReview bool    `yaml:"requires_expert_review" json:"requires_expert_review"`
	TrackOnlyCategory    bool    `yaml:"track_only_category" json:"track_only_category"`
}

// Validate checks that warning thresholds sit strictly inside their bounds.
// Every broken invariant is reported.
func (p Profile) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("profile %s: "+format, append([]any{p.Category}, args...)...))
	}

	if p.Category == "" {
		errs = multierror.Append(errs, fmt.Errorf("profile: category is required"))
	}
	if p.MaxRPM <= 0 {
		fail("max_rpm must be positive")
	}
	if p.RPMWarningThreshold <= 0 || p.RPMWarningThreshold >= p.MaxRPM {
		fail("rpm_warning_threshold %d must be inside (0, %d)", p.RPMWarningThreshold, p.MaxRPM)
	}
	if !(p.MinAFR > 0 && p.MinAFR < p.AFRWarningLean && p.AFRWarningLean < p.AFRWarningRich && p.AFRWarningRich < p.MaxAFR) {
		fail("afr bands must satisfy 0 < min_afr < afr_warning_lean < afr_warning_rich < max_afr (got %.2f/%.2f/%.2f/%.2f)",
			p.MinAFR, p.AFRWarningLean, p.AFRWarningRich, p.MaxAFR)
	}
	if p.MinIgnitionAdvance >= p.MaxIgnitionAdvance {
		fail("min_ignition_advance %.1f must be below max_ignition_advance %.1f", p.MinIgnitionAdvance, p.MaxIgnitionAdvance)
	}
	ceilings := []struct {
		name  string
		value float64
	}{
		{"max_boost_psi", p.MaxBoostPSI},
		{"max_fuel_pressure_psi", p.MaxFuelPressurePSI},
		{"max_coolant_temp_c", p.MaxCoolantTempC},
		{"max_egt_c", p.MaxEGTC},
		{"max_intake_temp_c", p.MaxIntakeTempC},
		{"max_engine_load", p.MaxEngineLoad},
	}
	for _, c := range ceilings {
		if c.value < 0 {
			fail("%s must not be negative", c.name)
		}
	}

	return errs.ErrorOrNil()
}

// Registry is an immutable set of profiles keyed by upper-case category.
type Registry struct {
	profiles map[string]Profile
}

type document struct {
	Profiles []Profile `yaml:"profiles"`
}

// Default returns the registry built from the embedded profile table.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultProfiles))
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML profile document and validates every profile in it.
func Load(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, fmt.Errorf("decode profiles: no profiles defined")
	}

	var errs *multierror.Error
	reg := &Registry{profiles: make(map[string]Profile, len(doc.Profiles))}
	for _, p := range doc.Profiles {
		p.Category = normalize(p.Category)
		if err := p.Validate(); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, dup := reg.profiles[p.Category]; dup {
			errs = multierror.Append(errs, fmt.Errorf("profile %s: duplicate category", p.Category))
			continue
		}
		reg.profiles[p.Category] = p
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Lookup returns the profile for a category. The match is case-insensitive.
func (r *Registry) Lookup(category string) (Profile, bool) {
	p, ok := r.profiles[normalize(category)]
	return p, ok
}

// Categories lists the registered categories in sorted order.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.profiles))
	for c := range r.profiles {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func normalize(category string) string {
	return strings.ToUpper(strings.TrimSpace(category))
}
