// Package calibration defines the typed calibration payload produced by an
// upstream extractor and the input checks applied before it is validated.
package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrMalformedPayload marks a payload that is missing required fields or
	// carries values that cannot be interpreted.
	ErrMalformedPayload = errors.New("malformed calibration payload")
	// ErrChecksumMismatch marks a payload whose declared checksum does not
	// match its content.
	ErrChecksumMismatch = errors.New("calibration checksum mismatch")
)

// RPMLimit holds the soft and hard rev limiter settings.
type RPMLimit struct {
	Soft int `json:"soft"`
	Hard int `json:"hard"`
}

// Shape is the declared dimension of the fuel and ignition maps.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Cells returns the number of cells a table of this shape holds.
func (s Shape) Cells() int { return s.Rows * s.Cols }

// Temps are optional temperature limit overrides. Nil means not present.
type Temps struct {
	CoolantC *float64 `json:"coolant_c,omitempty"`
	EGTC     *float64 `json:"egt_c,omitempty"`
	IntakeC  *float64 `json:"intake_c,omitempty"`
}

// ECU describes the controllers the calibration targets.
type ECU struct {
	RequiredTypes []string `json:"required_types"`
	ExpectedSize  int64    `json:"expected_size,omitempty"`
}

// Claims are the performance gains advertised by the tune author.
type Claims struct {
	HPGain     float64 `json:"hp_gain,omitempty"`
	TorqueGain float64 `json:"torque_gain,omitempty"`
}

// Flags describe how the tune is meant to be used.
type Flags struct {
	TrackOnly     bool `json:"track_only,omitempty"`
	RaceMode      bool `json:"race_mode,omitempty"`
	ExpertTune    bool `json:"expert_tune,omitempty"`
	DynoValidated bool `json:"dyno_validated,omitempty"`
}

// Payload is an extracted calibration ready for validation. Pointer fields
// are optional; a nil pointer means the extractor found no such value.
type Payload struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RPMLimit        RPMLimit  `json:"rpm_limit"`
	Shape           Shape     `json:"shape"`
	AFRTable        []float64 `json:"afr_table,omitempty"`
	IgnitionTable   []float64 `json:"ignition_table,omitempty"`
	BoostPSI        *float64  `json:"boost_psi,omitempty"`
	FuelPressurePSI *float64  `json:"fuel_pressure_psi,omitempty"`
	LoadLimit       *float64  `json:"load_limit,omitempty"`
	Temps           Temps     `json:"temps"`
	ECU             ECU       `json:"ecu"`
	Claims          Claims    `json:"claims"`
	Flags           Flags     `json:"flags"`
	Checksum        string    `json:"checksum"`
	Content         []byte    `json:"content"`
}

// Checksum returns the lowercase hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ChecksumValid reports whether the declared checksum matches the content.
func (p *Payload) ChecksumValid() bool {
	return p.Checksum == Checksum(p.Content)
}

// VerifyChecksum returns an error wrapping ErrChecksumMismatch when the
// declared checksum does not match the content.
func (p *Payload) VerifyChecksum() error {
	if computed := Checksum(p.Content); computed != p.Checksum {
		return fmt.Errorf("%w: declared %s, computed %s", ErrChecksumMismatch, p.Checksum, computed)
	}
	return nil
}

// SupportsECU reports whether the tune lists ecuType among its required
// controller types. An unknown device type is not rejected here.
func (p *Payload) SupportsECU(ecuType string) bool {
	ecuType = strings.TrimSpace(ecuType)
	if ecuType == "" {
		return true
	}
	for _, t := range p.ECU.RequiredTypes {
		if strings.EqualFold(strings.TrimSpace(t), ecuType) {
			return true
		}
	}
	return false
}

// TrackOnly reports whether the tune is flagged for closed-course use.
func (p *Payload) TrackOnly() bool {
	return p.Flags.TrackOnly || p.Flags.RaceMode
}

// Validate reports every input problem at once. Out-of-envelope values are
// not input problems; those are the validator's concern.
func (p *Payload) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrMalformedPayload}, args...)...))
	}

	if p.ID == "" {
		add("id is required")
	}
	if p.Checksum == "" {
		add("checksum is required")
	} else if b, err := hex.DecodeString(p.Checksum); err != nil || len(b) != sha256.Size {
		add("checksum must be %d hex characters", sha256.Size*2)
	}
	if len(p.Content) == 0 {
		add("content is required")
	}
	if p.Shape.Rows < 0 || p.Shape.Cols < 0 {
		add("shape %dx%d must not be negative", p.Shape.Rows, p.Shape.Cols)
	}
	if (len(p.AFRTable) > 0 || len(p.IgnitionTable) > 0) && p.Shape.Cells() == 0 {
		add("shape is required when tables are present")
	}
	if p.RPMLimit.Soft < 0 || p.RPMLimit.Hard < 0 {
		add("rpm limits must not be negative")
	}
	if p.ECU.ExpectedSize < 0 {
		add("ecu.expected_size must not be negative")
	}
	checkFinite := func(name string, values []float64) {
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				add("%s cell %d is not a finite number", name, i)
			}
		}
	}
	checkFinite("afr_table", p.AFRTable)
	checkFinite("ignition_table", p.IgnitionTable)

	return errs.ErrorOrNil()
}
