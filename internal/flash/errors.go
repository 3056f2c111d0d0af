package flash

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rsclarke/flashguard/internal/calibration"
)

var (
	ErrMalformedPayload  = calibration.ErrMalformedPayload
	ErrChecksumMismatch  = calibration.ErrChecksumMismatch
	ErrUnknownCategory   = errors.New("unknown vehicle category")
	ErrSessionNotFound   = errors.New("flash session not found")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrEmergencyStop     = errors.New("emergency stop")
	ErrVerifyMismatch    = errors.New("device checksum does not match calibration")
	ErrNotReviewable     = errors.New("validation is not awaiting review")
	ErrInvalidDecision   = errors.New("review decision must be PASSED or FAILED")
)

// BlockedError lists every condition that stopped a session from advancing.
type BlockedError struct {
	Stage  Stage
	Issues []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked at %s: %s", e.Stage, strings.Join(e.Issues, "; "))
}

// Has reports whether any issue contains substr.
func (e *BlockedError) Has(substr string) bool {
	for _, issue := range e.Issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}
