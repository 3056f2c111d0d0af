// Package events defines the transition notifications published by the flash
// engine and the action names written to the audit log.
package events

// Audit actions.
const (
	ActionSessionCreated     = "flash.session_created"
	ActionSessionBlocked     = "flash.session_blocked"
	ActionStageTransition    = "flash.stage_transition"
	ActionEmergencyStop      = "flash.emergency_stop"
	ActionPreChecksBlocked   = "flash.prechecks_blocked"
	ActionValidationCreated  = "validation.created"
	ActionValidationReused   = "validation.reused"
	ActionValidationReviewed = "validation.reviewed"
	ActionConsentGranted     = "consent.granted"
	ActionConsentRevoked     = "consent.revoked"
	ActionIncidentRecorded   = "incident.recorded"
)

// Transition is a committed stage change of a flash session.
type Transition struct {
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	DeviceID  string         `json:"device_id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Progress  int            `json:"progress"`
	At        int64          `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the transition ended the session.
func (t Transition) Terminal() bool {
	return t.To == "COMPLETED" || t.To == "RESTORED"
}
