package models

import (
	"testing"
	"time"
)

func TestRiskLevelOrdering(t *testing.T) {
	tests := []struct {
		level    RiskLevel
		blocking bool
	}{
		{RiskMinimal, false},
		{RiskLow, false},
		{RiskMedium, false},
		{RiskHigh, true},
		{RiskCritical, true},
		{RiskLevel("BOGUS"), false},
	}
	for _, tt := range tests {
		if got := tt.level.Blocking(); got != tt.blocking {
			t.Errorf("%s.Blocking() = %v, want %v", tt.level, got, tt.blocking)
		}
	}
	if !RiskCritical.AtLeast(RiskHigh) {
		t.Error("CRITICAL should be at least HIGH")
	}
	if RiskLow.AtLeast(RiskMedium) {
		t.Error("LOW should not be at least MEDIUM")
	}
}

func TestValidationStatusReviewable(t *testing.T) {
	for _, s := range []ValidationStatus{StatusPending, StatusConditional, StatusRequiresReview} {
		if !s.Reviewable() {
			t.Errorf("%s should be reviewable", s)
		}
	}
	for _, s := range []ValidationStatus{StatusPassed, StatusFailed} {
		if s.Reviewable() {
			t.Errorf("%s should not be reviewable", s)
		}
	}
}

func TestTuneValidationExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := &TuneValidation{}
	if v.Expired(now) {
		t.Error("validation without expiry should not expire")
	}
	past := now.Unix() - 1
	v.ExpiresAt = &past
	if !v.Expired(now) {
		t.Error("validation with past expiry should be expired")
	}
	future := now.Unix() + 60
	v.ExpiresAt = &future
	if v.Expired(now) {
		t.Error("validation with future expiry should not be expired")
	}
}
