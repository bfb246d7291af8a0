package services

import (
	"testing"
	"time"

	"membership-portal/models"
)

func TestDeriveStatus(t *testing.T) {
	now := baseTime
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name       string
		ref        models.Referral
		membership models.MembershipStatus
		want       models.ReferralStatus
	}{
		{"template", models.Referral{}, "", models.ReferralStatusPending},
		{"signed up", models.Referral{SignedUpAt: &past}, "", models.ReferralStatusSignedUp},
		{"trial timestamp", models.Referral{SignedUpAt: &past, TrialStartedAt: &past}, "", models.ReferralStatusTrial},
		{"trial membership", models.Referral{SignedUpAt: &past}, models.MembershipStatusTrial, models.ReferralStatusTrial},
		{"qualified in hold", models.Referral{SignedUpAt: &past, QualifiedAt: &past, PayableAt: &future}, "", models.ReferralStatusQualified},
		{"payable at boundary", models.Referral{QualifiedAt: &past, PayableAt: &now}, "", models.ReferralStatusPayable},
		{"paid", models.Referral{QualifiedAt: &past, PayableAt: &past, PaidAt: &now}, "", models.ReferralStatusPaid},
		{"voided timestamp wins", models.Referral{QualifiedAt: &past, PayableAt: &past, PaidAt: &now, VoidedAt: &past}, "", models.ReferralStatusVoid},
		{"legacy void status is sticky", models.Referral{SignedUpAt: &past, Status: models.ReferralStatusVoid}, models.MembershipStatusTrial, models.ReferralStatusVoid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(&tt.ref, tt.membership, now); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
