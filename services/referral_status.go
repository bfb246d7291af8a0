package services

import (
	"time"

	"membership-portal/models"
)

// DeriveStatus computes an attribution's lifecycle status from its timestamps.
// First match wins; VOID and PAID are terminal.
func DeriveStatus(r *models.Referral, membershipStatus models.MembershipStatus, now time.Time) models.ReferralStatus {
	switch {
	case isVoid(r):
		return models.ReferralStatusVoid
	case r.PaidAt != nil:
		return models.ReferralStatusPaid
	case r.PayableAt != nil && !r.PayableAt.After(now):
		return models.ReferralStatusPayable
	case r.QualifiedAt != nil:
		return models.ReferralStatusQualified
	case r.TrialStartedAt != nil || membershipStatus == models.MembershipStatusTrial:
		return models.ReferralStatusTrial
	case r.SignedUpAt != nil:
		return models.ReferralStatusSignedUp
	}
	return models.ReferralStatusPending
}

// isVoid also honours rows written before voided_at existed, where only the cached
// status carried the flag.
func isVoid(r *models.Referral) bool {
	return r.VoidedAt != nil || r.Status == models.ReferralStatusVoid
}
