package models

import (
	"time"

	"gorm.io/datatypes"
)

// ReferralStatus is both the derived lifecycle status of an attribution and the
// status of a code template (pending / cancelled).
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "PENDING"
	ReferralStatusCancelled ReferralStatus = "CANCELLED"
	ReferralStatusSignedUp  ReferralStatus = "SIGNED_UP"
	ReferralStatusTrial     ReferralStatus = "TRIAL"
	ReferralStatusQualified ReferralStatus = "QUALIFIED"
	ReferralStatusPayable   ReferralStatus = "PAYABLE"
	ReferralStatusPaid      ReferralStatus = "PAID"
	ReferralStatusVoid      ReferralStatus = "VOID"
)

type CommissionType string

const (
	CommissionTypeFixed   CommissionType = "FIXED"
	CommissionTypePercent CommissionType = "PERCENT"
)

// Referral stores both the reusable code template (ReferredUserID == nil) and one
// attribution row per referred user. Rows are the settlement ledger and are never deleted.
type Referral struct {
	ID             string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ReferrerID     string         `gorm:"index;not null" json:"referrer_id"`
	ReferredUserID *string        `gorm:"uniqueIndex" json:"referred_user_id,omitempty"`
	Code           string         `gorm:"index;not null" json:"code"`
	Status         ReferralStatus `gorm:"type:varchar(16);index;not null" json:"status"` // cache of the derived status
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`

	SignedUpAt     *time.Time `json:"signed_up_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	TrialStartedAt *time.Time `json:"trial_started_at,omitempty"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	QualifiedAt    *time.Time `json:"qualified_at,omitempty"`
	FirstPaidAt    *time.Time `json:"first_paid_at,omitempty"`
	PayableAt      *time.Time `gorm:"index" json:"payable_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`

	CommissionType        *CommissionType `gorm:"type:varchar(16)" json:"commission_type,omitempty"`
	CommissionValue       *float64        `json:"commission_value,omitempty"`
	CommissionAmountCents *int64          `json:"commission_amount_cents,omitempty"`
	Currency              *string         `gorm:"type:varchar(8)" json:"currency,omitempty"`
	HoldDays              *int            `json:"hold_days,omitempty"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsTemplate reports whether the row is the reusable code rather than an attribution.
func (r *Referral) IsTemplate() bool {
	return r.ReferredUserID == nil
}
