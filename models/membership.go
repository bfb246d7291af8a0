package models

import "time"

type MembershipStatus string

const (
	MembershipStatusTrial     MembershipStatus = "trial"
	MembershipStatusActive    MembershipStatus = "active"
	MembershipStatusInactive  MembershipStatus = "inactive"
	MembershipStatusCancelled MembershipStatus = "cancelled"
)

// Membership mirrors the billing provider's subscription state for a member.
type Membership struct {
	ID               string           `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID           string           `gorm:"uniqueIndex;not null" json:"user_id"`
	Status           MembershipStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	PlanPriceCents   int64            `json:"plan_price_cents"`
	Currency         string           `gorm:"type:varchar(8)" json:"currency"`
	CurrentPeriodEnd *time.Time       `gorm:"index" json:"current_period_end,omitempty"`

	Timestamps
}

// TrialReminderLog records that a membership was included in the trial-ending digest
// for a specific period end.
type TrialReminderLog struct {
	ID           string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	MembershipID string    `gorm:"uniqueIndex:ux_trial_reminder,priority:1;not null" json:"membership_id"`
	PeriodEnd    time.Time `gorm:"uniqueIndex:ux_trial_reminder,priority:2;not null" json:"period_end"`
	TargetDate   string    `gorm:"type:varchar(10);not null" json:"target_date"`
	SentAt       time.Time `json:"sent_at"`
}

// TrialEnding is a trial membership joined with the member's contact details.
type TrialEnding struct {
	MembershipID   string
	UserID         string
	Email          string
	DisplayName    string
	PeriodEnd      time.Time
	PlanPriceCents int64
	Currency       string
}
