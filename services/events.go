package services

import (
	"context"
	"log"
	"time"
)

const (
	EventReferralLinked       = "referral.linked"
	EventReferralTrialStarted = "referral.trial_started"
	EventReferralQualified    = "referral.qualified"
	EventReferralVoided       = "referral.voided"
	EventReferralPaid         = "referral.paid"
)

// ReferralEvent is emitted after a lifecycle write commits.
type ReferralEvent struct {
	Type           string         `json:"type"`
	ReferralID     string         `json:"referral_id"`
	ReferrerID     string         `json:"referrer_id"`
	ReferredUserID string         `json:"referred_user_id"`
	Status         string         `json:"status"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Data           map[string]any `json:"data,omitempty"`
}

// EventPublisher is fire-and-forget: lifecycle writes never fail because of it.
type EventPublisher interface {
	Publish(ctx context.Context, evt ReferralEvent)
}

type LogEventPublisher struct{}

func (LogEventPublisher) Publish(_ context.Context, evt ReferralEvent) {
	log.Printf("📣 [Events] %s referral=%s status=%s", evt.Type, evt.ReferralID, evt.Status)
}
