package services

import (
	"context"
	"time"

	"membership-portal/models"
)

// Store implementations return repository.ErrNotFound / repository.ErrDuplicate.

type MemberStore interface {
	FindMember(ctx context.Context, id string) (*models.Member, error)
	FindMemberBySlug(ctx context.Context, slug string) (*models.Member, error)
	// AssignSlug sets the slug only if the member has none yet. It reports false when
	// another slug was already present.
	AssignSlug(ctx context.Context, memberID, slug string) (bool, error)
}

type ReferralStore interface {
	FindTemplate(ctx context.Context, referrerID, code string) (*models.Referral, error)
	CreateTemplate(ctx context.Context, ref *models.Referral) error
	FindAnyByCode(ctx context.Context, code string) (*models.Referral, error)
	FindByID(ctx context.Context, id string) (*models.Referral, error)
	FindByReferredUser(ctx context.Context, userID string) (*models.Referral, error)
	CreateAttribution(ctx context.Context, ref *models.Referral) error
	// UpdateIfUnchanged writes every column only while the stored row still carries
	// expectedUpdatedAt and is not void. It reports false when that guard failed.
	UpdateIfUnchanged(ctx context.Context, ref *models.Referral, expectedUpdatedAt time.Time) (bool, error)
	ListByReferrer(ctx context.Context, referrerID string) ([]models.Referral, error)
	ListStalePayable(ctx context.Context, now time.Time, limit int) ([]models.Referral, error)
}

type MembershipStore interface {
	MembershipStatuses(ctx context.Context, userIDs ...string) (map[string]models.MembershipStatus, error)
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
	ListTrialsEndingBetween(ctx context.Context, start, end time.Time) ([]models.TrialEnding, error)
}

type ReminderLogStore interface {
	ListSent(ctx context.Context, membershipIDs []string) ([]models.TrialReminderLog, error)
	RecordSent(ctx context.Context, logs []models.TrialReminderLog) error
}

type JobLockStore interface {
	InsertLock(ctx context.Context, lock *models.JobLock) error
	GetLock(ctx context.Context, scope, key string) (*models.JobLock, error)
	// ReplaceLock overwrites the payload only if updated_at still equals expectedUpdatedAt.
	ReplaceLock(ctx context.Context, scope, key string, expectedUpdatedAt time.Time, payload []byte, now time.Time) (bool, error)
	// UpdateLockPayload and DeleteLock only touch the row while it is held by runID.
	UpdateLockPayload(ctx context.Context, scope, key, runID string, payload []byte, now time.Time) (bool, error)
	DeleteLock(ctx context.Context, scope, key, runID string) (bool, error)
}
