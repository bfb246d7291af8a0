package repository

import (
	"context"

	"membership-portal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReminderLogRepository struct {
	DB *gorm.DB
}

func NewReminderLogRepository(db *gorm.DB) *ReminderLogRepository {
	return &ReminderLogRepository{DB: db}
}

func (r *ReminderLogRepository) ListSent(ctx context.Context, membershipIDs []string) ([]models.TrialReminderLog, error) {
	if len(membershipIDs) == 0 {
		return nil, nil
	}
	var logs []models.TrialReminderLog
	if err := r.DB.WithContext(ctx).Where("membership_id IN ?", membershipIDs).Find(&logs).Error; err != nil {
		return nil, translate(err)
	}
	return logs, nil
}

// RecordSent ignores rows that already exist for the same (membership, period end).
func (r *ReminderLogRepository) RecordSent(ctx context.Context, logs []models.TrialReminderLog) error {
	if len(logs) == 0 {
		return nil
	}
	return translate(r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "membership_id"}, {Name: "period_end"}},
			DoNothing: true,
		}).
		Create(&logs).Error)
}
