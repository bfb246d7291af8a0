package repository

import (
	"context"
	"time"

	"membership-portal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobLockRepository persists job leases. The composite primary key on (scope, key)
// makes InsertLock the atomic acquisition step.
type JobLockRepository struct {
	DB *gorm.DB
}

func NewJobLockRepository(db *gorm.DB) *JobLockRepository {
	return &JobLockRepository{DB: db}
}

func (r *JobLockRepository) InsertLock(ctx context.Context, lock *models.JobLock) error {
	return translate(r.DB.WithContext(ctx).Create(lock).Error)
}

func (r *JobLockRepository) GetLock(ctx context.Context, scope, key string) (*models.JobLock, error) {
	var lock models.JobLock
	if err := r.DB.WithContext(ctx).Where(`scope = ? AND "key" = ?`, scope, key).Take(&lock).Error; err != nil {
		return nil, translate(err)
	}
	return &lock, nil
}

func (r *JobLockRepository) ReplaceLock(ctx context.Context, scope, key string, expectedUpdatedAt time.Time, payload []byte, now time.Time) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.JobLock{}).
		Where(`scope = ? AND "key" = ? AND updated_at = ?`, scope, key, expectedUpdatedAt).
		UpdateColumns(map[string]any{"payload": datatypes.JSON(payload), "updated_at": now})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *JobLockRepository) UpdateLockPayload(ctx context.Context, scope, key, runID string, payload []byte, now time.Time) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.JobLock{}).
		Where(`scope = ? AND "key" = ? AND payload->>'runId' = ?`, scope, key, runID).
		UpdateColumns(map[string]any{"payload": datatypes.JSON(payload), "updated_at": now})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *JobLockRepository) DeleteLock(ctx context.Context, scope, key, runID string) (bool, error) {
	result := r.DB.WithContext(ctx).
		Where(`scope = ? AND "key" = ? AND payload->>'runId' = ?`, scope, key, runID).
		Delete(&models.JobLock{})
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}
