package repository

import (
	"context"
	"time"

	"membership-portal/models"

	"gorm.io/gorm"
)

type ReferralRepository struct {
	DB *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{DB: db}
}

func (r *ReferralRepository) FindTemplate(ctx context.Context, referrerID, code string) (*models.Referral, error) {
	var ref models.Referral
	err := r.DB.WithContext(ctx).
		Where("referrer_id = ? AND code = ? AND referred_user_id IS NULL", referrerID, code).
		Take(&ref).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ref, nil
}

func (r *ReferralRepository) CreateTemplate(ctx context.Context, ref *models.Referral) error {
	return translate(r.DB.WithContext(ctx).Create(ref).Error)
}

// FindAnyByCode resolves legacy codes: templates first, then the oldest attribution.
func (r *ReferralRepository) FindAnyByCode(ctx context.Context, code string) (*models.Referral, error) {
	var ref models.Referral
	err := r.DB.WithContext(ctx).
		Where("code = ?", code).
		Order("referred_user_id IS NOT NULL, created_at ASC").
		Take(&ref).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ref, nil
}

func (r *ReferralRepository) FindByID(ctx context.Context, id string) (*models.Referral, error) {
	var ref models.Referral
	if err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&ref).Error; err != nil {
		return nil, translate(err)
	}
	return &ref, nil
}

func (r *ReferralRepository) FindByReferredUser(ctx context.Context, userID string) (*models.Referral, error) {
	var ref models.Referral
	if err := r.DB.WithContext(ctx).Where("referred_user_id = ?", userID).Take(&ref).Error; err != nil {
		return nil, translate(err)
	}
	return &ref, nil
}

func (r *ReferralRepository) CreateAttribution(ctx context.Context, ref *models.Referral) error {
	return translate(r.DB.WithContext(ctx).Create(ref).Error)
}

// UpdateIfUnchanged writes every column, so the cached status lands in the same statement
// as the timestamps it was derived from. The updated_at guard rejects writes based on a
// stale read and a void row is never written again.
func (r *ReferralRepository) UpdateIfUnchanged(ctx context.Context, ref *models.Referral, expectedUpdatedAt time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND updated_at = ? AND voided_at IS NULL", ref.ID, expectedUpdatedAt).
		Select("*").
		Omit("id", "created_at").
		Updates(ref)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ReferralRepository) ListByReferrer(ctx context.Context, referrerID string) ([]models.Referral, error) {
	var refs []models.Referral
	err := r.DB.WithContext(ctx).
		Where("referrer_id = ? AND referred_user_id IS NOT NULL", referrerID).
		Order("created_at DESC").
		Find(&refs).Error
	if err != nil {
		return nil, translate(err)
	}
	return refs, nil
}

func (r *ReferralRepository) ListStalePayable(ctx context.Context, now time.Time, limit int) ([]models.Referral, error) {
	var refs []models.Referral
	q := r.DB.WithContext(ctx).
		Where("status = ? AND payable_at IS NOT NULL AND payable_at <= ?", models.ReferralStatusQualified, now).
		Order("payable_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&refs).Error; err != nil {
		return nil, translate(err)
	}
	return refs, nil
}
