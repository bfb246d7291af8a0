package repository

import (
	"context"
	"time"

	"membership-portal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MemberRepository struct {
	DB *gorm.DB
}

func NewMemberRepository(db *gorm.DB) *MemberRepository {
	return &MemberRepository{DB: db}
}

func (r *MemberRepository) FindMember(ctx context.Context, id string) (*models.Member, error) {
	var member models.Member
	if err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&member).Error; err != nil {
		return nil, translate(err)
	}
	return &member, nil
}

func (r *MemberRepository) FindMemberBySlug(ctx context.Context, slug string) (*models.Member, error) {
	var member models.Member
	if err := r.DB.WithContext(ctx).Where("referral_slug = ?", slug).Take(&member).Error; err != nil {
		return nil, translate(err)
	}
	return &member, nil
}

func (r *MemberRepository) AssignSlug(ctx context.Context, memberID, slug string) (bool, error) {
	result := r.DB.WithContext(ctx).Model(&models.Member{}).
		Where("id = ? AND referral_slug IS NULL", memberID).
		Update("referral_slug", slug)
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpsertMembers refreshes contact details without touching referral slugs.
func (r *MemberRepository) UpsertMembers(ctx context.Context, members []models.Member) error {
	if len(members) == 0 {
		return nil
	}
	return translate(r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "display_name", "updated_at"}),
	}).Create(&members).Error)
}

// LastMemberUpdate returns the newest updated_at, or the zero time for an empty table.
func (r *MemberRepository) LastMemberUpdate(ctx context.Context) (time.Time, error) {
	var last *time.Time
	if err := r.DB.WithContext(ctx).Model(&models.Member{}).Select("MAX(updated_at)").Scan(&last).Error; err != nil {
		return time.Time{}, translate(err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}
