package repository

import (
	"context"
	"time"

	"membership-portal/models"

	"gorm.io/gorm"
)

type MembershipRepository struct {
	DB *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{DB: db}
}

func (r *MembershipRepository) MembershipStatuses(ctx context.Context, userIDs ...string) (map[string]models.MembershipStatus, error) {
	out := make(map[string]models.MembershipStatus, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []models.Membership
	if err := r.DB.WithContext(ctx).Select("user_id", "status").Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	for _, m := range rows {
		out[m.UserID] = m.Status
	}
	return out, nil
}

// ExpireLapsed moves every trial/active membership whose period ended before now to inactive.
func (r *MembershipRepository) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	result := r.DB.WithContext(ctx).Model(&models.Membership{}).
		Where("status IN ? AND current_period_end < ?",
			[]models.MembershipStatus{models.MembershipStatusTrial, models.MembershipStatusActive}, now).
		Updates(map[string]any{"status": models.MembershipStatusInactive, "updated_at": now})
	if result.Error != nil {
		return 0, translate(result.Error)
	}
	return result.RowsAffected, nil
}

func (r *MembershipRepository) ListTrialsEndingBetween(ctx context.Context, start, end time.Time) ([]models.TrialEnding, error) {
	var rows []struct {
		MembershipID     string
		UserID           string
		Email            string
		DisplayName      string
		CurrentPeriodEnd time.Time
		PlanPriceCents   int64
		Currency         string
	}
	err := r.DB.WithContext(ctx).
		Table("memberships").
		Select(`memberships.id AS membership_id, memberships.user_id, members.email, members.display_name,
			memberships.current_period_end, memberships.plan_price_cents, memberships.currency`).
		Joins("LEFT JOIN members ON members.id = memberships.user_id").
		Where("memberships.status = ? AND memberships.current_period_end >= ? AND memberships.current_period_end < ?",
			models.MembershipStatusTrial, start, end).
		Order("memberships.current_period_end ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]models.TrialEnding, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.TrialEnding{
			MembershipID:   row.MembershipID,
			UserID:         row.UserID,
			Email:          row.Email,
			DisplayName:    row.DisplayName,
			PeriodEnd:      row.CurrentPeriodEnd,
			PlanPriceCents: row.PlanPriceCents,
			Currency:       row.Currency,
		})
	}
	return out, nil
}
