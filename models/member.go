package models

import "time"

// Member is a portal user capable of referring others. ReferralSlug is assigned
// lazily on the first code request and persisted once.
type Member struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Email        string    `gorm:"index" json:"email"`
	DisplayName  string    `json:"display_name"`
	ReferralSlug *string   `gorm:"uniqueIndex;type:varchar(64)" json:"referral_slug,omitempty"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
