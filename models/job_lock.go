package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobLock is a held or completed lease for a periodic job. Uniqueness of
// (scope, key) is the only mutual exclusion mechanism.
type JobLock struct {
	Scope     string         `gorm:"primaryKey;type:varchar(128)" json:"scope"`
	Key       string         `gorm:"primaryKey;type:varchar(128)" json:"key"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobLockPayload is the JSON document stored in JobLock.Payload.
type JobLockPayload struct {
	RunID         string         `json:"runId"`
	Trigger       string         `json:"trigger"`
	Holder        string         `json:"holder"`
	Status        string         `json:"status"`
	LockedAt      time.Time      `json:"lockedAt"`
	Stolen        bool           `json:"stolen,omitempty"`
	PreviousRunID string         `json:"previousRunId,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}
