package models

import (
	"time"

	"github.com/SiriusScan/code-audit/sirius"
)

// Ban blocks an identity until BannedUntil, or forever when it is nil.
// API keys are stored by sha256 hash, other identities by raw value.
type Ban struct {
	ID           uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	IdentityType sirius.IdentityType `gorm:"not null;size:20;uniqueIndex:idx_bans_identity,priority:1" json:"identity_type"`
	Value        string              `gorm:"not null;size:255;uniqueIndex:idx_bans_identity,priority:2" json:"value"`
	Reason       string              `gorm:"type:text" json:"reason"`
	BannedUntil  *time.Time          `json:"banned_until,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (Ban) TableName() string {
	return "bans"
}

// ActiveAt reports whether the ban is in force at t.
func (b Ban) ActiveAt(t time.Time) bool {
	return b.BannedUntil == nil || t.Before(*b.BannedUntil)
}

// Strike is the running violation count for one identity.
type Strike struct {
	ID           uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	IdentityType sirius.IdentityType `gorm:"not null;size:20;uniqueIndex:idx_strikes_identity,priority:1" json:"identity_type"`
	Value        string              `gorm:"not null;size:255;uniqueIndex:idx_strikes_identity,priority:2" json:"value"`
	Count        int                 `gorm:"not null;default:0" json:"count"`
	LastReason   string              `gorm:"type:text" json:"last_reason"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (Strike) TableName() string {
	return "strikes"
}
