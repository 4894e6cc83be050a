package models

import "time"

// Reservation states.
const (
	ReservationHeld     = "held"
	ReservationSettled  = "settled"
	ReservationReleased = "released"
)

// Ledger entry kinds.
const (
	EntryReserve = "reserve"
	EntryRefund  = "refund"
	EntrySettle  = "settle"
	EntryRelease = "release"
	EntryTopUp   = "topup"
)

// CreditReservation is a hold against a tenant's balance. At all times
// Amount = Settled + Refunded + (still held).
type CreditReservation struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string    `gorm:"not null;size:64;index" json:"tenant_id"`
	TaskID         string    `gorm:"size:36;index" json:"task_id,omitempty"`
	IdempotencyKey string    `gorm:"not null;size:255;uniqueIndex" json:"idempotency_key"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Refunded       int64     `gorm:"not null;default:0" json:"refunded"`
	Settled        int64     `gorm:"not null;default:0" json:"settled"`
	Status         string    `gorm:"not null;size:20;default:held" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (CreditReservation) TableName() string {
	return "credit_reservations"
}

// Held is the part of the reservation not yet settled or refunded.
func (r CreditReservation) Held() int64 {
	return r.Amount - r.Settled - r.Refunded
}

// CreditEntry is an append-only ledger line.
type CreditEntry struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID       string    `gorm:"not null;size:64;index" json:"tenant_id"`
	ReservationID  string    `gorm:"size:36;index" json:"reservation_id"`
	Kind           string    `gorm:"not null;size:20" json:"kind"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Reason         string    `gorm:"type:text" json:"reason,omitempty"`
	IdempotencyKey string    `gorm:"not null;size:255;uniqueIndex" json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

func (CreditEntry) TableName() string {
	return "credit_entries"
}
