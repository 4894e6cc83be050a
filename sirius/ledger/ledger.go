// Package ledger implements prepaid credit accounting as reserve, then
// settle or release, with partial refunds in between. Every operation is
// idempotent on a caller-supplied key of the form "<taskId>:<stage>", and
// every balance change is a conditional SQL increment inside a transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SiriusScan/code-audit/sirius/postgres"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationClosed   = errors.New("reservation is already closed")
	ErrExceedsHold         = errors.New("amount exceeds held credits")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrReservationNotFound = errors.New("reservation not found")
)

// InsufficientError carries the amounts of a failed reservation. It matches
// ErrInsufficientCredits with errors.Is.
type InsufficientError struct {
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Settlement is the result of settling a reservation.
type Settlement struct {
	ReservationID string
	Charged       int64
	Refunded      int64
}

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Balance returns the tenant's current balance.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (int64, error) {
	tenant, err := postgres.GetTenant(l.db.WithContext(ctx), tenantID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return 0, ErrTenantNotFound
		}
		return 0, err
	}
	return tenant.CreditsBalance, nil
}

// Reserve holds amount against the tenant's balance.
func (l *Ledger) Reserve(ctx context.Context, tenantID, taskID, key string, amount int64) (models.CreditReservation, error) {
	var res models.CreditReservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = l.ReserveTx(tx, tenantID, taskID, key, amount)
		return err
	})
	return res, err
}

// ReserveTx is Reserve inside the caller's transaction, so the hold commits
// or rolls back with the rows that depend on it. A key that was already
// reserved returns the existing reservation without a second hold.
func (l *Ledger) ReserveTx(tx *gorm.DB, tenantID, taskID, key string, amount int64) (models.CreditReservation, error) {
	if amount < 0 {
		return models.CreditReservation{}, fmt.Errorf("negative reservation amount %d", amount)
	}

	var existing models.CreditReservation
	err := tx.Where("idempotency_key = ?", key).First(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CreditReservation{}, err
	}

	result := tx.Model(&models.TenantConfig{}).
		Where("tenant_id = ? AND credits_balance >= ?", tenantID, amount).
		Update("credits_balance", gorm.Expr("credits_balance - ?", amount))
	if result.Error != nil {
		return models.CreditReservation{}, result.Error
	}
	if result.RowsAffected == 0 {
		tenant, err := postgres.GetTenant(tx, tenantID)
		if err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				return models.CreditReservation{}, ErrTenantNotFound
			}
			return models.CreditReservation{}, err
		}
		return models.CreditReservation{}, &InsufficientError{Required: amount, Available: tenant.CreditsBalance}
	}

	res := models.CreditReservation{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		TaskID:         taskID,
		IdempotencyKey: key,
		Amount:         amount,
		Status:         models.ReservationHeld,
	}
	if err := tx.Create(&res).Error; err != nil {
		return models.CreditReservation{}, err
	}
	if err := addEntry(tx, res, models.EntryReserve, amount, "", key); err != nil {
		return models.CreditReservation{}, err
	}

	slog.Info("Credits reserved", "tenant_id", tenantID, "task_id", taskID, "amount", amount)
	return res, nil
}

// Refund returns part of a held reservation to the tenant, e.g. the fee of
// a custom rule that failed to generate. The reservation stays open.
func (l *Ledger) Refund(ctx context.Context, reservationID string, amount int64, reason, key string) (models.CreditReservation, error) {
	var res models.CreditReservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if done, err := entryExists(tx, key); err != nil || done {
			return err
		}
		if res.Status != models.ReservationHeld {
			return ErrReservationClosed
		}
		if amount <= 0 {
			return nil
		}
		if amount > res.Held() {
			return fmt.Errorf("%w: refund %d, held %d", ErrExceedsHold, amount, res.Held())
		}

		res.Refunded += amount
		if err := tx.Model(&res).Update("refunded", res.Refunded).Error; err != nil {
			return err
		}
		if err := credit(tx, res.TenantID, amount); err != nil {
			return err
		}
		return addEntry(tx, res, models.EntryRefund, amount, reason, key)
	})
	if err != nil {
		return models.CreditReservation{}, fmt.Errorf("refund %s: %w", key, err)
	}
	slog.Info("Credits refunded", "reservation_id", reservationID, "amount", amount, "reason", reason)
	return res, nil
}

// Settle charges actual from the hold and refunds the remainder, closing the
// reservation. actual is capped at what is still held.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actual int64, key string) (Settlement, error) {
	var s Settlement
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		s.ReservationID = res.ID
		if done, err := entryExists(tx, key); err != nil || done {
			s.Charged = res.Settled
			return err
		}
		if res.Status != models.ReservationHeld {
			return ErrReservationClosed
		}

		held := res.Held()
		if actual < 0 {
			actual = 0
		}
		if actual > held {
			slog.Warn("Settlement exceeds hold, charging the hold", "reservation_id", res.ID, "actual", actual, "held", held)
			actual = held
		}
		refund := held - actual

		if err := tx.Model(&res).Updates(map[string]interface{}{
			"settled":  res.Settled + actual,
			"refunded": res.Refunded + refund,
			"status":   models.ReservationSettled,
		}).Error; err != nil {
			return err
		}
		if err := addEntry(tx, res, models.EntrySettle, actual, "", key); err != nil {
			return err
		}
		if refund > 0 {
			if err := credit(tx, res.TenantID, refund); err != nil {
				return err
			}
			if err := addEntry(tx, res, models.EntryRefund, refund, "settlement remainder", key+":refund"); err != nil {
				return err
			}
		}
		s.Charged = actual
		s.Refunded = refund
		return nil
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s: %w", key, err)
	}
	slog.Info("Credits settled", "reservation_id", reservationID, "charged", s.Charged, "refunded", s.Refunded)
	return s, nil
}

// Release refunds everything still held and closes the reservation. It is
// used when a task fails terminally.
func (l *Ledger) Release(ctx context.Context, reservationID, reason, key string) (int64, error) {
	var released int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := lockReservation(tx, reservationID)
		if err != nil {
			return err
		}
		if done, err := entryExists(tx, key); err != nil || done {
			return err
		}
		switch res.Status {
		case models.ReservationReleased:
			return nil
		case models.ReservationSettled:
			return ErrReservationClosed
		}

		released = res.Held()
		if err := tx.Model(&res).Updates(map[string]interface{}{
			"refunded": res.Refunded + released,
			"status":   models.ReservationReleased,
		}).Error; err != nil {
			return err
		}
		if err := credit(tx, res.TenantID, released); err != nil {
			return err
		}
		return addEntry(tx, res, models.EntryRelease, released, reason, key)
	})
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", key, err)
	}
	slog.Info("Credits released", "reservation_id", reservationID, "amount", released, "reason", reason)
	return released, nil
}

// TopUp adds purchased credits. Payment webhooks call it with the provider's
// event id as key.
func (l *Ledger) TopUp(ctx context.Context, tenantID string, amount int64, reason, key string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if done, err := entryExists(tx, key); err != nil || done {
			return err
		}
		if err := credit(tx, tenantID, amount); err != nil {
			return err
		}
		return addEntry(tx, models.CreditReservation{TenantID: tenantID}, models.EntryTopUp, amount, reason, key)
	})
}

// GetReservation loads a reservation by id.
func (l *Ledger) GetReservation(ctx context.Context, id string) (models.CreditReservation, error) {
	var res models.CreditReservation
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return res, ErrReservationNotFound
		}
		return res, err
	}
	return res, nil
}

func lockReservation(tx *gorm.DB, id string) (models.CreditReservation, error) {
	var res models.CreditReservation
	q := tx
	if postgres.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return res, ErrReservationNotFound
		}
		return res, err
	}
	return res, nil
}

func entryExists(tx *gorm.DB, key string) (bool, error) {
	var n int64
	if err := tx.Model(&models.CreditEntry{}).Where("idempotency_key = ?", key).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func credit(tx *gorm.DB, tenantID string, amount int64) error {
	result := tx.Model(&models.TenantConfig{}).
		Where("tenant_id = ?", tenantID).
		Update("credits_balance", gorm.Expr("credits_balance + ?", amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func addEntry(tx *gorm.DB, res models.CreditReservation, kind string, amount int64, reason, key string) error {
	return tx.Create(&models.CreditEntry{
		TenantID:       res.TenantID,
		ReservationID:  res.ID,
		Kind:           kind,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
	}).Error
}
