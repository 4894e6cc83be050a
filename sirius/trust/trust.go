// Package trust is the abuse-control gate consulted before any request is
// processed: bans and strikes first, then per-identity rate limits.
//
// The bans table is authoritative. Each process keeps a cache of active bans
// that is refreshed on an interval and updated immediately on local writes.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/events"
	"github.com/SiriusScan/code-audit/sirius/postgres/models"
	"github.com/SiriusScan/code-audit/sirius/store"
)

// Deny reasons.
const (
	ReasonBanned      = "banned"
	ReasonRateLimited = "rate_limited"
)

// Identity is every principal a request can be attributed to. Empty fields
// are skipped. APIKeyHash is the sha256 of the raw key.
type Identity struct {
	IP         string
	APIKeyHash string
	TenantID   string
	UserID     string
}

type identityValue struct {
	typ   sirius.IdentityType
	value string
}

// each returns the non-empty identities in the order they are checked.
func (id Identity) each() []identityValue {
	all := []identityValue{
		{sirius.IdentityIP, id.IP},
		{sirius.IdentityAPIKey, id.APIKeyHash},
		{sirius.IdentityTenant, id.TenantID},
		{sirius.IdentityUser, id.UserID},
	}
	out := all[:0]
	for _, iv := range all {
		if iv.value != "" {
			out = append(out, iv)
		}
	}
	return out
}

// Decision is the outcome of CheckAllowed.
type Decision struct {
	Allowed      bool
	Reason       string
	IdentityType sirius.IdentityType
	RetryAfter   time.Duration
	BannedUntil  *time.Time
}

// Options configures thresholds and limits. A zero limit disables rate
// limiting for that identity type; a zero BanDuration makes escalated bans
// permanent.
type Options struct {
	StrikeThreshold int
	BanDuration     time.Duration
	SyncInterval    time.Duration
	Window          time.Duration
	Limits          map[sirius.IdentityType]int
}

type banKey struct {
	typ   sirius.IdentityType
	value string
}

// Gate implements the trust checks.
type Gate struct {
	db       *gorm.DB
	kv       store.KVStore
	recorder *events.Recorder
	opts     Options
	now      func() time.Time

	mu     sync.RWMutex
	bans   map[banKey]models.Ban
	synced bool
}

func NewGate(db *gorm.DB, kv store.KVStore, recorder *events.Recorder, opts Options) *Gate {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	return &Gate{
		db:       db,
		kv:       kv,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
		bans:     make(map[banKey]models.Ban),
	}
}

// Sync reloads active bans from the database.
func (g *Gate) Sync(ctx context.Context) error {
	var rows []models.Ban
	if err := g.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}
	now := g.now()
	fresh := make(map[banKey]models.Ban, len(rows))
	for _, b := range rows {
		if b.ActiveAt(now) {
			fresh[banKey{b.IdentityType, b.Value}] = b
		}
	}

	g.mu.Lock()
	g.bans = fresh
	g.synced = true
	g.mu.Unlock()
	slog.Debug("Trust gate synced bans", "active", len(fresh))
	return nil
}

// Run syncs the ban cache every SyncInterval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Sync(ctx); err != nil {
				slog.Warn("Trust gate sync failed, keeping cached bans", "error", err)
			}
		}
	}
}

// IsBanned consults the cache.
func (g *Gate) IsBanned(typ sirius.IdentityType, value string) (models.Ban, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bans[banKey{typ, value}]
	if !ok || !b.ActiveAt(g.now()) {
		return models.Ban{}, false
	}
	return b, true
}

// CheckAllowed runs the ban check for every identity, then the rate limits.
func (g *Gate) CheckAllowed(ctx context.Context, id Identity) Decision {
	g.mu.RLock()
	synced := g.synced
	g.mu.RUnlock()
	if !synced {
		if err := g.Sync(ctx); err != nil {
			slog.Warn("Trust gate initial sync failed", "error", err)
		}
	}

	identities := id.each()
	for _, iv := range identities {
		if b, banned := g.IsBanned(iv.typ, iv.value); banned {
			return Decision{Reason: ReasonBanned, IdentityType: iv.typ, BannedUntil: b.BannedUntil}
		}
	}

	for _, iv := range identities {
		if d, limited := g.rateLimited(ctx, iv); limited {
			return d
		}
	}
	return Decision{Allowed: true}
}

// rateLimited counts the request in a fixed window. Counter errors fail open.
func (g *Gate) rateLimited(ctx context.Context, iv identityValue) (Decision, bool) {
	limit := g.opts.Limits[iv.typ]
	if limit <= 0 {
		return Decision{}, false
	}

	now := g.now()
	windowStart := now.Truncate(g.opts.Window)
	key := "ratelimit:" + string(iv.typ) + ":" + iv.value + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	n, err := g.kv.Incr(ctx, key)
	if err != nil {
		slog.Warn("Rate limiter unavailable, allowing request", "identity_type", iv.typ, "error", err)
		return Decision{}, false
	}
	if n == 1 {
		if err := g.kv.SetExpire(ctx, key, int(g.opts.Window.Seconds())+1); err != nil {
			slog.Warn("Failed to set rate limit window expiry", "key", key, "error", err)
		}
	}
	if n <= int64(limit) {
		return Decision{}, false
	}

	if n == int64(limit)+1 {
		if err := g.recorder.Record(ctx, events.Entry{
			Type:       models.EventTypeRateLimited,
			Severity:   models.SeverityWarning,
			Title:      "Rate limit exceeded",
			EntityType: string(iv.typ),
			EntityID:   iv.value,
			Metadata:   map[string]interface{}{"limit": limit, "window_seconds": g.opts.Window.Seconds()},
		}); err != nil {
			slog.Warn("Failed to record rate limit event", "error", err)
		}
	}

	return Decision{
		Reason:       ReasonRateLimited,
		IdentityType: iv.typ,
		RetryAfter:   windowStart.Add(g.opts.Window).Sub(now),
	}, true
}

// RecordStrike increments the identity's strike count and bans it once the
// threshold is reached. It returns the new count.
func (g *Gate) RecordStrike(ctx context.Context, typ sirius.IdentityType, value, reason string) (int, error) {
	var count int
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var strike models.Strike
		err := tx.Where("identity_type = ? AND value = ?", typ, value).First(&strike).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			strike = models.Strike{IdentityType: typ, Value: value, Count: 1, LastReason: reason}
			if err := tx.Create(&strike).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&models.Strike{}).Where("id = ?", strike.ID).Updates(map[string]interface{}{
				"count":       gorm.Expr("count + 1"),
				"last_reason": reason,
			}).Error; err != nil {
				return err
			}
			if err := tx.Where("id = ?", strike.ID).First(&strike).Error; err != nil {
				return err
			}
		}
		count = strike.Count
		return g.recorder.RecordTx(tx, events.Entry{
			Type:       models.EventTypeStrikeRecorded,
			Severity:   models.SeverityWarning,
			Title:      "Strike recorded",
			EntityType: string(typ),
			EntityID:   value,
			Metadata:   map[string]interface{}{"reason": reason, "count": strike.Count},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record strike: %w", err)
	}

	slog.Info("Strike recorded", "identity_type", typ, "count", count, "reason", reason)

	if g.opts.StrikeThreshold > 0 && count >= g.opts.StrikeThreshold {
		var until *time.Time
		if g.opts.BanDuration > 0 {
			t := g.now().Add(g.opts.BanDuration).UTC()
			until = &t
		}
		if err := g.Ban(ctx, typ, value, "strike threshold reached: "+reason, until); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Ban records a ban (nil until is permanent), updates the cache and
// cascades: an API key ban deactivates the key, a user ban bans every active
// key the user owns. Re-banning never shortens an existing ban.
func (g *Gate) Ban(ctx context.Context, typ sirius.IdentityType, value, reason string, until *time.Time) error {
	ban := models.Ban{IdentityType: typ, Value: value, Reason: reason, BannedUntil: until}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.Ban
		res := tx.Where("identity_type = ? AND value = ?", typ, value).Limit(1).Find(&prev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			until = laterExpiry(prev.BannedUntil, until)
			ban.BannedUntil = until
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_type"}, {Name: "value"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "banned_until", "updated_at"}),
		}).Create(&ban).Error; err != nil {
			return err
		}
		meta := map[string]interface{}{"reason": reason, "permanent": until == nil}
		if until != nil {
			meta["banned_until"] = until.Format(time.RFC3339)
		}
		return g.recorder.RecordTx(tx, events.Entry{
			Type:       models.EventTypeBanIssued,
			Severity:   models.SeverityCritical,
			Title:      "Identity banned",
			EntityType: string(typ),
			EntityID:   value,
			Metadata:   meta,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to ban %s: %w", typ, err)
	}

	g.mu.Lock()
	g.bans[banKey{typ, value}] = ban
	g.mu.Unlock()
	slog.Warn("Identity banned", "identity_type", typ, "reason", reason, "permanent", until == nil)

	switch typ {
	case sirius.IdentityAPIKey:
		if err := store.DeactivateAPIKey(ctx, g.kv, value); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			return fmt.Errorf("failed to deactivate banned API key: %w", err)
		}
	case sirius.IdentityUser:
		keys, err := store.ListUserAPIKeys(ctx, g.kv, value)
		if err != nil {
			return fmt.Errorf("failed to list API keys for banned user: %w", err)
		}
		for _, k := range keys {
			if err := g.Ban(ctx, sirius.IdentityAPIKey, k.ID, "owner banned: "+reason, until); err != nil {
				return err
			}
		}
	}
	return nil
}

// laterExpiry merges two ban expiries; nil is permanent and wins.
func laterExpiry(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		return a
	}
	return b
}

// BanUser bans a user and, through Ban, all of the user's active API keys.
func (g *Gate) BanUser(ctx context.Context, userID, reason string, until *time.Time) error {
	return g.Ban(ctx, sirius.IdentityUser, userID, reason, until)
}

// Unban removes a ban. Deactivated API keys stay deactivated.
func (g *Gate) Unban(ctx context.Context, typ sirius.IdentityType, value string) error {
	if err := g.db.WithContext(ctx).Where("identity_type = ? AND value = ?", typ, value).Delete(&models.Ban{}).Error; err != nil {
		return fmt.Errorf("failed to unban %s: %w", typ, err)
	}
	g.mu.Lock()
	delete(g.bans, banKey{typ, value})
	g.mu.Unlock()
	return nil
}
