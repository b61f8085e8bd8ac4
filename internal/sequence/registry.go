package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castellan/docvault/internal/identifier"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRegistryNew    = "sequence.registry.new"
	opNext           = "sequence.next"
	opNextIdentifier = "sequence.next_identifier"
	opReset          = "sequence.reset"

	// maxIssueAttempts bounds the conditional-update loop before the race
	// is surfaced as a conflict.
	maxIssueAttempts = 16
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrConflict indicates the conditional-update retry budget was
	// exhausted by concurrent issuers.
	ErrConflict = errors.New("sequence: issue conflict, retry budget exhausted")
	noOpLogger  = zap.NewNop()
)

// RegistryError carries an operation.reason code for registry failures.
type RegistryError struct {
	code string
	err  error
}

func (e *RegistryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RegistryError) Unwrap() error {
	return e.err
}

func (e *RegistryError) Code() string {
	return e.code
}

func newRegistryError(operation, reason string, cause error) error {
	return &RegistryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RegistryConfig describes the dependencies for the sequence registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry issues race-safe monotonic sequence values keyed by
// (prefix, date, category) against the durable counter table.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newRegistryError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Next issues the next value for the key. Concurrent callers each receive a
// distinct value and the issued values for a key form the contiguous range
// [1..N]. The call fails outright when the store is unavailable; no value is
// ever cached locally.
func (r *Registry) Next(ctx context.Context, key Key, actor string) (int64, error) {
	value, _, err := r.issue(ctx, key, actor, nil)
	return value, err
}

// NextIdentifier issues the next value for today's key under the prefix and
// category, renders the canonical external identifier, and records it on the
// counter row.
func (r *Registry) NextIdentifier(ctx context.Context, prefix identifier.Prefix, category identifier.Category, actor string) (string, error) {
	key, err := NewKey(prefix, r.clock().UTC(), category)
	if err != nil {
		return "", newRegistryError(opNextIdentifier, "invalid_key", err)
	}

	render := func(value int64) (string, error) {
		return identifier.Format(key.Prefix, key.Date, key.Category, value)
	}
	_, formatted, err := r.issue(ctx, key, actor, render)
	if err != nil {
		return "", err
	}
	return formatted, nil
}

// Reset returns the counter to its initial state so the next issued value is
// 1. This is an explicit operator action; day boundaries never reset a
// counter, they produce a new key.
func (r *Registry) Reset(ctx context.Context, key Key, actor string) error {
	result := r.db.WithContext(ctx).Model(&Counter{}).
		Where("prefix = ? AND date_stamp = ? AND category = ?", key.Prefix.String(), key.DateStamp(), key.Category.String()).
		Updates(map[string]interface{}{
			"current_value":     0,
			"last_formatted_id": "",
			"updated_at":        r.clock().UTC(),
			"updated_by":        actor,
		})
	if result.Error != nil {
		r.logError(opReset, "update_failed", result.Error, zap.String("key", key.String()))
		return newRegistryError(opReset, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newRegistryError(opReset, "counter_not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// issue runs the insert-at-1 / conditional-increment loop. When render is
// non-nil the rendered identifier is persisted alongside the new value in the
// same conditional write.
func (r *Registry) issue(ctx context.Context, key Key, actor string, render func(int64) (string, error)) (int64, string, error) {
	if r.db == nil {
		return 0, "", newRegistryError(opNext, "missing_database", errMissingDatabase)
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, "", newRegistryError(opNext, "context_done", err)
		}

		var issued int64
		var formatted string
		settled := false
		txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var current Counter
			err := tx.
				Where("prefix = ? AND date_stamp = ? AND category = ?", key.Prefix.String(), key.DateStamp(), key.Category.String()).
				Take(&current).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				value, rendered, created, err := r.tryFirstUse(tx, key, actor, render)
				if err != nil {
					return err
				}
				if created {
					issued = value
					formatted = rendered
					settled = true
				}
				// Lost the first-use race; the row exists now, take
				// the increment path on the next attempt.
				return nil
			}
			if err != nil {
				r.logError(opNext, "counter_select_failed", err, zap.String("key", key.String()))
				return newRegistryError(opNext, "counter_select_failed", err)
			}

			candidate := current.CurrentValue + 1
			updates := map[string]interface{}{
				"current_value": candidate,
				"updated_at":    r.clock().UTC(),
				"updated_by":    actor,
			}
			if render != nil {
				rendered, err := render(candidate)
				if err != nil {
					return newRegistryError(opNext, "format_failed", err)
				}
				formatted = rendered
				updates["last_formatted_id"] = rendered
			}

			result := tx.Model(&Counter{}).
				Where("prefix = ? AND date_stamp = ? AND category = ? AND current_value = ?",
					key.Prefix.String(), key.DateStamp(), key.Category.String(), current.CurrentValue).
				Updates(updates)
			if result.Error != nil {
				r.logError(opNext, "counter_update_failed", result.Error, zap.String("key", key.String()))
				return newRegistryError(opNext, "counter_update_failed", result.Error)
			}
			if result.RowsAffected == 1 {
				issued = candidate
				settled = true
			}
			// Zero rows affected: another issuer advanced the counter
			// first; re-read and retry outside the transaction.
			return nil
		})
		if txErr != nil {
			return 0, "", txErr
		}
		if settled {
			return issued, formatted, nil
		}
	}

	r.logError(opNext, "retry_budget_exhausted", ErrConflict, zap.String("key", key.String()))
	return 0, "", newRegistryError(opNext, "retry_budget_exhausted", ErrConflict)
}

// tryFirstUse attempts the lazy insert-at-1 for a key. The boolean result is
// false when the insert lost a race to a concurrent first use.
func (r *Registry) tryFirstUse(tx *gorm.DB, key Key, actor string, render func(int64) (string, error)) (int64, string, bool, error) {
	formatted := ""
	if render != nil {
		rendered, err := render(1)
		if err != nil {
			return 0, "", false, newRegistryError(opNext, "format_failed", err)
		}
		formatted = rendered
	}

	row := Counter{
		Prefix:          key.Prefix.String(),
		DateStamp:       key.DateStamp(),
		Category:        key.Category.String(),
		CurrentValue:    1,
		LastFormattedID: formatted,
		UpdatedAt:       r.clock().UTC(),
		UpdatedBy:       actor,
	}
	if err := tx.Create(&row).Error; err != nil {
		var existing Counter
		probeErr := tx.
			Where("prefix = ? AND date_stamp = ? AND category = ?", row.Prefix, row.DateStamp, row.Category).
			Take(&existing).Error
		if probeErr == nil {
			return 0, "", false, nil
		}
		r.logError(opNext, "counter_insert_failed", err, zap.String("key", key.String()))
		return 0, "", false, newRegistryError(opNext, "counter_insert_failed", err)
	}
	return 1, formatted, true, nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("sequence registry error", attrs...)
}
