// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Impulse
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Write path: every create and update normalizes and validates the record
// with domain.ValidateImpulse and derives the slug with domain.DeriveSlug
// before anything reaches the database. Callers never set Slug themselves.
//
// Error semantics:
//   - A missing row yields ErrNotFound (gorm.ErrRecordNotFound).
//   - Constraint failures yield *domain.ValidationError; a name collision
//     additionally wraps ErrDuplicateName.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
)

// ErrDuplicateName is wrapped by the ValidationError returned when another
// impulse already uses the name.
var ErrDuplicateName = errors.New("impulse name already exists")

func duplicateNameError() error {
	return &domain.ValidationError{
		Fields: map[string]string{"name": "is already taken"},
		Cause:  ErrDuplicateName,
	}
}

// CreateImpulse validates imp, assigns ID, slug and timestamps, and inserts
// it. imp is not modified; the stored row is returned.
func CreateImpulse(ctx context.Context, db *gorm.DB, imp domain.Impulse, policy domain.LocationPolicy) (*domain.Impulse, error) {
	rec := imp
	if res := domain.ValidateImpulse(&rec, policy); !res.Valid() {
		return nil, res.Err()
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	rec.Slug = domain.DeriveSlug(rec.Name)
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, duplicateNameError()
		}
		return nil, err
	}
	return &rec, nil
}

// FindImpulseByID fetches a single impulse. Missing rows yield ErrNotFound.
func FindImpulseByID(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	var rec domain.Impulse
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateImpulse merges patch into the stored row, re-validates the result,
// recomputes the slug and saves it inside one transaction.
func UpdateImpulse(ctx context.Context, db *gorm.DB, id string, patch domain.ImpulsePatch, policy domain.LocationPolicy) (*domain.Impulse, error) {
	var out domain.Impulse
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.Impulse
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		patch.Apply(&rec, policy)
		if res := domain.ValidateImpulse(&rec, policy); !res.Valid() {
			return res.Err()
		}
		rec.Slug = domain.DeriveSlug(rec.Name)
		rec.UpdatedAt = time.Now().UTC()

		if err := tx.Select("*").Omit("created_at").Updates(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				return duplicateNameError()
			}
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteImpulse removes the row and returns it as it was, so callers can
// read the stored object URLs after the record is gone.
func DeleteImpulse(ctx context.Context, db *gorm.DB, id string) (*domain.Impulse, error) {
	var rec domain.Impulse
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Impulse{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListImpulses returns every impulse, newest first.
func ListImpulses(ctx context.Context, db *gorm.DB) ([]domain.Impulse, error) {
	var out []domain.Impulse
	err := db.WithContext(ctx).
		Order("created_at desc").
		Order("id").
		Find(&out).Error
	return out, err
}

// CountImpulses returns the total number of impulses.
func CountImpulses(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Impulse{}).
		Count(&total).Error
	return total, err
}

// ListImpulsesPage returns a page of impulses, newest first. Use
// CountImpulses for pagination metadata.
func ListImpulsesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Impulse, error) {
	var out []domain.Impulse
	err := db.WithContext(ctx).
		Order("created_at desc").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
