// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the durable cleanup log: compensating
// actions that could not complete inline and are retried by the reconciler.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
)

// EnqueueCleanup records a pending compensating action due immediately. If
// an identical (kind, target) task is still pending it is returned instead,
// so enqueueing is idempotent.
func EnqueueCleanup(ctx context.Context, db *gorm.DB, kind, target, reason string) (*domain.CleanupTask, error) {
	var existing domain.CleanupTask
	err := db.WithContext(ctx).
		Where("kind = ? AND target = ? AND done_at IS NULL", kind, target).
		First(&existing).Error
	switch {
	case err == nil:
		return &existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	task := &domain.CleanupTask{
		ID:            uuid.NewString(),
		Kind:          kind,
		Target:        target,
		Reason:        reason,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// DueCleanups returns up to limit pending tasks whose NextAttemptAt is not
// after now, oldest due first.
func DueCleanups(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CleanupTask, error) {
	var out []domain.CleanupTask
	q := db.WithContext(ctx).
		Where("done_at IS NULL AND next_attempt_at <= ?", now).
		Order("next_attempt_at").
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// PendingCleanups counts tasks that have not completed yet.
func PendingCleanups(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.CleanupTask{}).
		Where("done_at IS NULL").
		Count(&n).Error
	return n, err
}

// MarkCleanupDone completes a task. Missing tasks yield ErrNotFound.
func MarkCleanupDone(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.CleanupTask{}).
		Where("id = ? AND done_at IS NULL", id).
		Updates(map[string]any{
			"done_at":    now,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "",
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkCleanupFailed counts a failed attempt and reschedules the task.
func MarkCleanupFailed(ctx context.Context, db *gorm.DB, id, cause string, next time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.CleanupTask{}).
		Where("id = ? AND done_at IS NULL", id).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      cause,
			"next_attempt_at": next,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
