// Package services – Reconciler
//
// The reconciler drains the cleanup log written by ImpulseService: metadata
// records whose compensating delete failed and blobs that were orphaned or
// could not be removed. Every task is idempotent, so a pass can be repeated
// safely; "already gone" counts as success.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/storage"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = time.Minute
	DefaultBackoffBase       = 30 * time.Second
	DefaultBackoffMax        = time.Hour
	DefaultReconcileBatch    = 50
)

// ReconcileResult summarises one pass.
type ReconcileResult struct {
	Processed int `json:"processed"`
	Done      int `json:"done"`
	Retried   int `json:"retried"`
	// Pending is the number of tasks still open after the pass.
	Pending int64 `json:"pending"`
}

// Reconciler retries compensating actions until they succeed.
type Reconciler struct {
	DB      *gorm.DB
	Repo    ImpulseRepo
	Cleanup CleanupRepo
	Store   storage.Gateway

	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BatchSize   int

	Metrics *Metrics
	Log     zerolog.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu sync.Mutex
}

// NewReconciler wires a Reconciler with default timings.
func NewReconciler(db *gorm.DB, r ImpulseRepo, c CleanupRepo, store storage.Gateway, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		DB:          db,
		Repo:        r,
		Cleanup:     c,
		Store:       store,
		Interval:    DefaultReconcileInterval,
		BackoffBase: DefaultBackoffBase,
		BackoffMax:  DefaultBackoffMax,
		BatchSize:   DefaultReconcileBatch,
		Log:         log.With().Str("component", "reconciler").Logger(),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run calls RunOnce every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	r.Log.Info().Dur("interval", interval).Msg("reconciler started")
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.Log.Error().Err(err).Msg("reconcile pass failed")
		}
		select {
		case <-ctx.Done():
			r.Log.Info().Msg("reconciler stopped")
			return
		case <-t.C:
		}
	}
}

// RunOnce processes the tasks that are due now. Concurrent calls are
// serialized.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := otel.Tracer("services/Reconciler").Start(ctx, "RunOnce")
	defer span.End()

	var res ReconcileResult
	now := r.now()
	tasks, err := r.Cleanup.DueCleanups(ctx, r.DB, now, r.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("load due cleanup tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		if aerr := r.apply(ctx, task); aerr != nil {
			next := now.Add(r.backoff(task.Attempts + 1))
			if merr := r.Cleanup.MarkCleanupFailed(ctx, r.DB, task.ID, aerr.Error(), next); merr != nil {
				return res, fmt.Errorf("reschedule cleanup %s: %w", task.ID, merr)
			}
			res.Retried++
			r.Metrics.observeCleanup(task.Kind, "retry")
			r.Log.Warn().
				Err(aerr).
				Str("task_id", task.ID).
				Str("kind", task.Kind).
				Str("target", task.Target).
				Int("attempts", task.Attempts+1).
				Time("next_attempt_at", next).
				Msg("cleanup task failed; rescheduled")
			continue
		}
		if merr := r.Cleanup.MarkCleanupDone(ctx, r.DB, task.ID, r.now()); merr != nil {
			return res, fmt.Errorf("complete cleanup %s: %w", task.ID, merr)
		}
		res.Done++
		r.Metrics.observeCleanup(task.Kind, "done")
		r.Log.Info().Str("task_id", task.ID).Str("kind", task.Kind).Str("target", task.Target).Msg("cleanup task done")
	}

	if n, perr := r.Cleanup.PendingCleanups(ctx, r.DB); perr != nil {
		r.Log.Warn().Err(perr).Msg("count pending cleanup tasks failed")
	} else {
		res.Pending = n
		r.Metrics.setPending(n)
	}

	span.SetAttributes(
		attribute.Int("cleanup.processed", res.Processed),
		attribute.Int("cleanup.done", res.Done),
		attribute.Int("cleanup.retried", res.Retried),
	)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, task domain.CleanupTask) error {
	ctx, span := otel.Tracer("services/Reconciler").Start(ctx, "apply",
		trace.WithAttributes(
			attribute.String("cleanup.kind", task.Kind),
			attribute.String("cleanup.target", task.Target),
		),
	)
	defer span.End()

	switch task.Kind {
	case domain.CleanupDeleteBlob:
		if err := r.Store.Delete(ctx, task.Target); err != nil && !storage.IsNotFound(err) {
			return err
		}
		return nil
	case domain.CleanupDeleteRecord:
		if _, err := r.Repo.DeleteImpulse(ctx, r.DB, task.Target); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown cleanup kind %q", task.Kind)
	}
}

// backoff returns BackoffBase * 2^(attempts-1), capped at BackoffMax.
func (r *Reconciler) backoff(attempts int) time.Duration {
	base, ceiling := r.BackoffBase, r.BackoffMax
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
