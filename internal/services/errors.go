// Package services defines the business logic for impulse records: the
// create/delete pipeline that keeps the metadata store and the object store
// consistent, and the reconciler that finishes compensating work later.
//
// This file centralizes the service-level error taxonomy so that callers can
// match failures with errors.Is/As. Translation into user-facing messages or
// HTTP status codes is performed at the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/impulse-backend/internal/domain"
	"github.com/tbourn/impulse-backend/internal/storage"
	"github.com/tbourn/impulse-backend/internal/transform"
)

var (
	// ErrImpulseNotFound matches every *NotFoundError.
	ErrImpulseNotFound = errors.New("impulse not found")

	// ErrEmptyPatch is wrapped by the ValidationError returned for an
	// update that changes nothing.
	ErrEmptyPatch = errors.New("no fields to update")
)

// ValidationError reports rejected input: missing or malformed fields, a
// wrong number of files, or a repository constraint violation. It is always
// raised before any side effect.
type ValidationError = domain.ValidationError

// TransformError reports corrupt or unsupported media. It is raised before
// anything is persisted.
type TransformError = transform.Error

// StorageError reports a failed object-store call.
type StorageError = storage.Error

// NotFoundError reports an operation on an unknown impulse ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("impulse %q not found", e.ID) }

// Is makes errors.Is(err, ErrImpulseNotFound) hold.
func (e *NotFoundError) Is(target error) bool { return target == ErrImpulseNotFound }

// UploadError reports that at least one blob upload failed after the
// metadata record was written. The record has been removed again unless
// CompensationErr is set, in which case the record may still reference
// missing objects and a delete_record cleanup task was queued.
//
// Orphans lists the URLs of blobs that did upload and were left behind.
type UploadError struct {
	ImpulseID       string
	Err             error
	CompensationErr error
	Orphans         []string
}

func (e *UploadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upload impulse %s: %v", e.ImpulseID, e.Err)
	if e.CompensationErr != nil {
		fmt.Fprintf(&b, "; compensating delete failed: %v", e.CompensationErr)
	}
	return b.String()
}

// Unwrap exposes both the upload failure and the compensation failure.
func (e *UploadError) Unwrap() []error {
	if e.CompensationErr == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.CompensationErr}
}

// BlobCleanupError is the warning returned by Delete when the record is gone
// but one or both blobs could not be removed. Err joins the individual
// *StorageError values and any failure to queue them. Blobs listed in
// Unqueued were not handed to the reconciler and need manual removal. The
// deletion itself is not rolled back.
type BlobCleanupError struct {
	ImpulseID string
	Err       error
	Unqueued  []string
}

func (e *BlobCleanupError) Error() string {
	if len(e.Unqueued) > 0 {
		return fmt.Sprintf("impulse %s deleted, %d blob(s) neither removed nor queued: %v", e.ImpulseID, len(e.Unqueued), e.Err)
	}
	return fmt.Sprintf("impulse %s deleted, blob cleanup deferred: %v", e.ImpulseID, e.Err)
}

// Deferred reports whether every failed blob was queued for the reconciler.
func (e *BlobCleanupError) Deferred() bool { return len(e.Unqueued) == 0 }

func (e *BlobCleanupError) Unwrap() error { return e.Err }

// IsWarning reports whether err is a non-fatal warning: the requested
// operation took effect and only follow-up cleanup failed.
func IsWarning(err error) bool {
	var bce *BlobCleanupError
	return errors.As(err, &bce)
}
