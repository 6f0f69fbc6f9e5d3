// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes give
// clients a stable, machine-readable error taxonomy alongside the
// human-readable message.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror common HTTP status semantics.
//   - Pipeline codes (transform_failed, upload_failed, ...) name the stage of
//     the create/delete pipeline that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "duplicate_name",
//	  "message": "name: is already taken"
//	}
package handlers

const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeRateLimited     = "too_many_requests"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeInternal        = "internal_error"

	// Pipeline:
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeDuplicateName    = "duplicate_name"
	ErrCodeTransformFailed  = "transform_failed"
	ErrCodeUploadFailed     = "upload_failed"
	ErrCodeDeleteFailed     = "delete_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodeReconcileFailed  = "reconcile_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
