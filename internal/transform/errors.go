// Package transform implements the media stage of the impulse pipeline:
// classifying the two uploaded files and re-encoding them (image resize,
// audio compression) before anything is persisted. Every function in this
// package is side-effect free with respect to the database and object store.
package transform

import (
	"fmt"
)

// Error reports a corrupt or unsupported media payload. Op is the failed
// step ("resize" or "compress") and File the original upload name.
type Error struct {
	Op   string
	File string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("transform: %s %q: %v", e.Op, e.File, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func newError(op string, f UploadFile, err error) *Error {
	return &Error{Op: op, File: f.Name, Err: err}
}
