// Package storage is the object-store side of the impulse pipeline. It
// uploads and deletes the transformed media blobs and derives the public URL
// under which each stored key is served.
//
// Gateways are constructed explicitly from configuration and injected into
// the services; there is no package-level client.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrObjectNotFound reports that the object to delete does not exist.
// Compensating callers treat it as success.
var ErrObjectNotFound = errors.New("storage: object not found")

// ErrInvalidURL is returned when no key can be extracted from a URL.
var ErrInvalidURL = errors.New("storage: url has no object key")

// Gateway uploads and removes blobs. Implementations must be safe for
// concurrent use with distinct keys.
type Gateway interface {
	// Put stores data under key with public-read visibility and returns the
	// object's public URL.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Delete removes the object addressed by a URL previously returned by Put.
	Delete(ctx context.Context, objectURL string) error
	// URLFor returns the public URL key will have once stored. It performs
	// no I/O.
	URLFor(key string) string
}

// Error is a failed object-store call. Op is "put" or "delete".
type Error struct {
	Op  string
	Key string
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object was already absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrObjectNotFound) }

// PublicURL returns "https://{bucket}.{endpoint}/{key}". A scheme or
// trailing slash on endpoint is ignored.
func PublicURL(bucket, endpoint, key string) string {
	host := strings.TrimSuffix(hostOnly(endpoint), "/")
	return "https://" + bucket + "." + host + "/" + key
}

// KeyFromURL returns the trailing path segment of an object URL.
func KeyFromURL(objectURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(objectURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	key := path.Base(u.Path)
	if key == "." || key == "/" || key == "" {
		return "", ErrInvalidURL
	}
	return key, nil
}

func hostOnly(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	if i := strings.Index(e, "://"); i >= 0 {
		e = e[i+3:]
	}
	return e
}
