package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryObject is a blob held by MemoryGateway.
type MemoryObject struct {
	ContentType string
	Data        []byte
}

// MemoryGateway is an in-process Gateway for local development and tests.
// Failures can be injected per call with FailPut and FailDelete.
type MemoryGateway struct {
	bucket   string
	endpoint string

	mu         sync.Mutex
	objects    map[string]MemoryObject
	putCalls   []string
	delCalls   []string
	failPut    func(key string) error
	failDelete func(key string) error
}

// NewMemoryGateway returns an empty gateway whose URLs look like the
// configured bucket and endpoint.
func NewMemoryGateway(bucket, endpoint string) *MemoryGateway {
	return &MemoryGateway{
		bucket:   bucket,
		endpoint: endpoint,
		objects:  make(map[string]MemoryObject),
	}
}

// URLFor implements Gateway.
func (m *MemoryGateway) URLFor(key string) string {
	return PublicURL(m.bucket, m.endpoint, key)
}

// Put implements Gateway.
func (m *MemoryGateway) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls = append(m.putCalls, key)

	if err := ctx.Err(); err != nil {
		return "", &Error{Op: "put", Key: key, Err: err}
	}
	if m.failPut != nil {
		if err := m.failPut(key); err != nil {
			return "", &Error{Op: "put", Key: key, Err: err}
		}
	}
	m.objects[key] = MemoryObject{ContentType: contentType, Data: append([]byte(nil), data...)}
	return m.URLFor(key), nil
}

// Delete implements Gateway. Deleting a missing key yields ErrObjectNotFound.
func (m *MemoryGateway) Delete(ctx context.Context, objectURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delCalls = append(m.delCalls, objectURL)

	key, err := KeyFromURL(objectURL)
	if err != nil {
		return &Error{Op: "delete", Key: objectURL, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	if m.failDelete != nil {
		if err := m.failDelete(key); err != nil {
			return &Error{Op: "delete", Key: key, Err: err}
		}
	}
	if _, ok := m.objects[key]; !ok {
		return &Error{Op: "delete", Key: key, Err: ErrObjectNotFound}
	}
	delete(m.objects, key)
	return nil
}

// FailPut makes Put return fn's error for keys where fn returns non-nil.
// A nil fn clears the injection.
func (m *MemoryGateway) FailPut(fn func(key string) error) {
	m.mu.Lock()
	m.failPut = fn
	m.mu.Unlock()
}

// FailDelete is the Delete counterpart of FailPut.
func (m *MemoryGateway) FailDelete(fn func(key string) error) {
	m.mu.Lock()
	m.failDelete = fn
	m.mu.Unlock()
}

// Object returns the stored blob for key.
func (m *MemoryGateway) Object(key string) (MemoryObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Keys returns the stored keys in sorted order.
func (m *MemoryGateway) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCalls returns the keys passed to Put, in call order.
func (m *MemoryGateway) PutCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.putCalls...)
}

// DeleteCalls returns the URLs passed to Delete, in call order.
func (m *MemoryGateway) DeleteCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delCalls...)
}
