// Package meta carries request-scoped metadata, such as the caller identity used
// for rate limiting, inside a context.Context.
package meta

import (
	"context"
	"fmt"
	"sync"
)

// Well-known keys.
const (
	KeyIP        = "ip"
	KeyAPIKey    = "api_key"
	KeyUserID    = "user_id"
	KeyClientID  = "client_id"
	KeyRequestID = "request_id"
)

type metadataKey struct{}

// Metadata holds request-scoped key-value pairs. Safe for concurrent use.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Metadata store.
func New() *Metadata {
	return &Metadata{data: make(map[string]any)}
}

// Set adds or replaces a value. Empty strings are ignored so that absent
// headers never shadow a fallback identity.
func (m *Metadata) Set(key string, value any) *Metadata {
	if s, ok := value.(string); ok && s == "" {
		return m
	}
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return m
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// WithContext returns a copy of ctx carrying m.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext returns the metadata attached to ctx, or an empty store.
func FromContext(ctx context.Context) *Metadata {
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok && md != nil {
		return md
	}
	return New()
}

// Get retrieves the value for key from ctx and asserts it to T.
func Get[T any](ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return zero, fmt.Errorf("meta: key '%s' not found in context metadata", key)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("meta: value for key '%s' has type %T, but type %T was requested", key, raw, zero)
	}
	return v, nil
}

// String returns the string stored under key, or "".
func String(ctx context.Context, key string) string {
	s, _ := Get[string](ctx, key)
	return s
}

// ClientID identifies the caller: an explicit client id, else the API key,
// else the remote address.
func ClientID(ctx context.Context) string {
	md := FromContext(ctx)
	for _, k := range []string{KeyClientID, KeyAPIKey, KeyIP} {
		if v, ok := md.Get(k); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
