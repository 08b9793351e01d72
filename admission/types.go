package admission

import (
	"errors"
	"time"
)

var (
	// ErrRateLimited means the caller may retry after Response.RetryAfter.
	ErrRateLimited = errors.New("admission: rate limited")
	// ErrCacheStoreUnavailable means the shared store could not be reached.
	// Reads degrade around it; writes fail with it, possibly after the data
	// source accepted the value (see ErrVersionConflict).
	ErrCacheStoreUnavailable = errors.New("admission: cache store unavailable")
	// ErrVersionConflict means a write kept losing the compare-and-set race.
	// The data source may already hold the value: writes persist before the
	// compare-and-set, so an ERROR does not mean the write was not applied.
	// The caches are cleared and the next read returns what the source holds.
	ErrVersionConflict = errors.New("admission: version conflict")
	// ErrDeliveryGap means invalidations were missed and the local cache was purged.
	ErrDeliveryGap = errors.New("admission: invalidation delivery gap")
	// ErrInvalidRequest is returned for requests without a key or with an unknown operation.
	ErrInvalidRequest = errors.New("admission: invalid request")
)

// Op is the requested operation.
type Op string

const (
	OpRead   Op = "READ"
	OpWrite  Op = "WRITE"
	OpDelete Op = "DELETE"
)

// Status is the outcome reported to the caller.
type Status string

const (
	StatusOK     Status = "OK"
	StatusDenied Status = "DENIED"
	StatusError  Status = "ERROR"
)

// MutateFunc computes the new value of a key from its current one. It may be
// called more than once when concurrent writers race.
type MutateFunc func(old []byte, found bool) ([]byte, error)

// Request is an inbound request descriptor.
type Request struct {
	Key     string
	Op      Op
	Payload []byte

	// Mutate, when set on a WRITE, replaces Payload with a read-modify-write.
	Mutate MutateFunc

	// Route selects the rate limit rule. Defaults to Key.
	Route string
	// Client, when set, is the rate limit identity of the caller. Otherwise
	// the identity is taken from request metadata.
	Client string
	// Cost in tokens. Defaults to 1.
	Cost float64
}

// Response is the outcome of a request.
type Response struct {
	Status     Status
	Value      []byte
	Found      bool
	Version    uint64
	RetryAfter time.Duration

	// Limit and Remaining describe the tightest bucket the request was
	// charged to. Limit is zero when no rate limit rule applied.
	Limit     int64
	Remaining int64
	Err       error
}

func errorResponse(err error) Response {
	return Response{Status: StatusError, Err: err}
}
