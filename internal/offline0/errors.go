package offline0

import "errors"

// ErrQuotaExceeded is returned when a cache write would push the store past its quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrNetwork wraps failures of the network layer.
var ErrNetwork = errors.New("network request failed")

// ErrInvalidConfig is returned for configuration that cannot produce a policy.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrStoreClosed is returned by cache operations after the store is closed.
var ErrStoreClosed = errors.New("cache store is closed")

// ErrCacheDeleted is returned by writes through a Cache handle whose generation
// was deleted after the handle was opened.
var ErrCacheDeleted = errors.New("cache generation was deleted")
