package engine

import "time"

// Clock abstracts wall time so cache TTLs and market-close windows are
// testable with a fake clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// CachedValue is a time-boxed cache entry. A nil entry is expired.
type CachedValue[T any] struct {
	Value     T
	ExpiresAt time.Time
}

func NewCachedValue[T any](value T, now time.Time, ttl time.Duration) *CachedValue[T] {
	return &CachedValue[T]{Value: value, ExpiresAt: now.Add(ttl)}
}

// Fresh reports whether the entry is still usable at the given instant.
func (c *CachedValue[T]) Fresh(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}
