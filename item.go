package tiercache

import (
	"reflect"
	"sync/atomic"
	"time"
)

// ExpirationMode selects how an item's lifetime is measured.
type ExpirationMode int8

const (
	// ExpirationDefault defers to the handle's configured expiration.
	// Items created without explicit expiration carry this mode.
	ExpirationDefault ExpirationMode = iota

	// ExpirationNone disables expiration for the item.
	ExpirationNone

	// ExpirationSliding expires the item after the timeout has elapsed
	// since the last access.
	ExpirationSliding

	// ExpirationAbsolute expires the item after the timeout has elapsed
	// since creation.
	ExpirationAbsolute
)

func (m ExpirationMode) String() string {
	switch m {
	case ExpirationDefault:
		return "Default"
	case ExpirationNone:
		return "None"
	case ExpirationSliding:
		return "Sliding"
	case ExpirationAbsolute:
		return "Absolute"
	default:
		return "Unknown"
	}
}

// MaxExpirationTimeout is the largest accepted expiration timeout.
const MaxExpirationTimeout = 365 * 24 * time.Hour

// Item is the record stored by cache handles. Everything except the
// last-accessed timestamp is immutable; the With* methods return modified
// copies instead of mutating in place, so one item instance can be shared
// safely across handles in the same process.
type Item[V any] struct {
	key          string
	value        V
	created      time.Time
	lastAccessed atomic.Int64 // unix nanoseconds, UTC
	mode         ExpirationMode
	timeout      time.Duration
	usesDefaults bool
}

// NewItem creates an item without explicit expiration. The handle the item
// ends up in applies its configured defaults (see ResolveExpiration).
func NewItem[V any](key string, value V) (*Item[V], error) {
	return newItem(key, value, ExpirationDefault, 0, true)
}

// NewItemWithExpiration creates an item carrying its own expiration, which
// takes precedence over any handle defaults.
func NewItemWithExpiration[V any](key string, value V, mode ExpirationMode, timeout time.Duration) (*Item[V], error) {
	return newItem(key, value, mode, timeout, false)
}

func newItem[V any](key string, value V, mode ExpirationMode, timeout time.Duration, usesDefaults bool) (*Item[V], error) {
	if key == "" {
		return nil, &InvalidArgumentError{Op: "NewItem", Reason: "key must not be empty"}
	}
	if isNil(value) {
		return nil, &InvalidArgumentError{Op: "NewItem", Reason: "value must not be nil"}
	}
	if err := validateExpiration(mode, timeout); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	it := &Item[V]{
		key:          key,
		value:        value,
		created:      now,
		mode:         mode,
		timeout:      timeout,
		usesDefaults: usesDefaults,
	}
	it.lastAccessed.Store(now.UnixNano())
	return it, nil
}

// RestoreItem rebuilds an item from previously captured state. It is meant
// for handles and serializers that persist items outside the process and
// need to reconstruct them with the original timestamps intact.
func RestoreItem[V any](key string, value V, created, lastAccessed time.Time, mode ExpirationMode, timeout time.Duration, usesDefaults bool) (*Item[V], error) {
	if err := requireUTC("RestoreItem", created); err != nil {
		return nil, err
	}
	if err := requireUTC("RestoreItem", lastAccessed); err != nil {
		return nil, err
	}
	it, err := newItem(key, value, mode, timeout, usesDefaults)
	if err != nil {
		return nil, err
	}
	it.created = created
	it.lastAccessed.Store(lastAccessed.UnixNano())
	return it, nil
}

func validateExpiration(mode ExpirationMode, timeout time.Duration) error {
	if timeout < 0 || timeout > MaxExpirationTimeout {
		return &InvalidArgumentError{Op: "expiration", Reason: "timeout must be within [0, 365 days]"}
	}
	switch mode {
	case ExpirationSliding, ExpirationAbsolute:
		if timeout == 0 {
			return &InvalidArgumentError{Op: "expiration", Reason: mode.String() + " expiration requires a timeout > 0"}
		}
	case ExpirationNone, ExpirationDefault:
		if timeout != 0 {
			return &InvalidArgumentError{Op: "expiration", Reason: mode.String() + " expiration does not take a timeout"}
		}
	default:
		return &InvalidArgumentError{Op: "expiration", Reason: "unknown expiration mode"}
	}
	return nil
}

// isNil reports whether v is nil, including a typed nil pointer, map,
// slice, channel, func or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func requireUTC(op string, t time.Time) error {
	if t.Location() != time.UTC {
		return &InvalidArgumentError{Op: op, Reason: "timestamp must be UTC"}
	}
	return nil
}

func (it *Item[V]) Key() string { return it.key }
func (it *Item[V]) Value() V    { return it.value }

// Created returns the item's creation timestamp (UTC).
func (it *Item[V]) Created() time.Time { return it.created }

// LastAccessed returns the timestamp of the most recent successful read.
func (it *Item[V]) LastAccessed() time.Time {
	return time.Unix(0, it.lastAccessed.Load()).UTC()
}

// Touch records an access now. Called by the coordinator on every hit;
// resets the deadline of sliding items.
func (it *Item[V]) Touch() {
	it.lastAccessed.Store(time.Now().UTC().UnixNano())
}

func (it *Item[V]) ExpirationMode() ExpirationMode   { return it.mode }
func (it *Item[V]) ExpirationTimeout() time.Duration { return it.timeout }
func (it *Item[V]) UsesExpirationDefaults() bool     { return it.usesDefaults }

// IsExpired reports whether the item is past its deadline right now.
func (it *Item[V]) IsExpired() bool {
	return it.IsExpiredAt(time.Now().UTC())
}

// IsExpiredAt reports whether the item is past its deadline at the given
// instant. Absolute items expire timeout after creation, sliding items
// timeout after the last access. None and Default never expire here.
func (it *Item[V]) IsExpiredAt(now time.Time) bool {
	switch it.mode {
	case ExpirationAbsolute:
		return it.created.Add(it.timeout).Before(now)
	case ExpirationSliding:
		return it.LastAccessed().Add(it.timeout).Before(now)
	default:
		return false
	}
}

// clone copies the item, preserving the last-accessed timestamp.
func (it *Item[V]) clone() *Item[V] {
	c := &Item[V]{
		key:          it.key,
		value:        it.value,
		created:      it.created,
		mode:         it.mode,
		timeout:      it.timeout,
		usesDefaults: it.usesDefaults,
	}
	c.lastAccessed.Store(it.lastAccessed.Load())
	return c
}

// WithValue returns a copy carrying the new value. Timestamps and
// expiration are preserved.
func (it *Item[V]) WithValue(value V) (*Item[V], error) {
	if isNil(value) {
		return nil, &InvalidArgumentError{Op: "WithValue", Reason: "value must not be nil"}
	}
	c := it.clone()
	c.value = value
	return c, nil
}

// WithExpiration returns a copy with the given expiration. usesDefaults
// marks the expiration as handle-supplied rather than caller-supplied.
func (it *Item[V]) WithExpiration(mode ExpirationMode, timeout time.Duration, usesDefaults bool) (*Item[V], error) {
	if err := validateExpiration(mode, timeout); err != nil {
		return nil, err
	}
	c := it.clone()
	c.mode = mode
	c.timeout = timeout
	c.usesDefaults = usesDefaults
	return c, nil
}

// WithAbsoluteExpiration returns a copy that expires the given duration
// from now. Creation is reset to now so the absolute clock restarts.
func (it *Item[V]) WithAbsoluteExpiration(timeout time.Duration) (*Item[V], error) {
	c, err := it.WithExpiration(ExpirationAbsolute, timeout, false)
	if err != nil {
		return nil, err
	}
	c.created = time.Now().UTC()
	return c, nil
}

// WithAbsoluteExpirationAt returns a copy that expires at the given UTC
// instant. Creation is reset to now so the absolute clock restarts.
func (it *Item[V]) WithAbsoluteExpirationAt(at time.Time) (*Item[V], error) {
	if err := requireUTC("WithAbsoluteExpirationAt", at); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	timeout := at.Sub(now)
	if timeout <= 0 {
		return nil, &InvalidArgumentError{Op: "WithAbsoluteExpirationAt", Reason: "instant must be in the future"}
	}
	c, err := it.WithExpiration(ExpirationAbsolute, timeout, false)
	if err != nil {
		return nil, err
	}
	c.created = now
	return c, nil
}

// WithSlidingExpiration returns a copy that expires after the given
// duration of inactivity. Creation is preserved.
func (it *Item[V]) WithSlidingExpiration(timeout time.Duration) (*Item[V], error) {
	return it.WithExpiration(ExpirationSliding, timeout, false)
}

// WithNoExpiration returns a copy that never expires.
func (it *Item[V]) WithNoExpiration() (*Item[V], error) {
	return it.WithExpiration(ExpirationNone, 0, false)
}

// WithDefaultExpiration returns a copy that defers to handle defaults again.
func (it *Item[V]) WithDefaultExpiration() (*Item[V], error) {
	return it.WithExpiration(ExpirationDefault, 0, true)
}

// WithCreated returns a copy with the creation timestamp replaced.
func (it *Item[V]) WithCreated(created time.Time) (*Item[V], error) {
	if err := requireUTC("WithCreated", created); err != nil {
		return nil, err
	}
	c := it.clone()
	c.created = created
	return c, nil
}
