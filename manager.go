package tiercache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxRetries   = 50
	defaultRetryTimeout = 100 * time.Millisecond
)

type manager[V any] struct {
	name         string
	handles      []Handle[V]
	backplane    Backplane
	updateMode   UpdateMode
	maxRetries   int
	retryTimeout time.Duration
	log          Logger
	listener     Listener[V]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newManager[V any](opts Options[V]) (*manager[V], error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("tiercache: name is required")
	}
	if len(opts.Handles) == 0 {
		return nil, fmt.Errorf("tiercache: at least one handle is required")
	}
	if opts.MaxRetries < 0 {
		return nil, &InvalidArgumentError{Op: "Options", Reason: "max retries must not be negative"}
	}

	sources := 0
	for _, h := range opts.Handles {
		if h == nil {
			return nil, fmt.Errorf("tiercache: nil handle")
		}
		if h.Config().IsBackplaneSource {
			sources++
		}
	}
	if sources > 1 {
		return nil, fmt.Errorf("tiercache: more than one handle is marked as backplane source")
	}
	if opts.Backplane != nil && sources == 0 {
		return nil, fmt.Errorf("tiercache: a backplane requires one handle marked as backplane source")
	}

	m := &manager[V]{
		name:       opts.Name,
		handles:    opts.Handles,
		backplane:  opts.Backplane,
		updateMode: opts.UpdateMode,
	}
	m.log = Logger(NopLogger{})
	if opts.Logger != nil {
		m.log = opts.Logger
	}
	m.listener = Listener[V](NopListener[V]{})
	if opts.Listener != nil {
		m.listener = opts.Listener
	}
	m.maxRetries = coalesce(opts.MaxRetries, defaultMaxRetries)
	m.retryTimeout = coalesce(opts.RetryTimeout, defaultRetryTimeout)

	for i, h := range m.handles {
		idx := i
		h.OnRemoveByHandle(func(ev RemoveEvent[V]) {
			m.onHandleRemove(idx, ev)
		})
	}
	if m.backplane != nil {
		m.backplane.Subscribe(&backplaneReceiver[V]{m: m})
	}
	return m, nil
}

func (m *manager[V]) Name() string         { return m.name }
func (m *manager[V]) Handles() []Handle[V] { return m.handles }

func (m *manager[V]) back() Handle[V] { return m.handles[len(m.handles)-1] }

func (m *manager[V]) guard() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *manager[V]) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		var errs []error
		if m.backplane != nil {
			if err := m.backplane.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for _, h := range m.handles {
			if err := h.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// --- writes ---

func (m *manager[V]) Add(ctx context.Context, key string, value V) (bool, error) {
	item, err := NewItem(key, value)
	if err != nil {
		return false, err
	}
	return m.AddItem(ctx, item)
}

// AddItem writes to the back handle only. The back handle is
// authoritative: honoring its rejection prevents lost updates, and
// evicting the upper layers forces the next read to re-promote the fresh
// version. A concurrent Get can briefly serve a stale upper copy while
// the evictions run; that window is documented non-atomicity.
func (m *manager[V]) AddItem(ctx context.Context, item *Item[V]) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	if item == nil {
		return false, &InvalidArgumentError{Op: "AddItem", Reason: "item must not be nil"}
	}

	back := m.back()
	ok, err := back.Add(ctx, item)
	if err != nil {
		return false, &HandleError{Handle: back.Config().Name, Op: "add", Err: err}
	}
	if !ok {
		return false, nil
	}

	m.evictFromOthers(ctx, item.Key(), len(m.handles)-1)
	m.notifyChange(ctx, item.Key(), ChangeAdd)
	m.listener.OnAdd(item.Key(), OriginLocal)
	return true, nil
}

func (m *manager[V]) Put(ctx context.Context, key string, value V) error {
	item, err := NewItem(key, value)
	if err != nil {
		return err
	}
	return m.PutItem(ctx, item)
}

// PutItem writes to every handle in order. A failing handle aborts the
// remaining ones - Put is not all-or-nothing.
func (m *manager[V]) PutItem(ctx context.Context, item *Item[V]) error {
	if err := m.guard(); err != nil {
		return err
	}
	if item == nil {
		return &InvalidArgumentError{Op: "PutItem", Reason: "item must not be nil"}
	}

	for _, h := range m.handles {
		if err := h.Put(ctx, item); err != nil {
			m.log.Error("put failed", Fields{"cache": m.name, "handle": h.Config().Name, "key": item.Key(), "err": err})
			return &HandleError{Handle: h.Config().Name, Op: "put", Err: err}
		}
	}
	m.notifyChange(ctx, item.Key(), ChangePut)
	m.listener.OnPut(item.Key(), OriginLocal)
	return nil
}

// --- reads ---

func (m *manager[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	item, ok, err := m.GetItem(ctx, key)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	return item.Value(), nil
}

// GetItem walks the handles front to back. A hit is touched, then copied
// into every faster handle so the next read stops earlier. A handle
// error counts as a miss on that handle and the walk continues.
func (m *manager[V]) GetItem(ctx context.Context, key string) (*Item[V], bool, error) {
	if err := m.guard(); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, &InvalidArgumentError{Op: "GetItem", Reason: "key must not be empty"}
	}

	for i, h := range m.handles {
		item, ok, err := h.Get(ctx, key)
		if err != nil {
			m.log.Warn("get failed, treating as miss", Fields{"cache": m.name, "handle": h.Config().Name, "key": key, "err": err})
			continue
		}
		if !ok {
			continue
		}

		item.Touch()
		for j := 0; j < i; j++ {
			if err := m.handles[j].Put(ctx, item); err != nil {
				m.log.Warn("promotion failed", Fields{"cache": m.name, "handle": m.handles[j].Config().Name, "key": key, "err": err})
			}
		}
		m.listener.OnGet(key)
		return item, true, nil
	}
	return nil, false, nil
}

func (m *manager[V]) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	for _, h := range m.handles {
		ok, err := h.Exists(ctx, key)
		if err != nil {
			m.log.Warn("exists failed", Fields{"cache": m.name, "handle": h.Config().Name, "key": key, "err": err})
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// --- removal ---

func (m *manager[V]) Remove(ctx context.Context, key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	removed := false
	var firstErr error
	for _, h := range m.handles {
		ok, err := h.Remove(ctx, key)
		if err != nil {
			m.log.Warn("remove failed", Fields{"cache": m.name, "handle": h.Config().Name, "key": key, "err": err})
			if firstErr == nil {
				firstErr = &HandleError{Handle: h.Config().Name, Op: "remove", Err: err}
			}
			continue
		}
		removed = removed || ok
	}
	if removed {
		m.notifyRemove(ctx, key)
		m.listener.OnRemove(key, OriginLocal)
	}
	return removed, firstErr
}

func (m *manager[V]) Clear(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	var firstErr error
	for _, h := range m.handles {
		if err := h.Clear(ctx); err != nil {
			m.log.Warn("clear failed", Fields{"cache": m.name, "handle": h.Config().Name, "err": err})
			if firstErr == nil {
				firstErr = &HandleError{Handle: h.Config().Name, Op: "clear", Err: err}
			}
		}
	}
	m.notifyClear(ctx)
	m.listener.OnClear(OriginLocal)
	return firstErr
}

// --- update ---

func (m *manager[V]) Update(ctx context.Context, key string, fn UpdateFunc[V]) (V, error) {
	return m.UpdateWithRetries(ctx, key, fn, m.maxRetries)
}

func (m *manager[V]) UpdateWithRetries(ctx context.Context, key string, fn UpdateFunc[V], maxRetries int) (V, error) {
	v, res, err := m.update(ctx, key, fn, maxRetries)
	if err != nil {
		return v, err
	}
	if res.Outcome != UpdateSuccess {
		return v, &UpdateFailedError{Key: key, Outcome: res.Outcome, Tries: res.Tries}
	}
	return v, nil
}

func (m *manager[V]) TryUpdate(ctx context.Context, key string, fn UpdateFunc[V]) (V, bool, error) {
	return m.TryUpdateWithRetries(ctx, key, fn, m.maxRetries)
}

func (m *manager[V]) TryUpdateWithRetries(ctx context.Context, key string, fn UpdateFunc[V], maxRetries int) (V, bool, error) {
	v, res, err := m.update(ctx, key, fn, maxRetries)
	if err != nil {
		return v, false, err
	}
	return v, res.Outcome == UpdateSuccess, nil
}

// update targets the back handle and interprets the outcome. The eviction
// loops stay index-general so an intermediate target keeps working should
// one ever be configured.
func (m *manager[V]) update(ctx context.Context, key string, fn UpdateFunc[V], maxRetries int) (V, UpdateResult[V], error) {
	var zero V
	if err := m.guard(); err != nil {
		return zero, UpdateResult[V]{}, err
	}
	if fn == nil {
		return zero, UpdateResult[V]{}, &InvalidArgumentError{Op: "Update", Reason: "update func must not be nil"}
	}
	if maxRetries < 0 {
		return zero, UpdateResult[V]{}, &InvalidArgumentError{Op: "Update", Reason: "max retries must not be negative"}
	}

	target := len(m.handles) - 1
	back := m.handles[target]
	res, err := back.Update(ctx, key, fn, maxRetries)
	if err != nil {
		return zero, res, &HandleError{Handle: back.Config().Name, Op: "update", Err: err}
	}

	switch res.Outcome {
	case UpdateSuccess:
		for j := 0; j < target; j++ {
			m.evict(ctx, m.handles[j], key)
		}
		for j := target + 1; j < len(m.handles); j++ {
			if err := m.handles[j].Put(ctx, res.Item); err != nil {
				m.log.Warn("post-update put failed", Fields{"cache": m.name, "handle": m.handles[j].Config().Name, "key": key, "err": err})
			}
		}
		m.notifyChange(ctx, key, ChangeUpdate)
		m.listener.OnUpdate(key, OriginLocal)
		return res.Item.Value(), res, nil

	case UpdateFactoryReturnedNil:
		m.log.Warn("update factory returned no value", Fields{"cache": m.name, "key": key})
		return zero, res, nil

	default: // ItemDidNotExist, TooManyRetries
		// drop the other layers so they cannot diverge from whatever the
		// back handle holds now
		m.evictFromOthers(ctx, key, target)
		m.log.Warn("update failed", Fields{"cache": m.name, "key": key, "outcome": res.Outcome.String(), "tries": res.Tries})
		return zero, res, nil
	}
}

func (m *manager[V]) AddOrUpdate(ctx context.Context, key string, addValue V, fn UpdateFunc[V]) (V, error) {
	return m.AddOrUpdateWithRetries(ctx, key, addValue, fn, m.maxRetries)
}

// AddOrUpdateWithRetries alternates add and update until one sticks.
// Cross-node racers may both succeed the add or both proceed to update -
// there is no distributed atomicity here.
func (m *manager[V]) AddOrUpdateWithRetries(ctx context.Context, key string, addValue V, fn UpdateFunc[V], maxRetries int) (V, error) {
	var zero V
	if maxRetries < 0 {
		return zero, &InvalidArgumentError{Op: "AddOrUpdate", Reason: "max retries must not be negative"}
	}
	item, err := NewItem(key, addValue)
	if err != nil {
		return zero, err
	}

	tries := 0
	for ; tries <= maxRetries; tries++ {
		ok, err := m.AddItem(ctx, item)
		if err != nil {
			return zero, err
		}
		if ok {
			return addValue, nil
		}
		v, ok, err := m.TryUpdateWithRetries(ctx, key, fn, maxRetries)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
	}
	return zero, &UpdateFailedError{Key: key, Outcome: UpdateTooManyRetries, Tries: tries}
}

// --- get-or-add ---

func (m *manager[V]) GetOrAdd(ctx context.Context, key string, value V) (V, error) {
	return m.GetOrAddFunc(ctx, key, func(string) (V, bool) { return value, true })
}

func (m *manager[V]) GetOrAddFunc(ctx context.Context, key string, factory func(key string) (V, bool)) (V, error) {
	declined := false
	wrapped := factory
	if factory != nil {
		wrapped = func(k string) (V, bool) {
			v, ok := factory(k)
			declined = !ok
			return v, ok
		}
	}
	v, ok, err := m.TryGetOrAdd(ctx, key, wrapped)
	if err != nil {
		return v, err
	}
	if !ok {
		if declined {
			return v, &UpdateFailedError{Key: key, Outcome: UpdateFactoryReturnedNil, Tries: 1}
		}
		return v, &UpdateFailedError{Key: key, Outcome: UpdateTooManyRetries, Tries: m.maxRetries + 1}
	}
	return v, nil
}

func (m *manager[V]) TryGetOrAdd(ctx context.Context, key string, factory func(key string) (V, bool)) (V, bool, error) {
	var zero V
	if factory == nil {
		return zero, false, &InvalidArgumentError{Op: "TryGetOrAdd", Reason: "factory must not be nil"}
	}
	item, ok, err := m.TryGetOrAddItem(ctx, key, func(k string) (*Item[V], error) {
		v, ok := factory(k)
		if !ok {
			return nil, nil
		}
		return NewItem(k, v)
	})
	if err != nil || !ok {
		return zero, false, err
	}
	return item.Value(), true, nil
}

// TryGetOrAddItem loops read-then-add. The factory runs at most once
// across all retries; the candidate is kept and reused. A nil candidate
// from the factory aborts immediately. If every attempt loses the race,
// an unused candidate value that owns resources is closed.
func (m *manager[V]) TryGetOrAddItem(ctx context.Context, key string, factory func(key string) (*Item[V], error)) (*Item[V], bool, error) {
	if err := m.guard(); err != nil {
		return nil, false, err
	}
	if factory == nil {
		return nil, false, &InvalidArgumentError{Op: "TryGetOrAddItem", Reason: "factory must not be nil"}
	}

	var candidate *Item[V]
	for tries := 0; tries <= m.maxRetries; tries++ {
		item, ok, err := m.GetItem(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if candidate != nil {
				disposeValue(candidate.Value())
			}
			return item, true, nil
		}

		if candidate == nil {
			candidate, err = factory(key)
			if err != nil {
				return nil, false, err
			}
			if candidate == nil {
				return nil, false, nil
			}
		}

		added, err := m.AddItem(ctx, candidate)
		if err != nil {
			disposeValue(candidate.Value())
			return nil, false, err
		}
		if added {
			return candidate, true, nil
		}
	}
	if candidate != nil {
		disposeValue(candidate.Value())
	}
	return nil, false, nil
}

func disposeValue(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// --- expiration rewrite ---

func (m *manager[V]) Expire(ctx context.Context, key string, mode ExpirationMode, timeout time.Duration) error {
	return m.expire(ctx, key, func(it *Item[V]) (*Item[V], error) {
		switch mode {
		case ExpirationAbsolute:
			return it.WithAbsoluteExpiration(timeout)
		case ExpirationSliding:
			return it.WithSlidingExpiration(timeout)
		case ExpirationNone:
			return it.WithNoExpiration()
		case ExpirationDefault:
			return it.WithDefaultExpiration()
		default:
			return nil, &InvalidArgumentError{Op: "Expire", Reason: "unknown expiration mode"}
		}
	})
}

func (m *manager[V]) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return m.expire(ctx, key, func(it *Item[V]) (*Item[V], error) {
		return it.WithAbsoluteExpirationAt(at)
	})
}

func (m *manager[V]) ExpireSliding(ctx context.Context, key string, timeout time.Duration) error {
	return m.expire(ctx, key, func(it *Item[V]) (*Item[V], error) {
		return it.WithSlidingExpiration(timeout)
	})
}

func (m *manager[V]) RemoveExpiration(ctx context.Context, key string) error {
	return m.expire(ctx, key, func(it *Item[V]) (*Item[V], error) {
		return it.WithNoExpiration()
	})
}

// expire reads the current item, rewrites its expiration and puts the
// result through all handles. Not atomic across nodes.
func (m *manager[V]) expire(ctx context.Context, key string, rewrite func(*Item[V]) (*Item[V], error)) error {
	item, ok, err := m.GetItem(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	next, err := rewrite(item)
	if err != nil {
		return err
	}
	return m.PutItem(ctx, next)
}

// --- handle event wiring ---

// onHandleRemove reacts to a removal a handle decided on its own. With
// UpdateModeUp the layers in front of it are evicted so they cannot keep
// serving a copy the lower tier just dropped; UpdateModeFull evicts every
// other layer. The event is re-emitted with the 1-based handle level.
func (m *manager[V]) onHandleRemove(idx int, ev RemoveEvent[V]) {
	ctx := context.Background()
	switch m.updateMode {
	case UpdateModeUp:
		for j := 0; j < idx; j++ {
			m.evict(ctx, m.handles[j], ev.Key)
		}
	case UpdateModeFull:
		m.evictFromOthers(ctx, ev.Key, idx)
	}

	ev.Level = idx + 1
	m.listener.OnRemoveByHandle(ev)
}

func (m *manager[V]) evictFromOthers(ctx context.Context, key string, except int) {
	for j, h := range m.handles {
		if j == except {
			continue
		}
		m.evict(ctx, h, key)
	}
}

func (m *manager[V]) evict(ctx context.Context, h Handle[V], key string) {
	if _, err := h.Remove(ctx, key); err != nil {
		m.log.Warn("evict failed", Fields{"cache": m.name, "handle": h.Config().Name, "key": key, "err": err})
	}
}

// --- backplane ---

func (m *manager[V]) notifyChange(ctx context.Context, key string, action ChangeAction) {
	if m.backplane == nil {
		return
	}
	if err := m.backplane.NotifyChange(ctx, key, action); err != nil {
		m.log.Warn("backplane change notification failed", Fields{"cache": m.name, "key": key, "action": action.String(), "err": err})
	}
}

func (m *manager[V]) notifyRemove(ctx context.Context, key string) {
	if m.backplane == nil {
		return
	}
	if err := m.backplane.NotifyRemove(ctx, key); err != nil {
		m.log.Warn("backplane remove notification failed", Fields{"cache": m.name, "key": key, "err": err})
	}
}

func (m *manager[V]) notifyClear(ctx context.Context) {
	if m.backplane == nil {
		return
	}
	if err := m.backplane.NotifyClear(ctx); err != nil {
		m.log.Warn("backplane clear notification failed", Fields{"cache": m.name, "err": err})
	}
}

// syncTargets selects the handles a remote notification applies to. A
// distributed source handle already observed the change on its own
// backend; every other handle needs the invalidation. An in-memory
// source is not distributed, so remove/clear notifications (which pass
// includeSource) must reach it too.
func (m *manager[V]) syncTargets(includeSource bool) []Handle[V] {
	out := make([]Handle[V], 0, len(m.handles))
	for _, h := range m.handles {
		if !h.Config().IsBackplaneSource || (includeSource && !h.IsDistributed()) {
			out = append(out, h)
		}
	}
	return out
}

// backplaneReceiver keeps the Receiver methods off the public manager
// surface. Handler failures are logged and swallowed - the delivery
// goroutine must never crash.
type backplaneReceiver[V any] struct {
	m *manager[V]
}

func (r *backplaneReceiver[V]) OnChanged(key string, action ChangeAction) {
	defer r.recoverPanic("changed")
	m := r.m
	if m.closed.Load() {
		return
	}
	ctx := context.Background()
	for _, h := range m.syncTargets(false) {
		m.evict(ctx, h, key)
	}
	switch action {
	case ChangeAdd:
		m.listener.OnAdd(key, OriginRemote)
	case ChangePut:
		m.listener.OnPut(key, OriginRemote)
	case ChangeUpdate:
		m.listener.OnUpdate(key, OriginRemote)
	}
}

func (r *backplaneReceiver[V]) OnRemoved(key string) {
	defer r.recoverPanic("removed")
	m := r.m
	if m.closed.Load() {
		return
	}
	ctx := context.Background()
	for _, h := range m.syncTargets(true) {
		m.evict(ctx, h, key)
	}
	m.listener.OnRemove(key, OriginRemote)
}

func (r *backplaneReceiver[V]) OnCleared() {
	defer r.recoverPanic("cleared")
	m := r.m
	if m.closed.Load() {
		return
	}
	ctx := context.Background()
	for _, h := range m.syncTargets(true) {
		if err := h.Clear(ctx); err != nil {
			m.log.Warn("remote clear failed", Fields{"cache": m.name, "handle": h.Config().Name, "err": err})
		}
	}
	m.listener.OnClear(OriginRemote)
}

func (r *backplaneReceiver[V]) recoverPanic(op string) {
	if p := recover(); p != nil {
		r.m.log.Error("backplane handler panicked", Fields{"cache": r.m.name, "op": op, "panic": p})
	}
}
