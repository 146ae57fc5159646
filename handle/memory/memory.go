// Package memory is the reference in-process cache handle: a keyed map
// guarded by an RWMutex, plus a background scanner that drops expired
// items and announces each one through the handle remove event. The
// handle evicts only on expiry; it has no size-based policy.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

const (
	defaultScanInterval = 5 * time.Second
	minFirstScanRatio   = 5 // first fire lands in [interval/5, interval)
)

type Config struct {
	tiercache.HandleConfig

	// ScanInterval is the period of the expiration scanner; 0 => 5s.
	ScanInterval time.Duration

	Logger tiercache.Logger
}

type Handle[V any] struct {
	cfg          tiercache.HandleConfig
	log          tiercache.Logger
	scanInterval time.Duration
	stats        *tiercache.Stats

	mu    sync.RWMutex
	items map[string]*tiercache.Item[V]

	// updateMu serializes read-modify-write cycles so concurrent updates
	// in this process cannot lose writes.
	updateMu sync.Mutex

	cbMu sync.RWMutex
	cbs  []func(tiercache.RemoveEvent[V])

	scanning  atomic.Int32
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ tiercache.Handle[string] = (*Handle[string])(nil)

func New[V any](cfg Config) (*Handle[V], error) {
	if err := cfg.HandleConfig.Validate(); err != nil {
		return nil, err
	}
	h := &Handle[V]{
		cfg:   cfg.HandleConfig,
		items: make(map[string]*tiercache.Item[V]),
		stats: tiercache.NewStats(cfg.EnableStatistics, cfg.EnablePerformanceCounters),
	}
	if cfg.Logger != nil {
		h.log = cfg.Logger
	} else {
		h.log = tiercache.NopLogger{}
	}
	h.scanInterval = defaultScanInterval
	if cfg.ScanInterval > 0 {
		h.scanInterval = cfg.ScanInterval
	}

	// jitter the first fire so handles constructed together do not scan
	// in lockstep
	min := h.scanInterval / minFirstScanRatio
	first := min + time.Duration(rand.Int63n(int64(h.scanInterval-min)))

	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.scanLoop(first)
	return h, nil
}

func (h *Handle[V]) Config() tiercache.HandleConfig { return h.cfg }
func (h *Handle[V]) Stats() *tiercache.Stats        { return h.stats }
func (h *Handle[V]) IsDistributed() bool            { return false }

func (h *Handle[V]) OnRemoveByHandle(fn func(tiercache.RemoveEvent[V])) {
	h.cbMu.Lock()
	h.cbs = append(h.cbs, fn)
	h.cbMu.Unlock()
}

func (h *Handle[V]) fireRemove(key string, reason tiercache.RemoveReason, value V) {
	ev := tiercache.RemoveEvent[V]{Key: key, Reason: reason, Value: value, HasValue: true}
	h.cbMu.RLock()
	cbs := h.cbs
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (h *Handle[V]) guard() error {
	if h.closed.Load() {
		return tiercache.ErrClosed
	}
	return nil
}

// Add is insert-if-absent. An expired leftover under the key counts as
// absent: it is dropped (announced as expired) and the new item wins.
func (h *Handle[V]) Add(_ context.Context, item *tiercache.Item[V]) (bool, error) {
	if err := h.guard(); err != nil {
		return false, err
	}
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return false, err
	}

	var expired *tiercache.Item[V]
	h.mu.Lock()
	cur, exists := h.items[item.Key()]
	if exists && cur.IsExpired() {
		expired = cur
		exists = false
	}
	if !exists {
		h.items[item.Key()] = item
	}
	h.mu.Unlock()

	if expired != nil {
		h.stats.OnEvict()
		h.fireRemove(expired.Key(), tiercache.ReasonExpired, expired.Value())
	}
	if !exists {
		h.stats.OnAdd()
		return true, nil
	}
	return false, nil
}

func (h *Handle[V]) Get(_ context.Context, key string) (*tiercache.Item[V], bool, error) {
	if err := h.guard(); err != nil {
		return nil, false, err
	}
	h.mu.RLock()
	item, ok := h.items[key]
	h.mu.RUnlock()

	if !ok {
		h.stats.OnMiss()
		return nil, false, nil
	}
	if item.IsExpired() {
		h.removeExpired(key, item)
		h.stats.OnMiss()
		return nil, false, nil
	}
	h.stats.OnHit()
	return item, true, nil
}

// removeExpired deletes the entry only if it is still the same item, so
// a concurrent overwrite is not lost, and fires at most one event per
// removal.
func (h *Handle[V]) removeExpired(key string, item *tiercache.Item[V]) {
	h.mu.Lock()
	cur, ok := h.items[key]
	if ok && cur == item {
		delete(h.items, key)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		h.stats.OnEvict()
		h.fireRemove(key, tiercache.ReasonExpired, item.Value())
	}
}

func (h *Handle[V]) Put(_ context.Context, item *tiercache.Item[V]) error {
	if err := h.guard(); err != nil {
		return err
	}
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	_, existed := h.items[item.Key()]
	h.items[item.Key()] = item
	h.mu.Unlock()

	h.stats.OnPut(!existed)
	return nil
}

func (h *Handle[V]) Remove(_ context.Context, key string) (bool, error) {
	if err := h.guard(); err != nil {
		return false, err
	}
	h.mu.Lock()
	_, ok := h.items[key]
	if ok {
		delete(h.items, key)
	}
	h.mu.Unlock()

	if ok {
		h.stats.OnRemove()
	}
	return ok, nil
}

func (h *Handle[V]) Clear(_ context.Context) error {
	if err := h.guard(); err != nil {
		return err
	}
	h.mu.Lock()
	h.items = make(map[string]*tiercache.Item[V])
	h.mu.Unlock()

	h.stats.OnClear()
	return nil
}

func (h *Handle[V]) Exists(_ context.Context, key string) (bool, error) {
	if err := h.guard(); err != nil {
		return false, err
	}
	h.mu.RLock()
	_, ok := h.items[key]
	h.mu.RUnlock()
	return ok, nil
}

func (h *Handle[V]) Count(_ context.Context) (int64, error) {
	if err := h.guard(); err != nil {
		return 0, err
	}
	h.mu.RLock()
	n := len(h.items)
	h.mu.RUnlock()
	return int64(n), nil
}

// Update is serialized by the per-handle update mutex; maxRetries is
// part of the handle contract but a single attempt always suffices here.
func (h *Handle[V]) Update(_ context.Context, key string, fn tiercache.UpdateFunc[V], _ int) (tiercache.UpdateResult[V], error) {
	if err := h.guard(); err != nil {
		return tiercache.UpdateResult[V]{}, err
	}

	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	h.mu.RLock()
	item, ok := h.items[key]
	h.mu.RUnlock()

	if !ok {
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateItemDidNotExist, Tries: 1}, nil
	}
	if item.IsExpired() {
		h.removeExpired(key, item)
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateItemDidNotExist, Tries: 1}, nil
	}

	next, ok := fn(item.Value())
	if !ok {
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateFactoryReturnedNil, Tries: 1}, nil
	}

	updated, err := item.WithValue(next)
	if err != nil {
		return tiercache.UpdateResult[V]{}, err
	}
	updated.Touch()

	h.mu.Lock()
	h.items[key] = updated
	h.mu.Unlock()

	res := tiercache.UpdateResult[V]{Outcome: tiercache.UpdateSuccess, Item: updated, Tries: 1}
	h.stats.OnUpdate(res.Tries)
	return res, nil
}

func (h *Handle[V]) Close(_ context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
		h.wg.Wait()
		h.mu.Lock()
		h.items = make(map[string]*tiercache.Item[V])
		h.mu.Unlock()
	})
	return nil
}

func (h *Handle[V]) scanLoop(first time.Duration) {
	defer h.wg.Done()
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-timer.C:
			h.scan()
			timer.Reset(h.scanInterval)
		}
	}
}

// scan removes every item expired at the captured now. Overlapping runs
// are suppressed with a compare-and-swap on the running flag, which is
// always reset on the way out; a panicking scan is logged, never
// propagated.
func (h *Handle[V]) scan() {
	if !h.scanning.CompareAndSwap(0, 1) {
		return
	}
	defer h.scanning.Store(0)
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("expiration scan panicked", tiercache.Fields{"handle": h.cfg.Name, "panic": p})
		}
	}()

	now := time.Now().UTC()

	h.mu.Lock()
	var expired []*tiercache.Item[V]
	for key, item := range h.items {
		if item.IsExpiredAt(now) {
			delete(h.items, key)
			expired = append(expired, item)
		}
	}
	h.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	h.log.Debug("expiration scan removed items", tiercache.Fields{"handle": h.cfg.Name, "removed": len(expired)})
	for _, item := range expired {
		h.stats.OnEvict()
		h.fireRemove(item.Key(), tiercache.ReasonExpired, item.Value())
	}
}
