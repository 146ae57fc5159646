// Package ristretto implements a cache handle on dgraph-io/ristretto, a
// cost-based admission store. Items are kept in-process as live values,
// so no codec is involved. Ristretto may refuse a write under pressure;
// the handle reports that as a rejected Add/Put rather than an error.
// Removals ristretto decides on its own surface through OnEvict as remove
// events: Expired when the item is past its deadline, Evicted otherwise.
package ristretto

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/tiercache"
)

type Config[V any] struct {
	tiercache.HandleConfig

	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool

	// Cost prices an item for admission; nil => every item costs 1.
	Cost func(item *tiercache.Item[V]) int64

	Logger tiercache.Logger
}

type Handle[V any] struct {
	cfg   tiercache.HandleConfig
	c     *rc.Cache
	cost  func(item *tiercache.Item[V]) int64
	log   tiercache.Logger
	stats *tiercache.Stats

	// count tracks live entries; ristretto itself has no length. OnEvict
	// keeps it honest when the store drops entries on its own.
	count atomic.Int64

	writeMu sync.Mutex

	cbMu sync.RWMutex
	cbs  []func(tiercache.RemoveEvent[V])
}

var _ tiercache.Handle[string] = (*Handle[string])(nil)

func New[V any](cfg Config[V]) (*Handle[V], error) {
	if err := cfg.HandleConfig.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, &tiercache.InvalidArgumentError{Op: "ristretto.New", Reason: "counters, cost and buffer sizes must be positive"}
	}

	h := &Handle[V]{
		cfg:   cfg.HandleConfig,
		cost:  cfg.Cost,
		stats: tiercache.NewStats(cfg.EnableStatistics, cfg.EnablePerformanceCounters),
	}
	if h.cost == nil {
		h.cost = func(*tiercache.Item[V]) int64 { return 1 }
	}
	if cfg.Logger != nil {
		h.log = cfg.Logger
	} else {
		h.log = tiercache.NopLogger{}
	}

	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnEvict:     h.onEvict,
	})
	if err != nil {
		return nil, err
	}
	h.c = c
	return h, nil
}

func (h *Handle[V]) Config() tiercache.HandleConfig { return h.cfg }
func (h *Handle[V]) Stats() *tiercache.Stats        { return h.stats }
func (h *Handle[V]) IsDistributed() bool            { return false }

// Metrics exposes ristretto's own counters; not part of the handle
// contract.
func (h *Handle[V]) Metrics() *rc.Metrics { return h.c.Metrics }

func (h *Handle[V]) OnRemoveByHandle(fn func(tiercache.RemoveEvent[V])) {
	h.cbMu.Lock()
	h.cbs = append(h.cbs, fn)
	h.cbMu.Unlock()
}

func (h *Handle[V]) fireRemove(ev tiercache.RemoveEvent[V]) {
	h.cbMu.RLock()
	cbs := h.cbs
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// onEvict fires for entries ristretto drops on its own (pressure or
// TTL). The stored value carries the original string key - ristretto
// only keeps key hashes.
func (h *Handle[V]) onEvict(entry *rc.Item) {
	item, ok := entry.Value.(*tiercache.Item[V])
	if !ok {
		return
	}
	h.count.Add(-1)
	h.stats.OnEvict()

	reason := tiercache.ReasonEvicted
	if item.IsExpired() {
		reason = tiercache.ReasonExpired
	}
	h.fireRemove(tiercache.RemoveEvent[V]{Key: item.Key(), Reason: reason, Value: item.Value(), HasValue: true})
}

func ttl[V any](item *tiercache.Item[V]) time.Duration {
	switch item.ExpirationMode() {
	case tiercache.ExpirationSliding:
		return item.ExpirationTimeout()
	case tiercache.ExpirationAbsolute:
		d := time.Until(item.Created().Add(item.ExpirationTimeout()))
		if d <= 0 {
			return time.Millisecond
		}
		return d
	default:
		return 0
	}
}

// set stores the item and waits for the write buffer so the entry is
// visible to the next read.
func (h *Handle[V]) set(item *tiercache.Item[V], existed bool) bool {
	ok := h.c.SetWithTTL(item.Key(), item, h.cost(item), ttl(item))
	h.c.Wait()
	if ok && !existed {
		h.count.Add(1)
	}
	return ok
}

func (h *Handle[V]) lookup(key string) (*tiercache.Item[V], bool) {
	v, ok := h.c.Get(key)
	if !ok {
		return nil, false
	}
	item, ok := v.(*tiercache.Item[V])
	if !ok {
		h.c.Del(key)
		return nil, false
	}
	return item, true
}

func (h *Handle[V]) Add(_ context.Context, item *tiercache.Item[V]) (bool, error) {
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return false, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if cur, ok := h.lookup(item.Key()); ok && !cur.IsExpired() {
		return false, nil
	}
	if !h.set(item, false) {
		// admission refused the write under pressure
		return false, nil
	}
	h.stats.OnAdd()
	return true, nil
}

func (h *Handle[V]) Get(_ context.Context, key string) (*tiercache.Item[V], bool, error) {
	item, ok := h.lookup(key)
	if !ok {
		h.stats.OnMiss()
		return nil, false, nil
	}
	if item.IsExpired() {
		h.c.Del(key)
		h.count.Add(-1)
		h.stats.OnEvict()
		h.stats.OnMiss()
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExpired, Value: item.Value(), HasValue: true})
		return nil, false, nil
	}
	if item.ExpirationMode() == tiercache.ExpirationSliding {
		// re-admit with a fresh TTL so the deadline slides
		h.writeMu.Lock()
		h.set(item, true)
		h.writeMu.Unlock()
	}
	h.stats.OnHit()
	return item, true, nil
}

func (h *Handle[V]) Put(_ context.Context, item *tiercache.Item[V]) error {
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	_, existed := h.lookup(item.Key())
	if h.set(item, existed) {
		h.stats.OnPut(!existed)
	}
	return nil
}

func (h *Handle[V]) Remove(_ context.Context, key string) (bool, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	_, ok := h.lookup(key)
	if !ok {
		return false, nil
	}
	h.c.Del(key)
	h.c.Wait()
	h.count.Add(-1)
	h.stats.OnRemove()
	return true, nil
}

func (h *Handle[V]) Clear(_ context.Context) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.c.Clear()
	h.count.Store(0)
	h.stats.OnClear()
	return nil
}

func (h *Handle[V]) Exists(_ context.Context, key string) (bool, error) {
	_, ok := h.c.Get(key)
	return ok, nil
}

func (h *Handle[V]) Count(_ context.Context) (int64, error) {
	return h.count.Load(), nil
}

func (h *Handle[V]) Update(_ context.Context, key string, fn tiercache.UpdateFunc[V], _ int) (tiercache.UpdateResult[V], error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	item, ok := h.lookup(key)
	if !ok {
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateItemDidNotExist, Tries: 1}, nil
	}
	if item.IsExpired() {
		h.c.Del(key)
		h.count.Add(-1)
		h.stats.OnEvict()
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExpired, Value: item.Value(), HasValue: true})
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
	h.set(updated, true)

	res := tiercache.UpdateResult[V]{Outcome: tiercache.UpdateSuccess, Item: updated, Tries: 1}
	h.stats.OnUpdate(res.Tries)
	return res, nil
}

func (h *Handle[V]) Close(_ context.Context) error {
	h.c.Wait()
	h.c.Close()
	return nil
}
