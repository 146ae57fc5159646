// Package bigcache implements a cache handle on allegro/bigcache. The
// store is byte-oriented, so items travel as wire records with the value
// payload encoded by a pluggable codec. BigCache only supports a global
// life window, not per-entry TTLs; per-item expiration is therefore
// enforced on read, and the life window acts as an upper bound.
package bigcache

import (
	"context"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/internal/wire"
)

type Config[V any] struct {
	tiercache.HandleConfig

	// Codec encodes values into the stored item record. Required.
	Codec codec.Codec[V]

	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited

	Logger tiercache.Logger
}

type Handle[V any] struct {
	cfg   tiercache.HandleConfig
	c     *bc.BigCache
	codec codec.Codec[V]
	log   tiercache.Logger
	stats *tiercache.Stats

	// writeMu serializes Add's exists-then-set and Update's
	// read-modify-write; bigcache has no conditional write.
	writeMu sync.Mutex

	cbMu sync.RWMutex
	cbs  []func(tiercache.RemoveEvent[V])
}

var _ tiercache.Handle[string] = (*Handle[string])(nil)

func New[V any](cfg Config[V]) (*Handle[V], error) {
	if err := cfg.HandleConfig.Validate(); err != nil {
		return nil, err
	}
	if cfg.Codec == nil {
		return nil, &tiercache.InvalidArgumentError{Op: "bigcache.New", Reason: "codec is required"}
	}

	h := &Handle[V]{
		cfg:   cfg.HandleConfig,
		codec: cfg.Codec,
		stats: tiercache.NewStats(cfg.EnableStatistics, cfg.EnablePerformanceCounters),
	}
	if cfg.Logger != nil {
		h.log = cfg.Logger
	} else {
		h.log = tiercache.NopLogger{}
	}

	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	conf.OnRemoveWithReason = h.onRemove

	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	h.c = c
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

func (h *Handle[V]) fireRemove(ev tiercache.RemoveEvent[V]) {
	h.cbMu.RLock()
	cbs := h.cbs
	h.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// onRemove translates bigcache's own removals into handle remove
// events. User-invoked deletes come back with reason Deleted and stay
// silent - Remove already accounted for them.
func (h *Handle[V]) onRemove(key string, entry []byte, reason bc.RemoveReason) {
	var evReason tiercache.RemoveReason
	switch reason {
	case bc.Expired:
		evReason = tiercache.ReasonExpired
	case bc.NoSpace:
		evReason = tiercache.ReasonEvicted
	default:
		return
	}
	h.stats.OnEvict()

	ev := tiercache.RemoveEvent[V]{Key: key, Reason: evReason}
	if item, err := h.decode(entry); err == nil {
		ev.Value = item.Value()
		ev.HasValue = true
	}
	h.fireRemove(ev)
}

func (h *Handle[V]) encode(item *tiercache.Item[V]) ([]byte, error) {
	payload, err := h.codec.Encode(item.Value())
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.Record{
		Key:               item.Key(),
		Value:             payload,
		CreatedTicks:      wire.Ticks(item.Created()),
		LastAccessedTicks: wire.Ticks(item.LastAccessed()),
		Mode:              byte(item.ExpirationMode()),
		TimeoutMillis:     item.ExpirationTimeout().Milliseconds(),
		UsesDefaults:      item.UsesExpirationDefaults(),
	})
}

func (h *Handle[V]) decode(b []byte) (*tiercache.Item[V], error) {
	rec, err := wire.Decode(b)
	if err != nil {
		return nil, err
	}
	v, err := h.codec.Decode(rec.Value)
	if err != nil {
		return nil, err
	}
	return tiercache.RestoreItem(
		rec.Key, v,
		wire.Time(rec.CreatedTicks), wire.Time(rec.LastAccessedTicks),
		tiercache.ExpirationMode(rec.Mode),
		time.Duration(rec.TimeoutMillis)*time.Millisecond,
		rec.UsesDefaults,
	)
}

func (h *Handle[V]) Add(ctx context.Context, item *tiercache.Item[V]) (bool, error) {
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return false, err
	}
	payload, err := h.encode(item)
	if err != nil {
		return false, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if cur, err := h.c.Get(item.Key()); err == nil {
		if existing, derr := h.decode(cur); derr == nil && !existing.IsExpired() {
			return false, nil
		}
	}
	if err := h.c.Set(item.Key(), payload); err != nil {
		return false, err
	}
	h.stats.OnAdd()
	return true, nil
}

func (h *Handle[V]) Get(_ context.Context, key string) (*tiercache.Item[V], bool, error) {
	b, err := h.c.Get(key)
	if err == bc.ErrEntryNotFound {
		h.stats.OnMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	item, derr := h.decode(b)
	if derr != nil {
		_ = h.c.Delete(key)
		h.log.Warn("dropped unreadable entry", tiercache.Fields{"handle": h.cfg.Name, "key": key, "err": derr})
		h.stats.OnMiss()
		var zero V
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExternalDelete, Value: zero, HasValue: false})
		return nil, false, nil
	}
	if item.IsExpired() {
		_ = h.c.Delete(key)
		h.stats.OnEvict()
		h.stats.OnMiss()
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExpired, Value: item.Value(), HasValue: true})
		return nil, false, nil
	}
	h.stats.OnHit()
	return item, true, nil
}

func (h *Handle[V]) Put(_ context.Context, item *tiercache.Item[V]) error {
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return err
	}
	payload, err := h.encode(item)
	if err != nil {
		return err
	}

	inserted := true
	if h.stats.Enabled() {
		if _, err := h.c.Get(item.Key()); err == nil {
			inserted = false
		}
	}
	if err := h.c.Set(item.Key(), payload); err != nil {
		return err
	}
	h.stats.OnPut(inserted)
	return nil
}

func (h *Handle[V]) Remove(_ context.Context, key string) (bool, error) {
	err := h.c.Delete(key)
	if err == bc.ErrEntryNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	h.stats.OnRemove()
	return true, nil
}

func (h *Handle[V]) Clear(_ context.Context) error {
	if err := h.c.Reset(); err != nil {
		return err
	}
	h.stats.OnClear()
	return nil
}

func (h *Handle[V]) Exists(_ context.Context, key string) (bool, error) {
	_, err := h.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *Handle[V]) Count(_ context.Context) (int64, error) {
	return int64(h.c.Len()), nil
}

func (h *Handle[V]) Update(ctx context.Context, key string, fn tiercache.UpdateFunc[V], _ int) (tiercache.UpdateResult[V], error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	b, err := h.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateItemDidNotExist, Tries: 1}, nil
	}
	if err != nil {
		return tiercache.UpdateResult[V]{}, err
	}
	item, derr := h.decode(b)
	if derr != nil || item.IsExpired() {
		_ = h.c.Delete(key)
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
	payload, err := h.encode(updated)
	if err != nil {
		return tiercache.UpdateResult[V]{}, err
	}
	if err := h.c.Set(key, payload); err != nil {
		return tiercache.UpdateResult[V]{}, err
	}

	res := tiercache.UpdateResult[V]{Outcome: tiercache.UpdateSuccess, Item: updated, Tries: 1}
	h.stats.OnUpdate(res.Tries)
	return res, nil
}

func (h *Handle[V]) Close(_ context.Context) error {
	return h.c.Close()
}
