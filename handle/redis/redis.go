// Package redis implements a distributed cache handle on Redis. Items
// travel as wire item records with the value payload encoded by a
// pluggable codec; absolute and sliding expiration map to server TTLs,
// with sliding deadlines refreshed on read. Update runs an optimistic
// WATCH/MULTI loop bounded by the caller's retry budget.
package redis

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/internal/wire"
)

const defaultRetryTimeout = 100 * time.Millisecond

var ErrNilClient = errors.New("redis handle: nil client")

type Config[V any] struct {
	tiercache.HandleConfig

	// Client is the shared redis client. Required.
	Client goredis.UniversalClient

	// CloseClient releases the client on Close. Set it only when this
	// handle exclusively owns the client.
	CloseClient bool

	// Codec encodes values into the stored item record. Required.
	Codec codec.Codec[V]

	// KeyPrefix namespaces this handle's keys; defaults to
	// "tiercache:<name>:". External code must not write under it.
	KeyPrefix string

	// RetryTimeout is the fixed delay between optimistic update
	// attempts; 0 => 100ms.
	RetryTimeout time.Duration

	Logger tiercache.Logger
}

type Handle[V any] struct {
	cfg          tiercache.HandleConfig
	rdb          goredis.UniversalClient
	closeClient  bool
	codec        codec.Codec[V]
	prefix       string
	retryTimeout time.Duration
	log          tiercache.Logger
	stats        *tiercache.Stats

	cbs []func(tiercache.RemoveEvent[V])
}

var _ tiercache.Handle[string] = (*Handle[string])(nil)

func New[V any](cfg Config[V]) (*Handle[V], error) {
	if err := cfg.HandleConfig.Validate(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Codec == nil {
		return nil, errors.New("redis handle: codec is required")
	}
	h := &Handle[V]{
		cfg:          cfg.HandleConfig,
		rdb:          cfg.Client,
		closeClient:  cfg.CloseClient,
		codec:        cfg.Codec,
		prefix:       cfg.KeyPrefix,
		retryTimeout: cfg.RetryTimeout,
		stats:        tiercache.NewStats(cfg.EnableStatistics, cfg.EnablePerformanceCounters),
	}
	if h.prefix == "" {
		h.prefix = "tiercache:" + cfg.Name + ":"
	}
	if h.retryTimeout <= 0 {
		h.retryTimeout = defaultRetryTimeout
	}
	if cfg.Logger != nil {
		h.log = cfg.Logger
	} else {
		h.log = tiercache.NopLogger{}
	}
	return h, nil
}

func (h *Handle[V]) Config() tiercache.HandleConfig { return h.cfg }
func (h *Handle[V]) Stats() *tiercache.Stats        { return h.stats }
func (h *Handle[V]) IsDistributed() bool            { return true }

func (h *Handle[V]) OnRemoveByHandle(fn func(tiercache.RemoveEvent[V])) {
	h.cbs = append(h.cbs, fn)
}

func (h *Handle[V]) fireRemove(ev tiercache.RemoveEvent[V]) {
	for _, cb := range h.cbs {
		cb(ev)
	}
}

func (h *Handle[V]) storageKey(key string) string { return h.prefix + key }

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

// ttl maps the item's expiration to a server TTL. Sliding items get the
// full timeout (refreshed on read); absolute items get whatever remains
// of their window.
func ttl[V any](item *tiercache.Item[V]) time.Duration {
	switch item.ExpirationMode() {
	case tiercache.ExpirationSliding:
		return item.ExpirationTimeout()
	case tiercache.ExpirationAbsolute:
		d := time.Until(item.Created().Add(item.ExpirationTimeout()))
		if d <= 0 {
			return time.Millisecond // already due; let the server drop it
		}
		return d
	default:
		return 0
	}
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
	ok, err := h.rdb.SetNX(ctx, h.storageKey(item.Key()), payload, ttl(item)).Result()
	if err != nil {
		return false, err
	}
	if ok {
		h.stats.OnAdd()
	}
	return ok, nil
}

func (h *Handle[V]) Get(ctx context.Context, key string) (*tiercache.Item[V], bool, error) {
	b, err := h.rdb.Get(ctx, h.storageKey(key)).Bytes()
	if err == goredis.Nil {
		h.stats.OnMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	item, derr := h.decode(b)
	if derr != nil {
		// self-heal: drop the entry we cannot read
		_ = h.rdb.Del(ctx, h.storageKey(key)).Err()
		h.log.Warn("dropped unreadable entry", tiercache.Fields{"handle": h.cfg.Name, "key": key, "err": derr})
		h.stats.OnMiss()
		var zero V
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExternalDelete, Value: zero, HasValue: false})
		return nil, false, nil
	}
	if item.IsExpired() {
		_ = h.rdb.Del(ctx, h.storageKey(key)).Err()
		h.stats.OnEvict()
		h.stats.OnMiss()
		h.fireRemove(tiercache.RemoveEvent[V]{Key: key, Reason: tiercache.ReasonExpired, Value: item.Value(), HasValue: true})
		return nil, false, nil
	}

	if item.ExpirationMode() == tiercache.ExpirationSliding {
		// push the server deadline out to match the touched item
		if err := h.rdb.Expire(ctx, h.storageKey(key), item.ExpirationTimeout()).Err(); err != nil {
			h.log.Warn("sliding ttl refresh failed", tiercache.Fields{"handle": h.cfg.Name, "key": key, "err": err})
		}
	}
	h.stats.OnHit()
	return item, true, nil
}

func (h *Handle[V]) Put(ctx context.Context, item *tiercache.Item[V]) error {
	item, err := tiercache.ResolveExpiration(item, h.cfg)
	if err != nil {
		return err
	}
	payload, err := h.encode(item)
	if err != nil {
		return err
	}
	k := h.storageKey(item.Key())

	inserted := true
	if h.stats.Enabled() {
		n, err := h.rdb.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		inserted = n == 0
	}
	if err := h.rdb.Set(ctx, k, payload, ttl(item)).Err(); err != nil {
		return err
	}
	h.stats.OnPut(inserted)
	return nil
}

func (h *Handle[V]) Remove(ctx context.Context, key string) (bool, error) {
	n, err := h.rdb.Del(ctx, h.storageKey(key)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		h.stats.OnRemove()
	}
	return n > 0, nil
}

func (h *Handle[V]) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := h.rdb.Scan(ctx, cursor, h.prefix+"*", 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := h.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	h.stats.OnClear()
	return nil
}

func (h *Handle[V]) Exists(ctx context.Context, key string) (bool, error) {
	n, err := h.rdb.Exists(ctx, h.storageKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *Handle[V]) Count(ctx context.Context) (int64, error) {
	var total int64
	var cursor uint64
	for {
		keys, next, err := h.rdb.Scan(ctx, cursor, h.prefix+"*", 256).Result()
		if err != nil {
			return 0, err
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Update runs the optimistic protocol: WATCH the key, read and decode,
// apply fn, write back inside MULTI/EXEC. A concurrent writer fails the
// transaction and the attempt repeats after the configured delay, up to
// maxRetries extra attempts.
func (h *Handle[V]) Update(ctx context.Context, key string, fn tiercache.UpdateFunc[V], maxRetries int) (tiercache.UpdateResult[V], error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	k := h.storageKey(key)

	var (
		tries   int
		outcome tiercache.UpdateOutcome
		updated *tiercache.Item[V]
	)

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)+1),
		retry.Delay(h.retryTimeout),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, goredis.TxFailedErr) }),
	).Do(func() error {
		tries++
		return h.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			b, err := tx.Get(ctx, k).Bytes()
			if err == goredis.Nil {
				outcome = tiercache.UpdateItemDidNotExist
				return nil
			}
			if err != nil {
				return err
			}
			item, err := h.decode(b)
			if err != nil {
				outcome = tiercache.UpdateItemDidNotExist
				_ = tx.Del(ctx, k).Err()
				return nil
			}

			next, ok := fn(item.Value())
			if !ok {
				outcome = tiercache.UpdateFactoryReturnedNil
				return nil
			}
			nextItem, err := item.WithValue(next)
			if err != nil {
				return err
			}
			nextItem.Touch()
			payload, err := h.encode(nextItem)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.Set(ctx, k, payload, ttl(nextItem))
				return nil
			})
			if err != nil {
				return err
			}
			outcome = tiercache.UpdateSuccess
			updated = nextItem
			return nil
		}, k)
	})

	if errors.Is(err, goredis.TxFailedErr) {
		return tiercache.UpdateResult[V]{Outcome: tiercache.UpdateTooManyRetries, Tries: tries}, nil
	}
	if err != nil {
		return tiercache.UpdateResult[V]{Tries: tries}, err
	}

	res := tiercache.UpdateResult[V]{Outcome: outcome, Item: updated, Tries: tries}
	if outcome == tiercache.UpdateSuccess {
		h.stats.OnUpdate(tries)
	}
	return res, nil
}

// Close releases the underlying client only when this handle owns it.
func (h *Handle[V]) Close(context.Context) error {
	if h.closeClient {
		if err := h.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
