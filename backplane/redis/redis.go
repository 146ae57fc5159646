// Package redis implements the cross-node backplane on Redis pub/sub.
// Every node publishes its writes to one channel; messages carry the
// publisher's owner id, and a node discards its own. Delivery follows
// pub/sub semantics: best-effort, at-most-once, unordered across keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/tiercache"
)

const defaultChannel = "tiercache:backplane"

var ErrNilClient = errors.New("redis backplane: nil client")

const (
	opChange uint8 = iota
	opRemove
	opClear
)

// message is the msgpack envelope on the wire.
type message struct {
	Owner  string `msgpack:"o"`
	Op     uint8  `msgpack:"t"`
	Action uint8  `msgpack:"a"`
	Key    string `msgpack:"k"`
}

type Config struct {
	// Client is the shared redis client. Required.
	Client goredis.UniversalClient

	// CloseClient releases the client on Close. Set it only when this
	// backplane exclusively owns the client.
	CloseClient bool

	// Channel is the pub/sub channel; defaults to "tiercache:backplane".
	// All nodes of one logical cache must agree on it.
	Channel string

	// OwnerID identifies this node in outgoing messages; defaults to a
	// process-unique id.
	OwnerID string

	Logger tiercache.Logger
}

type Backplane struct {
	rdb         goredis.UniversalClient
	closeClient bool
	channel     string
	owner       string
	log         tiercache.Logger

	mu       sync.RWMutex
	receiver tiercache.Receiver

	sub       *goredis.PubSub
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ tiercache.Backplane = (*Backplane)(nil)

func New(cfg Config) (*Backplane, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	b := &Backplane{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		channel:     cfg.Channel,
		owner:       cfg.OwnerID,
	}
	if b.channel == "" {
		b.channel = defaultChannel
	}
	if b.owner == "" {
		b.owner = fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	if cfg.Logger != nil {
		b.log = cfg.Logger
	} else {
		b.log = tiercache.NopLogger{}
	}

	b.sub = b.rdb.Subscribe(context.Background(), b.channel)
	b.wg.Add(1)
	go b.recvLoop()
	return b, nil
}

func (b *Backplane) Subscribe(r tiercache.Receiver) {
	b.mu.Lock()
	b.receiver = r
	b.mu.Unlock()
}

func (b *Backplane) publish(ctx context.Context, m message) error {
	if b.closed.Load() {
		return tiercache.ErrClosed
	}
	m.Owner = b.owner
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *Backplane) NotifyChange(ctx context.Context, key string, action tiercache.ChangeAction) error {
	return b.publish(ctx, message{Op: opChange, Action: uint8(action), Key: key})
}

func (b *Backplane) NotifyRemove(ctx context.Context, key string) error {
	return b.publish(ctx, message{Op: opRemove, Key: key})
}

func (b *Backplane) NotifyClear(ctx context.Context) error {
	return b.publish(ctx, message{Op: opClear})
}

func (b *Backplane) recvLoop() {
	defer b.wg.Done()
	for msg := range b.sub.Channel() {
		b.dispatch([]byte(msg.Payload))
	}
}

// dispatch decodes one inbound message and hands it to the receiver.
// Anything that goes wrong is logged and swallowed so the delivery
// goroutine stays alive.
func (b *Backplane) dispatch(payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("backplane receiver panicked", tiercache.Fields{"channel": b.channel, "panic": p})
		}
	}()

	var m message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		b.log.Warn("discarding undecodable backplane message", tiercache.Fields{"channel": b.channel, "err": err})
		return
	}
	if m.Owner == b.owner {
		return
	}

	b.mu.RLock()
	r := b.receiver
	b.mu.RUnlock()
	if r == nil {
		return
	}

	switch m.Op {
	case opChange:
		r.OnChanged(m.Key, tiercache.ChangeAction(m.Action))
	case opRemove:
		r.OnRemoved(m.Key)
	case opClear:
		r.OnCleared()
	default:
		b.log.Warn("unknown backplane op", tiercache.Fields{"channel": b.channel, "op": m.Op})
	}
}

// Close stops delivery and releases the client when owned. Safe to call
// multiple times.
func (b *Backplane) Close(context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if cerr := b.sub.Close(); cerr != nil {
			err = cerr
		}
		b.wg.Wait()
		if b.closeClient {
			if cerr := b.rdb.Close(); cerr != nil && !errors.Is(cerr, goredis.ErrClosed) && err == nil {
				err = cerr
			}
		}
	})
	return err
}
