package tiercache

import "context"

// Receiver is the inbound side of a backplane subscription. The
// coordinator is the only subscriber; implementations deliver remote
// notifications on whatever goroutine suits them.
type Receiver interface {
	OnChanged(key string, action ChangeAction)
	OnRemoved(key string)
	OnCleared()
}

// Backplane is a cross-node invalidation channel. Delivery is
// best-effort, at-most-once per local call, and unordered across keys.
// Implementations must not deliver a node's own notifications back to it.
type Backplane interface {
	NotifyChange(ctx context.Context, key string, action ChangeAction) error
	NotifyRemove(ctx context.Context, key string) error
	NotifyClear(ctx context.Context) error

	// Subscribe registers the receiver for remote events. Called once by
	// the coordinator before any notification is sent.
	Subscribe(r Receiver)

	Close(ctx context.Context) error
}
