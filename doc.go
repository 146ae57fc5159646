// Package tiercache coordinates an ordered list of independent cache
// layers (handles) behind one key/value interface - typically a small,
// fast in-memory layer in front of a large, slow distributed one.
//
// Components:
//   - Handle: a single storage layer (see handle/memory for the
//     reference implementation, handle/ristretto, handle/bigcache and
//     handle/redis for backed variants).
//   - Backplane: a best-effort cross-node invalidation channel
//     (backplane/redis publishes over pub/sub).
//   - Codec[V]: (de)serializes values for byte-oriented handles.
//
// Coordination rules:
//
//	Add    -> back handle only; success evicts the key everywhere else
//	Put    -> every handle, front to back
//	Get    -> front to back; a hit is promoted into the faster layers
//	Update -> back handle, bounded optimistic retry
//
// Handles announce removals they decide on their own (expiry, pressure)
// through a remove event; depending on the configured UpdateMode the
// coordinator evicts the key from the layers in front so they cannot
// serve a copy the lower tier just dropped.
package tiercache
