// Package crdt defines the marker type for CRDT update payloads. The
// CRDT algorithm itself is out of scope (spec §1): every update is
// treated as an opaque byte blob that converges to the same result
// regardless of application order.
package crdt

// Update is an opaque CRDT update payload. Scriptum never interprets
// its contents; it only stores, transmits, and replays it in causal
// order.
type Update []byte

// Bytes returns the raw payload.
func (u Update) Bytes() []byte { return []byte(u) }
