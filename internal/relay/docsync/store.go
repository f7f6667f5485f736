// Package docsync implements the relay's per-document sync store (spec
// §4.4, C4): a snapshot plus an ordered tail of updates, with
// monotonic sequence assignment, dedup, and snapshot+tail catch-up.
package docsync

import (
	"sync"

	"github.com/scriptum/scriptum/internal/metrics"
)

// Snapshot is the most recent compacted state for a document.
type Snapshot struct {
	SnapshotSeq int64
	Payload     []byte
}

// UpdateEntry is a single accepted update in a document's tail.
type UpdateEntry struct {
	ServerSeq      int64
	ClientID       string
	ClientUpdateID string
	Payload        []byte
	ActorUserID    *string
	ActorAgentID   *string
}

// Attribution identifies the human/agent that produced an update, for
// UpdateEntry.ActorUserID/ActorAgentID (spec §3).
type Attribution struct {
	ActorUserID  *string
	ActorAgentID *string
}

type dedupeKey struct {
	clientID       string
	clientUpdateID string
}

// docState is the per-(workspace,doc) state described in spec §3's
// DocSyncState.
type docState struct {
	mu            sync.RWMutex
	snapshot      *Snapshot
	updates       []UpdateEntry
	dedupe        map[dedupeKey]int64 // -> server_seq
	headServerSeq int64
}

func newDocState() *docState {
	return &docState{dedupe: make(map[dedupeKey]int64)}
}

// ApplyResult is the tagged outcome of ApplyClientUpdate (spec §4.4).
type ApplyResult struct {
	Kind ApplyKind

	// Applied
	ServerSeq              int64
	BroadcastBaseServerSeq int64

	// Duplicate
	DuplicateServerSeq int64

	// RejectedBaseSeq
	RejectedHeadServerSeq int64
}

// ApplyKind discriminates ApplyResult.
type ApplyKind int

const (
	Applied ApplyKind = iota
	Duplicate
	RejectedBaseSeq
)

// Store is the process-wide, docsync singleton: a map of
// (workspace_id, doc_id) to docState, each guarded by its own lock so
// unrelated documents never contend (spec §9 "Global mutable state").
type Store struct {
	mu   sync.RWMutex
	docs map[string]*docState
}

// New creates an empty docsync Store.
func New() *Store {
	return &Store{docs: make(map[string]*docState)}
}

func key(workspaceID, docID string) string {
	return workspaceID + "\x00" + docID
}

func (s *Store) state(workspaceID, docID string) *docState {
	k := key(workspaceID, docID)

	s.mu.RLock()
	d, ok := s.docs[k]
	s.mu.RUnlock()
	if ok {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[k]; ok {
		return d
	}
	d = newDocState()
	s.docs[k] = d
	return d
}

// ApplyClientUpdate implements spec §4.4's append path.
func (s *Store) ApplyClientUpdate(workspaceID, docID, clientID, clientUpdateID string, baseServerSeq int64, payload []byte, attr Attribution) ApplyResult {
	d := s.state(workspaceID, docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	dk := dedupeKey{clientID: clientID, clientUpdateID: clientUpdateID}
	if seq, ok := d.dedupe[dk]; ok {
		return ApplyResult{Kind: Duplicate, DuplicateServerSeq: seq}
	}

	if baseServerSeq > d.headServerSeq {
		return ApplyResult{Kind: RejectedBaseSeq, RejectedHeadServerSeq: d.headServerSeq}
	}

	newSeq := d.headServerSeq + 1

	d.updates = append(d.updates, UpdateEntry{
		ServerSeq:      newSeq,
		ClientID:       clientID,
		ClientUpdateID: clientUpdateID,
		Payload:        payload,
		ActorUserID:    attr.ActorUserID,
		ActorAgentID:   attr.ActorAgentID,
	})
	d.dedupe[dk] = newSeq
	d.headServerSeq = newSeq

	return ApplyResult{Kind: Applied, ServerSeq: newSeq, BroadcastBaseServerSeq: newSeq - 1}
}

// SetSnapshot implements spec §4.4's snapshot acceptance: replaces any
// existing snapshot and raises head_server_seq to at least snapshotSeq.
// Sequence assignment is otherwise strictly monotonic and gap-free
// (spec §4.4); the only place this store can observe a gap is here, if
// an already-tracked doc's snapshot_seq jumps further ahead than this
// store's own head, meaning updates in between were never seen by this
// relay (spec §8 "any observed gap between head and next assignment
// increments sequence_gap_count"). A doc's very first snapshot is a
// bootstrap, not a gap, since there is no prior head to have skipped
// past.
func (s *Store) SetSnapshot(workspaceID, docID string, snapshotSeq int64, payload []byte) {
	d := s.state(workspaceID, docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	alreadyTracked := d.snapshot != nil || len(d.updates) > 0
	if alreadyTracked && snapshotSeq > d.headServerSeq+1 {
		metrics.SequenceGapTotal.WithLabelValues(docID).Add(float64(snapshotSeq - d.headServerSeq - 1))
	}

	d.snapshot = &Snapshot{SnapshotSeq: snapshotSeq, Payload: payload}
	if snapshotSeq > d.headServerSeq {
		d.headServerSeq = snapshotSeq
	}
}

// HeadServerSeq returns the current head sequence for a document.
func (s *Store) HeadServerSeq(workspaceID, docID string) int64 {
	d := s.state(workspaceID, docID)
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.headServerSeq
}

// CatchUpMessage is one element of the ordered catch-up stream returned
// by BuildStateSyncMessages: either a snapshot or an update, discriminated
// by IsSnapshot.
type CatchUpMessage struct {
	IsSnapshot bool

	// snapshot
	SnapshotSeq int64
	Payload     []byte

	// update
	ServerSeq      int64
	BaseServerSeq  int64
	ClientID       string
	ClientUpdateID string
}

// BuildStateSyncMessages implements spec §4.4's catch-up path: if there
// is a snapshot ahead of lastServerSeq, emit it first and advance the
// cursor; then emit every update past the cursor in ascending order.
func (s *Store) BuildStateSyncMessages(workspaceID, docID string, lastServerSeq *int64) []CatchUpMessage {
	d := s.state(workspaceID, docID)

	d.mu.RLock()
	defer d.mu.RUnlock()

	var cursor int64
	if lastServerSeq != nil {
		cursor = *lastServerSeq
	}

	var out []CatchUpMessage
	if d.snapshot != nil && d.snapshot.SnapshotSeq > cursor {
		out = append(out, CatchUpMessage{
			IsSnapshot:  true,
			SnapshotSeq: d.snapshot.SnapshotSeq,
			Payload:     d.snapshot.Payload,
		})
		cursor = d.snapshot.SnapshotSeq
	}

	for _, u := range d.updates {
		if u.ServerSeq <= cursor {
			continue
		}
		out = append(out, CatchUpMessage{
			ServerSeq:      u.ServerSeq,
			BaseServerSeq:  u.ServerSeq - 1,
			ClientID:       u.ClientID,
			ClientUpdateID: u.ClientUpdateID,
			Payload:        u.Payload,
		})
	}
	return out
}
