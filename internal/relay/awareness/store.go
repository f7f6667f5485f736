// Package awareness implements the relay's awareness store (spec §4.6,
// C6): per-(workspace, doc, session) presence/cursor state, aggregated
// across all sessions subscribed to a document. Peer payloads are kept
// as opaque JSON at the relay — spec §3 "opaque JSON value the client
// sends; unknown fields are ignored for forward compatibility" — and
// only parsed into wire.PeerState by daemon-side consumers.
package awareness

import (
	"encoding/json"
	"sync"
)

type key struct {
	workspaceID string
	docID       string
	sessionID   string
}

// Store is the process-wide awareness singleton (spec §9).
type Store struct {
	mu    sync.RWMutex
	peers map[key][]json.RawMessage
}

// New creates an empty awareness Store.
func New() *Store {
	return &Store{peers: make(map[key][]json.RawMessage)}
}

// Update sets the peer list reported by sessionID for (workspaceID,
// docID). An empty list removes the entry entirely (spec §4.6).
func (s *Store) Update(workspaceID, docID, sessionID string, peers []json.RawMessage) {
	k := key{workspaceID, docID, sessionID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(peers) == 0 {
		delete(s.peers, k)
		return
	}
	s.peers[k] = peers
}

// RemoveSession deletes sessionID's awareness entry for every doc in
// docs, as on disconnect (spec §4.6).
func (s *Store) RemoveSession(workspaceID string, docs []string, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, docID := range docs {
		delete(s.peers, key{workspaceID, docID, sessionID})
	}
}

// Aggregate returns the union of every session's peer list for
// (workspaceID, docID).
func (s *Store) Aggregate(workspaceID, docID string) []json.RawMessage {
	return s.aggregate(workspaceID, docID, "")
}

// AggregateExcluding is Aggregate but omits the given session, used
// when re-broadcasting an incoming awareness update back to its sender
// (spec §4.6).
func (s *Store) AggregateExcluding(workspaceID, docID, exceptSessionID string) []json.RawMessage {
	return s.aggregate(workspaceID, docID, exceptSessionID)
}

func (s *Store) aggregate(workspaceID, docID, exceptSessionID string) []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []json.RawMessage
	for k, peers := range s.peers {
		if k.workspaceID != workspaceID || k.docID != docID {
			continue
		}
		if exceptSessionID != "" && k.sessionID == exceptSessionID {
			continue
		}
		out = append(out, peers...)
	}
	return out
}
