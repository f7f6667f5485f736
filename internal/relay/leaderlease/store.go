// Package leaderlease implements the relay's authoritative
// git-leader lease store (spec §4.9, C9; §3 LeaderLease): at most one
// client_id may hold an unexpired lease per workspace at any instant.
// Grounded on internal/daemon/leases's in-memory TTL pattern, stripped
// of the durable mirror — spec §3 only requires the relay's store to
// be authoritative in memory; a restart losing git-leader state is
// equivalent to every daemon losing its lease, which is safe (they
// simply re-acquire).
package leaderlease

import (
	"sync"
	"time"

	"github.com/scriptum/scriptum/internal/idgen"
)

// TTL is how long a granted lease remains valid without renewal (spec
// §4.9: "40% of 60s TTL" implies a 60s TTL).
const TTL = 60 * time.Second

// Lease is the relay's record for one workspace's current git-leader
// (spec §3 LeaderLease).
type Lease struct {
	WorkspaceID string
	ClientID    string
	LeaseID     string
	ExpiresAt   time.Time
}

func (l Lease) isExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// AcquireResult is the outcome of Store.Acquire.
type AcquireResult struct {
	Granted       bool
	LeaseID       string
	CurrentHolder string // set when !Granted
}

// RenewResult is the outcome of Store.Renew.
type RenewResult struct {
	Renewed bool // false means the lease was lost (expired or reassigned)
}

// ReleaseResult is the outcome of Store.Release.
type ReleaseResult struct {
	Released bool // false when there was nothing to release
}

// Store is the process-wide leader-lease singleton (spec §9 "Global
// mutable state"), one entry per workspace_id.
type Store struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// New creates an empty Store.
func New() *Store {
	return &Store{leases: make(map[string]Lease)}
}

// Acquire grants a new lease to clientID if no unexpired lease exists
// for workspaceID, otherwise reports the current holder (spec §4.9
// "Granted{lease_id} | Denied{current_holder}"). A client re-acquiring
// its own still-active lease is treated as Denied with itself as the
// holder — callers that already hold the lease use Renew instead.
func (s *Store) Acquire(workspaceID, clientID string, now time.Time) AcquireResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[workspaceID]; ok && !existing.isExpiredAt(now) {
		return AcquireResult{Granted: false, CurrentHolder: existing.ClientID}
	}

	lease := Lease{
		WorkspaceID: workspaceID,
		ClientID:    clientID,
		LeaseID:     idgen.NewID(),
		ExpiresAt:   now.Add(TTL),
	}
	s.leases[workspaceID] = lease
	return AcquireResult{Granted: true, LeaseID: lease.LeaseID}
}

// Renew extends leaseID's expiry if it is still clientID's unexpired,
// matching lease for workspaceID (spec §4.9 "Renewed | Lost").
func (s *Store) Renew(workspaceID, clientID, leaseID string, now time.Time) RenewResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[workspaceID]
	if !ok || existing.isExpiredAt(now) || existing.ClientID != clientID || existing.LeaseID != leaseID {
		return RenewResult{Renewed: false}
	}
	existing.ExpiresAt = now.Add(TTL)
	s.leases[workspaceID] = existing
	return RenewResult{Renewed: true}
}

// Release clears the lease for workspaceID if clientID currently holds
// it, regardless of expiry (spec §4.9 "Shutdown ... attempt one
// release; best-effort").
func (s *Store) Release(workspaceID, clientID string) ReleaseResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[workspaceID]
	if !ok || existing.ClientID != clientID {
		return ReleaseResult{Released: false}
	}
	delete(s.leases, workspaceID)
	return ReleaseResult{Released: true}
}

// CurrentHolder returns the unexpired lease holder for workspaceID, if
// any (spec §8 "at most one lease holds the git-leader position").
func (s *Store) CurrentHolder(workspaceID string, now time.Time) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[workspaceID]
	if !ok || l.isExpiredAt(now) {
		return Lease{}, false
	}
	return l, true
}
