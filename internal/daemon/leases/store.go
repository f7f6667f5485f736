// Package leases implements the daemon's advisory lease store (spec
// §4.8, C8): an in-memory hot path over TTL-driven section claims,
// mirrored durably to SQLite. Grounded on
// original_source/crates/daemon/src/agent/lease.rs.
package leases

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scriptum/scriptum/internal/metrics"
)

// Mode is a section lease's sharing mode (spec §3).
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// SectionLease is a single advisory claim (spec §3).
type SectionLease struct {
	WorkspaceID string
	DocID       string
	SectionID   string
	AgentID     string
	TTLSec      int
	Mode        Mode
	Note        *string
	ExpiresAt   time.Time
}

func (l SectionLease) isExpiredAt(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

type leaseKey struct {
	workspaceID string
	docID       string
	sectionID   string
	agentID     string
}

func (l SectionLease) key() leaseKey {
	return leaseKey{l.WorkspaceID, l.DocID, l.SectionID, l.AgentID}
}

// Claim is a claim request (spec §4.8).
type Claim struct {
	WorkspaceID string
	DocID       string
	SectionID   string
	AgentID     string
	TTLSec      int
	Mode        Mode
	Note        *string
}

// Conflict describes another active agent holding a lease on the same section.
type Conflict struct {
	AgentID   string
	SectionID string
}

// ClaimResult is the outcome of Store.Claim.
type ClaimResult struct {
	Lease     SectionLease
	Conflicts []Conflict
}

// Store is the daemon's in-memory lease hot path, with a durable
// SQLite mirror. All mutating methods prune expired entries first
// (spec §4.8 "All mutations first prune expired entries using now").
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	leases map[leaseKey]SectionLease
}

// Open loads every unexpired lease row from db into memory (spec §4.8
// "Load on startup by reading all unexpired rows").
func Open(db *sql.DB, now time.Time) (*Store, error) {
	s := &Store{db: db, leases: make(map[leaseKey]SectionLease)}
	if _, err := s.pruneExpiredLocked(now); err != nil {
		return nil, err
	}
	if err := s.loadFromSQLite(now); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadFromSQLite(now time.Time) error {
	rows, err := s.db.Query(
		`SELECT workspace_id, doc_id, section_id, agent_id, ttl_sec, mode, note, expires_at
		 FROM section_leases WHERE expires_at > ?`, now.Unix())
	if err != nil {
		return fmt.Errorf("query active leases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l SectionLease
		var mode string
		var note sql.NullString
		var expiresAt int64
		if err := rows.Scan(&l.WorkspaceID, &l.DocID, &l.SectionID, &l.AgentID, &l.TTLSec, &mode, &note, &expiresAt); err != nil {
			return fmt.Errorf("scan lease row: %w", err)
		}
		l.Mode = Mode(mode)
		if note.Valid {
			n := note.String
			l.Note = &n
		}
		l.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		s.leases[l.key()] = l
		metrics.ActiveLeases.Inc()
	}
	return rows.Err()
}

// Claim upserts a lease on (workspace, doc, section, agent), reporting
// any other currently-active agents on the same section (spec §4.8).
// ttl_sec == 0 is rejected.
func (s *Store) Claim(claim Claim, now time.Time) (ClaimResult, error) {
	if claim.TTLSec <= 0 {
		return ClaimResult{}, fmt.Errorf("ttl_sec must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pruneExpiredLocked(now); err != nil {
		return ClaimResult{}, err
	}

	conflicts := s.conflictsForSectionLocked(claim.WorkspaceID, claim.DocID, claim.SectionID, claim.AgentID, now)

	lease := SectionLease{
		WorkspaceID: claim.WorkspaceID,
		DocID:       claim.DocID,
		SectionID:   claim.SectionID,
		AgentID:     claim.AgentID,
		TTLSec:      claim.TTLSec,
		Mode:        claim.Mode,
		Note:        claim.Note,
		ExpiresAt:   now.Add(time.Duration(claim.TTLSec) * time.Second),
	}

	if err := s.upsertSQLite(lease); err != nil {
		return ClaimResult{}, err
	}
	if _, existed := s.leases[lease.key()]; !existed {
		metrics.ActiveLeases.Inc()
	}
	s.leases[lease.key()] = lease

	return ClaimResult{Lease: lease, Conflicts: conflicts}, nil
}

// RecordActivity extends an existing active lease by a full TTL window
// from now. Returns (lease, true) if one existed, (zero, false)
// otherwise — no lease is created (spec §4.8).
func (s *Store) RecordActivity(workspaceID, docID, sectionID, agentID string, now time.Time) (SectionLease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pruneExpiredLocked(now); err != nil {
		return SectionLease{}, false, err
	}

	k := leaseKey{workspaceID, docID, sectionID, agentID}
	lease, ok := s.leases[k]
	if !ok {
		return SectionLease{}, false, nil
	}

	lease.ExpiresAt = now.Add(time.Duration(lease.TTLSec) * time.Second)
	if err := s.upsertSQLite(lease); err != nil {
		return SectionLease{}, false, err
	}
	s.leases[k] = lease
	return lease, true, nil
}

// ActiveLeasesForSection returns every active lease on a section,
// sorted by agent_id (spec §4.8).
func (s *Store) ActiveLeasesForSection(workspaceID, docID, sectionID string, now time.Time) ([]SectionLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pruneExpiredLocked(now); err != nil {
		return nil, err
	}

	var out []SectionLease
	for _, l := range s.leases {
		if l.WorkspaceID == workspaceID && l.DocID == docID && l.SectionID == sectionID && !l.isExpiredAt(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// PruneExpired drops entries with expires_at <= now from memory and the
// durable mirror, returning the removed count.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneExpiredLocked(now)
}

func (s *Store) pruneExpiredLocked(now time.Time) (int, error) {
	before := len(s.leases)
	for k, l := range s.leases {
		if l.isExpiredAt(now) {
			delete(s.leases, k)
		}
	}
	removed := before - len(s.leases)
	if removed > 0 {
		metrics.ActiveLeases.Sub(float64(removed))
	}

	if _, err := s.db.Exec(`DELETE FROM section_leases WHERE expires_at <= ?`, now.Unix()); err != nil {
		return 0, fmt.Errorf("prune expired leases: %w", err)
	}
	return removed, nil
}

func (s *Store) conflictsForSectionLocked(workspaceID, docID, sectionID, excludingAgentID string, now time.Time) []Conflict {
	var conflicts []Conflict
	for _, l := range s.leases {
		if l.WorkspaceID != workspaceID || l.DocID != docID || l.SectionID != sectionID {
			continue
		}
		if l.isExpiredAt(now) || l.AgentID == excludingAgentID {
			continue
		}
		conflicts = append(conflicts, Conflict{AgentID: l.AgentID, SectionID: l.SectionID})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].AgentID < conflicts[j].AgentID })
	return conflicts
}

func (s *Store) upsertSQLite(l SectionLease) error {
	var note sql.NullString
	if l.Note != nil {
		note = sql.NullString{String: *l.Note, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO section_leases (workspace_id, doc_id, section_id, agent_id, ttl_sec, mode, note, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, doc_id, section_id, agent_id) DO UPDATE SET
		   ttl_sec = excluded.ttl_sec, mode = excluded.mode, note = excluded.note, expires_at = excluded.expires_at`,
		l.WorkspaceID, l.DocID, l.SectionID, l.AgentID, l.TTLSec, string(l.Mode), note, l.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert lease: %w", err)
	}
	return nil
}
