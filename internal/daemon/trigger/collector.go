// Package trigger implements the daemon's trigger collector and commit
// pipeline (spec §4.10, C10): semantic events accumulate, debounce into
// batched commits, and a diff is summarized into a commit message with
// a deterministic fallback. Grounded on
// original_source/crates/daemon/src/git/triggers.rs and
// original_source/crates/daemon/src/git/commit.rs.
package trigger

import (
	"sort"
	"time"
)

// EventKind discriminates TriggerEvent (spec §3 TriggerEvent).
type EventKind string

const (
	LeaseReleased      EventKind = "lease_released"
	CommentResolved    EventKind = "comment_resolved"
	ExplicitCheckpoint EventKind = "checkpoint"
)

// Event is a semantic trigger (spec §3 TriggerEvent tagged variant).
// Only the fields relevant to its Kind are populated.
type Event struct {
	Kind EventKind
	Agent string

	// LeaseReleased
	DocPath        string
	SectionHeading string

	// CommentResolved
	ThreadID string

	// ExplicitCheckpoint
	Message *string
}

// ChangeType discriminates ChangedFile (spec §4.10 message assembly "A|M|D").
type ChangeType string

const (
	Added    ChangeType = "A"
	Modified ChangeType = "M"
	Deleted  ChangeType = "D"
)

// ChangedFile is one file touched since the last commit.
type ChangedFile struct {
	Path       string
	ChangeType ChangeType
}

// Config tunes debounce/batching (spec §4.10 "default 10" / "default 30s").
type Config struct {
	MinCommitInterval time.Duration
	MaxBatchSize      int
}

// DefaultConfig returns spec §4.10's defaults.
func DefaultConfig() Config {
	return Config{MinCommitInterval: 30 * time.Second, MaxBatchSize: 10}
}

// CommitContext is what TakeCommitContext hands to the commit pipeline
// (spec §4.10 "{trigger (last pushed), changed_files, agents_involved}").
type CommitContext struct {
	Trigger        Event
	ChangedFiles   []ChangedFile
	AgentsInvolved []string
}

// Collector accumulates TriggerEvents and changed paths between commits
// (spec §4.10, grounded on triggers.rs's TriggerCollector).
type Collector struct {
	config       Config
	pending      []Event
	changedPaths map[string]struct{}
	lastCommitAt *time.Time
}

// NewCollector constructs a Collector with no pending state.
func NewCollector(config Config) *Collector {
	return &Collector{config: config, changedPaths: make(map[string]struct{})}
}

// PushTrigger appends event to the pending list.
func (c *Collector) PushTrigger(event Event) {
	c.pending = append(c.pending, event)
}

// MarkChanged records that path was touched since the last commit.
func (c *Collector) MarkChanged(path string) {
	c.changedPaths[path] = struct{}{}
}

// PendingCount returns the number of pending triggers (spec §4.10
// "pending_count").
func (c *Collector) PendingCount() int { return len(c.pending) }

// ChangedPathCount returns the number of distinct changed paths tracked
// since the last commit.
func (c *Collector) ChangedPathCount() int { return len(c.changedPaths) }

// ShouldCommit reports whether a commit should be produced now (spec
// §4.10 should_commit).
func (c *Collector) ShouldCommit(now time.Time) bool {
	if len(c.pending) == 0 {
		return false
	}
	for _, e := range c.pending {
		if e.Kind == ExplicitCheckpoint {
			return true
		}
	}
	if len(c.pending) >= c.config.MaxBatchSize {
		return true
	}
	if c.lastCommitAt == nil {
		return true
	}
	return now.Sub(*c.lastCommitAt) >= c.config.MinCommitInterval
}

// TakeCommitContext consumes the pending list, deduplicates involved
// agents, records last_commit_at = now, and clears tracked changed
// paths. changedFiles is supplied by the caller (typically derived from
// a git diff against the changed paths tracked via MarkChanged).
// Returns (ctx, false) if there is nothing pending (spec §4.10
// "take_commit_context(changed_files) -> optional CommitContext").
func (c *Collector) TakeCommitContext(now time.Time, changedFiles []ChangedFile) (CommitContext, bool) {
	if len(c.pending) == 0 {
		return CommitContext{}, false
	}

	last := c.pending[len(c.pending)-1]

	agentSet := make(map[string]struct{})
	for _, e := range c.pending {
		agentSet[e.Agent] = struct{}{}
	}
	agents := make([]string, 0, len(agentSet))
	for a := range agentSet {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	c.pending = nil
	c.changedPaths = make(map[string]struct{})
	t := now
	c.lastCommitAt = &t

	return CommitContext{Trigger: last, ChangedFiles: changedFiles, AgentsInvolved: agents}, true
}
