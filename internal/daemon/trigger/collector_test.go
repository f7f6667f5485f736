package trigger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/daemon/trigger"
)

func TestShouldCommitFalseWithoutTriggers(t *testing.T) {
	c := trigger.NewCollector(trigger.DefaultConfig())
	require.False(t, c.ShouldCommit(time.Now()))
}

func TestShouldCommitOnExplicitCheckpoint(t *testing.T) {
	c := trigger.NewCollector(trigger.DefaultConfig())
	c.PushTrigger(trigger.Event{Kind: trigger.ExplicitCheckpoint, Agent: "claude"})
	require.True(t, c.ShouldCommit(time.Now()))
}

func TestShouldCommitWhenBatchFull(t *testing.T) {
	cfg := trigger.DefaultConfig()
	cfg.MaxBatchSize = 2
	c := trigger.NewCollector(cfg)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude"})
	require.False(t, c.ShouldCommit(time.Now()))
	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "codex"})
	require.True(t, c.ShouldCommit(time.Now()))
}

func TestDebounceThenChecksInterval(t *testing.T) {
	cfg := trigger.Config{MinCommitInterval: 30 * time.Second, MaxBatchSize: 10}
	c := trigger.NewCollector(cfg)
	now := time.Unix(1700000000, 0)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude"})
	require.True(t, c.ShouldCommit(now), "first commit bypasses debounce")

	_, ok := c.TakeCommitContext(now, nil)
	require.True(t, ok)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude"})
	require.False(t, c.ShouldCommit(now.Add(10*time.Second)))
	require.True(t, c.ShouldCommit(now.Add(31*time.Second)))
}

func TestSpecDebounceScenario(t *testing.T) {
	// Mirrors spec §8 scenario 5: push one LeaseReleased, should_commit
	// true (first commit); take_commit_context clears state; push
	// another event at now+10s, should_commit false; push
	// ExplicitCheckpoint at now+11s, should_commit true.
	cfg := trigger.Config{MinCommitInterval: 30 * time.Second, MaxBatchSize: 10}
	c := trigger.NewCollector(cfg)
	now := time.Unix(1700000000, 0)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude", DocPath: "auth.md"})
	require.True(t, c.ShouldCommit(now))
	_, ok := c.TakeCommitContext(now, nil)
	require.True(t, ok)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude", DocPath: "auth.md"})
	require.False(t, c.ShouldCommit(now.Add(10*time.Second)))

	c.PushTrigger(trigger.Event{Kind: trigger.ExplicitCheckpoint, Agent: "claude"})
	require.True(t, c.ShouldCommit(now.Add(11*time.Second)))
}

func TestTakeCommitContextClearsStateAndDedupesAgents(t *testing.T) {
	c := trigger.NewCollector(trigger.DefaultConfig())
	now := time.Unix(1700000000, 0)

	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "claude"})
	c.PushTrigger(trigger.Event{Kind: trigger.CommentResolved, Agent: "claude"})
	c.PushTrigger(trigger.Event{Kind: trigger.LeaseReleased, Agent: "codex"})
	c.MarkChanged("auth.md")
	c.MarkChanged("billing.md")
	require.Equal(t, 3, c.PendingCount())
	require.Equal(t, 2, c.ChangedPathCount())

	changed := []trigger.ChangedFile{
		{Path: "auth.md", ChangeType: trigger.Modified},
		{Path: "billing.md", ChangeType: trigger.Modified},
	}
	ctx, ok := c.TakeCommitContext(now, changed)
	require.True(t, ok)
	require.Equal(t, []string{"claude", "codex"}, ctx.AgentsInvolved)
	require.Equal(t, trigger.CommentResolved, ctx.Trigger.Kind, "most recently pushed trigger is primary")
	require.Len(t, ctx.ChangedFiles, 2)

	require.Equal(t, 0, c.PendingCount())
	require.Equal(t, 0, c.ChangedPathCount())
}

func TestTakeCommitContextReturnsFalseWhenEmpty(t *testing.T) {
	c := trigger.NewCollector(trigger.DefaultConfig())
	_, ok := c.TakeCommitContext(time.Now(), nil)
	require.False(t, ok)
}
