package leader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scriptum/scriptum/internal/util/testutil"
)

// mockTransport scripts responses per call, grounded on
// original_source/crates/daemon/src/git/leader.rs's MockLeaseClient.
type mockTransport struct {
	mu           sync.Mutex
	acquireQueue []AcquireResult
	renewQueue   []RenewOutcome
	releaseQueue []ReleaseOutcome
	releaseCalls int
}

func (m *mockTransport) Acquire(ctx context.Context, workspaceID, clientID string) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.acquireQueue) == 0 {
		return AcquireResult{Outcome: Denied}, nil
	}
	r := m.acquireQueue[0]
	m.acquireQueue = m.acquireQueue[1:]
	return r, nil
}

func (m *mockTransport) Renew(ctx context.Context, workspaceID, clientID, leaseID string) (RenewOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.renewQueue) == 0 {
		return Renewed, nil
	}
	r := m.renewQueue[0]
	m.renewQueue = m.renewQueue[1:]
	return r, nil
}

func (m *mockTransport) Release(ctx context.Context, workspaceID, clientID string) (ReleaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if len(m.releaseQueue) == 0 {
		return NotFound, nil
	}
	r := m.releaseQueue[0]
	m.releaseQueue = m.releaseQueue[1:]
	return r, nil
}

func TestAcquireGrantedBecomesLeader(t *testing.T) {
	tr := &mockTransport{acquireQueue: []AcquireResult{{Outcome: Granted, LeaseID: "lease-1"}}}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	require.Equal(t, StateUnknown, c.State().Kind)

	delay := c.step(context.Background())
	require.Equal(t, StateLeader, c.State().Kind)
	require.Equal(t, "lease-1", c.State().LeaseID)
	require.Equal(t, c.config.HeartbeatInterval, delay)
}

func TestAcquireDeniedBecomesFollower(t *testing.T) {
	tr := &mockTransport{acquireQueue: []AcquireResult{{Outcome: Denied, CurrentHolder: "daemon-b"}}}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	delay := c.step(context.Background())
	require.Equal(t, StateFollower, c.State().Kind)
	require.Equal(t, c.config.RetryInterval, delay)
}

func TestRenewLostImmediatelyRetriesAcquire(t *testing.T) {
	tr := &mockTransport{
		acquireQueue: []AcquireResult{{Outcome: Granted, LeaseID: "lease-1"}},
		renewQueue:   []RenewOutcome{Lost},
	}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	c.step(context.Background()) // acquire -> leader
	delay := c.step(context.Background())
	require.Equal(t, StateFollower, c.State().Kind)
	require.Equal(t, time.Duration(0), delay)
}

func TestRenewNetworkErrorKeepsLeaseOptimistically(t *testing.T) {
	tr := &erroringRenewTransport{granted: AcquireResult{Outcome: Granted, LeaseID: "lease-1"}}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	c.step(context.Background())
	require.True(t, c.State().IsLeader())

	c.step(context.Background())
	require.True(t, c.State().IsLeader(), "transient renew error keeps the lease per spec's optimistic-renewal design")
}

type erroringRenewTransport struct {
	granted AcquireResult
}

func (t *erroringRenewTransport) Acquire(ctx context.Context, workspaceID, clientID string) (AcquireResult, error) {
	return t.granted, nil
}
func (t *erroringRenewTransport) Renew(ctx context.Context, workspaceID, clientID, leaseID string) (RenewOutcome, error) {
	return Renewed, context.DeadlineExceeded
}
func (t *erroringRenewTransport) Release(ctx context.Context, workspaceID, clientID string) (ReleaseOutcome, error) {
	return NotFound, nil
}

func TestShutdownReleasesAndBecomesFollower(t *testing.T) {
	tr := &mockTransport{
		acquireQueue: []AcquireResult{{Outcome: Granted, LeaseID: "lease-1"}},
		releaseQueue: []ReleaseOutcome{Released},
	}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	c.step(context.Background())
	require.True(t, c.State().IsLeader())

	c.Shutdown(context.Background())
	require.Equal(t, StateFollower, c.State().Kind)
	require.Equal(t, 1, tr.releaseCalls)
}

func TestRunHandsOffLeadershipToAnotherDaemon(t *testing.T) {
	cfg := Config{WorkspaceID: "ws", ClientID: "daemon-a", HeartbeatInterval: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond}
	tr := &mockTransport{acquireQueue: []AcquireResult{{Outcome: Granted, LeaseID: "lease-1"}}}
	c := New(cfg, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	testutil.RequireEventually(t, func() bool { return c.State().IsLeader() }, "daemon-a never became leader")

	// A renew that comes back Lost drops leadership on the very next
	// heartbeat, mirroring a relay-side lease handoff to another daemon.
	tr.mu.Lock()
	tr.renewQueue = append(tr.renewQueue, Lost)
	tr.acquireQueue = append(tr.acquireQueue, AcquireResult{Outcome: Denied, CurrentHolder: "daemon-b"})
	tr.mu.Unlock()

	testutil.RequireEventually(t, func() bool {
		s := c.State()
		return s.Kind == StateFollower
	}, "daemon-a never relinquished leadership")
}

func TestWatchReceivesStateTransitions(t *testing.T) {
	tr := &mockTransport{acquireQueue: []AcquireResult{{Outcome: Granted, LeaseID: "lease-1"}}}
	c := New(DefaultConfig("ws", "daemon-a"), tr)

	ch := c.Watch()
	require.Equal(t, StateUnknown, (<-ch).Kind)

	c.step(context.Background())
	require.Equal(t, StateLeader, (<-ch).Kind)
}
