// Package leader implements the daemon's git-leader election client
// (spec §4.9, C9): a renewable relay-held lease that guarantees only
// one daemon pushes to git for a workspace. Grounded on
// original_source/crates/daemon/src/git/leader.rs, adapted to Go's
// goroutine+channel concurrency model in place of tokio tasks/watch
// channels.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptum/scriptum/internal/metrics"
)

// AcquireOutcome discriminates Transport.Acquire's result.
type AcquireOutcome int

const (
	Granted AcquireOutcome = iota
	Denied
)

// AcquireResult is the outcome of an acquire call.
type AcquireResult struct {
	Outcome       AcquireOutcome
	LeaseID       string // set when Granted
	CurrentHolder string // set when Denied
}

// RenewOutcome discriminates Transport.Renew's result.
type RenewOutcome int

const (
	Renewed RenewOutcome = iota
	Lost
)

// ReleaseOutcome discriminates Transport.Release's result.
type ReleaseOutcome int

const (
	Released ReleaseOutcome = iota
	NotFound
)

// Transport abstracts the relay's lease API so the loop is testable
// without a network (spec §9 "small capability traits... single
// production implementation and mock variants").
type Transport interface {
	Acquire(ctx context.Context, workspaceID, clientID string) (AcquireResult, error)
	Renew(ctx context.Context, workspaceID, clientID, leaseID string) (RenewOutcome, error)
	Release(ctx context.Context, workspaceID, clientID string) (ReleaseOutcome, error)
}

// State is a snapshot of the current leader election state (spec §4.9
// LeaderState).
type State struct {
	Kind    StateKind
	LeaseID string // set when Kind == Leader
}

// StateKind discriminates State.
type StateKind int

const (
	StateUnknown StateKind = iota
	StateLeader
	StateFollower
)

// IsLeader reports whether this daemon currently believes it holds the lease.
func (s State) IsLeader() bool { return s.Kind == StateLeader }

// Config configures the election loop (spec §4.9 LeaderConfig).
type Config struct {
	WorkspaceID string
	ClientID    string
	// HeartbeatInterval is how often a held lease is renewed; default
	// 24s, ~40% of the relay's 60s lease TTL.
	HeartbeatInterval time.Duration
	// RetryInterval is how long to wait after a failed/denied acquire.
	RetryInterval time.Duration
}

// DefaultConfig fills in spec §4.9's default intervals.
func DefaultConfig(workspaceID, clientID string) Config {
	return Config{
		WorkspaceID:       workspaceID,
		ClientID:          clientID,
		HeartbeatInterval: 24 * time.Second,
		RetryInterval:     5 * time.Second,
	}
}

// Client runs the leader election loop and publishes state changes to
// observers.
type Client struct {
	config    Config
	transport Transport

	mu          sync.Mutex
	state       State
	leaseID     string
	subscribers map[chan State]struct{}
}

// New constructs a Client in the Unknown state.
func New(config Config, transport Transport) *Client {
	return &Client{
		config:      config,
		transport:   transport,
		state:       State{Kind: StateUnknown},
		subscribers: make(map[chan State]struct{}),
	}
}

// State returns the current state snapshot.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns a channel that receives every state transition. The
// channel is buffered (size 1, latest-value-wins) so a slow observer
// never blocks the election loop; call Unwatch when done.
func (c *Client) Watch() <-chan State {
	ch := make(chan State, 1)
	c.mu.Lock()
	ch <- c.state
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unwatch stops delivering state changes to ch.
func (c *Client) Unwatch(ch <-chan State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subscribers {
		if sub == ch {
			delete(c.subscribers, sub)
			close(sub)
			return
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.leaseID = s.LeaseID
	metrics.GitLeaderState.Reset()
	switch s.Kind {
	case StateLeader:
		metrics.GitLeaderState.WithLabelValues(c.config.WorkspaceID, "leader").Set(1)
	case StateFollower:
		metrics.GitLeaderState.WithLabelValues(c.config.WorkspaceID, "follower").Set(1)
	default:
		metrics.GitLeaderState.WithLabelValues(c.config.WorkspaceID, "unknown").Set(1)
	}
	for sub := range c.subscribers {
		select {
		case <-sub:
		default:
		}
		sub <- s
	}
	c.mu.Unlock()
}

// Run drives the election loop until ctx is cancelled (spec §4.9's
// acquire/renew loop). On return, Shutdown has already been attempted
// via the caller; Run itself does not release the lease — callers
// invoke Shutdown explicitly so release can be attempted even if Run's
// context is already done.
func (c *Client) Run(ctx context.Context) {
	for {
		interval := c.step(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) step(ctx context.Context) time.Duration {
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()

	if leaseID == "" {
		result, err := c.transport.Acquire(ctx, c.config.WorkspaceID, c.config.ClientID)
		if err != nil {
			slog.Warn("leader: acquire failed", "workspace", c.config.WorkspaceID, "error", err)
			c.setState(State{Kind: StateUnknown})
			return c.config.RetryInterval
		}
		switch result.Outcome {
		case Granted:
			slog.Info("leader: became leader", "workspace", c.config.WorkspaceID, "lease_id", result.LeaseID)
			c.setState(State{Kind: StateLeader, LeaseID: result.LeaseID})
			return c.config.HeartbeatInterval
		default: // Denied
			slog.Debug("leader: denied", "workspace", c.config.WorkspaceID, "current_holder", result.CurrentHolder)
			c.setState(State{Kind: StateFollower})
			return c.config.RetryInterval
		}
	}

	outcome, err := c.transport.Renew(ctx, c.config.WorkspaceID, c.config.ClientID, leaseID)
	if err != nil {
		// Keep the lease optimistically; a transient network error does
		// not prove another daemon took over (spec §9 Open Question:
		// a single failed/denied renewal is the only thing that clears
		// it, not a network error).
		slog.Warn("leader: renew failed", "workspace", c.config.WorkspaceID, "error", err)
		return c.config.HeartbeatInterval
	}
	switch outcome {
	case Renewed:
		return c.config.HeartbeatInterval
	default: // Lost
		slog.Warn("leader: lease lost during renew", "workspace", c.config.WorkspaceID)
		c.mu.Lock()
		c.leaseID = ""
		c.mu.Unlock()
		c.setState(State{Kind: StateFollower})
		return 0
	}
}

// Shutdown attempts one best-effort release of a held lease, then
// transitions to Follower regardless of the outcome (spec §4.9
// "Shutdown").
func (c *Client) Shutdown(ctx context.Context) {
	c.mu.Lock()
	leaseID := c.leaseID
	c.mu.Unlock()

	if leaseID != "" {
		outcome, err := c.transport.Release(ctx, c.config.WorkspaceID, c.config.ClientID)
		switch {
		case err != nil:
			slog.Warn("leader: release failed on shutdown", "workspace", c.config.WorkspaceID, "error", err)
		case outcome == Released:
			slog.Info("leader: lease released on shutdown", "workspace", c.config.WorkspaceID)
		default:
			slog.Debug("leader: no lease to release on shutdown", "workspace", c.config.WorkspaceID)
		}
	}

	c.mu.Lock()
	c.leaseID = ""
	c.mu.Unlock()
	c.setState(State{Kind: StateFollower})
}
