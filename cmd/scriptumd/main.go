// Command scriptumd is the per-workstation daemon (spec §2, §6): it
// owns the outbox (C2), drives the relay connection (C3), dispatches
// local JSON-RPC (C7), tracks advisory leases (C8), contests the
// git-leader lease (C9), and runs the trigger/commit pipeline (C10).
// Grounded on cmd/leapmux/{main.go,worker.go}'s flag parsing and
// signal-driven shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scriptum/scriptum/internal/config"
	"github.com/scriptum/scriptum/internal/daemon/docstore"
	"github.com/scriptum/scriptum/internal/daemon/leader"
	"github.com/scriptum/scriptum/internal/daemon/leases"
	"github.com/scriptum/scriptum/internal/daemon/outbox"
	"github.com/scriptum/scriptum/internal/daemon/relayclient"
	"github.com/scriptum/scriptum/internal/daemon/rpc"
	"github.com/scriptum/scriptum/internal/daemon/store"
	"github.com/scriptum/scriptum/internal/daemon/trigger"
	"github.com/scriptum/scriptum/internal/idgen"
	"github.com/scriptum/scriptum/internal/logging"
	"github.com/scriptum/scriptum/internal/section"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("scriptumd", flag.ExitOnError)
	workspaceRoot := fs.String("workspace", ".", "workspace root directory")
	relayURLFlag := fs.String("relay", "", "relay base URL (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*workspaceRoot, *relayURLFlag); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(workspaceRoot, relayURLFlag string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	global, err := config.LoadGlobal(home)
	if err != nil {
		return fmt.Errorf("load global config: %w", err)
	}
	workspace, err := config.LoadWorkspace(absRoot)
	if err != nil {
		return fmt.Errorf("load workspace config: %w", err)
	}

	relayURL := relayURLFlag
	if relayURL == "" {
		relayURL = config.ResolveRelayURL(global, workspace)
	}
	if relayURL == "" {
		return fmt.Errorf("no relay_url configured (set it in %s or %s, or pass -relay)",
			config.GlobalConfigPath(home), config.WorkspaceConfigPath(absRoot))
	}

	logging.PrintBanner("daemon", version, relayURL)

	dataDir := filepath.Join(absRoot, ".scriptum", "crdt_store")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.Open(filepath.Join(dataDir, "daemon.db"))
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate local store: %w", err)
	}

	key, err := outbox.LoadOrCreateKey(dataDir)
	if err != nil {
		return fmt.Errorf("load outbox key: %w", err)
	}
	outboxQueue := outbox.New(db, key)

	now := time.Now()
	leaseStore, err := leases.Open(db, now)
	if err != nil {
		return fmt.Errorf("open lease store: %w", err)
	}

	docs := docstore.New(naiveHeadingParser)

	clientID := idgen.NewID()
	deviceID := idgen.NewID()

	if err := outboxQueue.RescheduleInFlight(workspace.Sync.WorkspaceID); err != nil {
		slog.Warn("reschedule in-flight outbox updates", "error", err)
	}

	relay := relayclient.New(relayclient.Config{
		RelayURL:    relayURL,
		WorkspaceID: workspace.Sync.WorkspaceID,
		ClientID:    clientID,
		DeviceID:    deviceID,
	}, relayclient.NewHTTPSessionTransport(), dialSocket)

	leaderClient := leader.New(
		leader.DefaultConfig(workspace.Sync.WorkspaceID, clientID),
		leader.NewHTTPTransport(relayURL),
	)

	collector := trigger.NewCollector(trigger.DefaultConfig())
	messageGen := trigger.NewAnthropicGenerator()

	dispatcher := rpc.NewDispatcher()
	rpc.RegisterPingHandler(dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc.RegisterShutdownHandler(dispatcher, stop)
	rpc.RegisterDocHandlers(dispatcher, rpc.DocDeps{
		Docs:        docs,
		Outbox:      outboxQueue,
		WorkspaceID: workspace.Sync.WorkspaceID,
	})
	rpc.RegisterGitHandlers(dispatcher, rpc.GitDeps{WorkspaceRoot: absRoot})

	socketPath := filepath.Join(home, ".scriptum", "daemon.sock")
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create control socket dir: %w", err)
	}
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	defer listener.Close()

	go acceptRPCConns(ctx, listener, dispatcher)
	go relay.Run(ctx, 0)
	go leaderClient.Run(ctx)
	go pumpOutbox(ctx, outboxQueue, relay, workspace.Sync.WorkspaceID, clientID)
	go runCommitPipeline(ctx, collector, messageGen, absRoot)
	go pruneExpiredLeases(ctx, leaseStore)

	slog.Info("scriptumd started",
		"workspace_id", workspace.Sync.WorkspaceID,
		"client_id", clientID,
		"relay", relayURL,
		"control_socket", socketPath,
	)

	<-ctx.Done()
	slog.Info("scriptumd shutting down")
	leaderClient.Shutdown(context.Background())
	_ = relay.Close()

	return nil
}

// pruneExpiredLeases periodically drops expired section leases from
// both the in-memory store and its durable mirror (spec §4.8
// prune_expired).
func pruneExpiredLeases(ctx context.Context, leaseStore *leases.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := leaseStore.PruneExpired(time.Now()); err != nil {
				slog.Warn("leases: prune failed", "error", err)
			}
		}
	}
}

// dialSocket adapts relayclient.DialSocket's concrete return type to
// the relayclient.Dialer function type.
func dialSocket(ctx context.Context, wsURL string) (relayclient.Socket, error) {
	return relayclient.DialSocket(ctx, wsURL)
}

// acceptRPCConns accepts local control-socket connections and serves
// each with the dispatcher until ctx is cancelled (spec §6 "Local
// JSON-RPC (daemon)").
func acceptRPCConns(ctx context.Context, listener net.Listener, dispatcher *rpc.Dispatcher) {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("rpc: accept failed", "error", err)
			return
		}
		go dispatcher.Serve(ctx, conn)
	}
}

// pumpOutbox drains ready-to-send outbox updates over the relay
// connection and reconciles relay acks/errors back into the outbox
// state machine (spec §4.2, §4.3).
func pumpOutbox(ctx context.Context, q *outbox.Queue, relay *relayclient.Client, workspaceID, clientID string) {
	inflight := make(map[string]int64) // client_update_id -> outbox row id
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-relay.Events():
			switch ev.Kind {
			case relayclient.EventUpdateAcked:
				if id, ok := inflight[ev.ClientUpdateID]; ok {
					if ev.Applied {
						_, _ = q.MarkAcked(id)
					} else {
						_, _ = q.MarkFailed(id, time.Now())
					}
					delete(inflight, ev.ClientUpdateID)
				}
			case relayclient.EventDisconnected:
				// Any sent-but-unacked updates get retried fresh once
				// reconnected (spec §4.2 "re-scheduled immediately on
				// reconnect").
				_ = q.RescheduleInFlight(workspaceID)
			}
		case <-ticker.C:
			if relay.State() != relayclient.StateConnected {
				continue
			}
			ready, err := q.ReadyToSend(workspaceID, time.Now(), 50)
			if err != nil {
				slog.Warn("outbox: ready_to_send failed", "error", err)
				continue
			}
			for _, u := range ready {
				if err := relay.SendUpdate(ctx, u.DocID, clientID, u.ClientUpdateID, 0, u.Payload); err != nil {
					slog.Warn("outbox: send failed", "error", err)
					continue
				}
				if sent, err := q.MarkSent(u.ID); err == nil && sent {
					inflight[u.ClientUpdateID] = u.ID
				}
			}
		}
	}
}

// runCommitPipeline drains due commits from collector on a fixed tick,
// generating a commit message per spec §4.10. Actual git commit/push is
// left to git.sync (manual) or a future automatic wiring; this loop
// only demonstrates the debounce decision and message generation path
// so the pipeline is exercised end-to-end from daemon startup.
func runCommitPipeline(ctx context.Context, collector *trigger.Collector, gen trigger.MessageGenerator, workspaceRoot string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if !collector.ShouldCommit(now) {
				continue
			}
			changed, err := gitChangedFiles(workspaceRoot)
			if err != nil {
				slog.Warn("trigger: read git status failed", "error", err)
				continue
			}
			cc, ok := collector.TakeCommitContext(now, changed)
			if !ok {
				continue
			}
			var diff strings.Builder
			for _, f := range changed {
				fmt.Fprintf(&diff, "%s %s\n", f.ChangeType, f.Path)
			}
			msg := trigger.GenerateCommitMessageWithFallback(ctx, gen, diff.String(), cc.ChangedFiles, trigger.PolicyRedacted)
			msg = trigger.BuildTrailers(msg, cc)
			slog.Info("trigger: commit message ready", "workspace_root", workspaceRoot, "message", firstLine(msg))
		}
	}
}

// gitChangedFiles runs `git status --porcelain` to build the
// ChangedFile list the commit pipeline summarizes (spec §4.10).
func gitChangedFiles(workspaceRoot string) ([]trigger.ChangedFile, error) {
	cmd := exec.Command("git", "-C", workspaceRoot, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var files []trigger.ChangedFile
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := strings.TrimSpace(line[3:])

		var ct trigger.ChangeType
		switch {
		case x == 'D' || y == 'D':
			ct = trigger.Deleted
		case x == 'A' || x == '?':
			ct = trigger.Added
		default:
			ct = trigger.Modified
		}
		files = append(files, trigger.ChangedFile{Path: path, ChangeType: ct})
	}
	return files, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// naiveHeadingParser is a minimal ATX-heading section parser used when
// no production markdown parser is wired (spec §1: real section
// parsing is out of scope, "an opaque function from markdown to a
// section tree" supplied by the caller). It is enough to exercise
// doc.bundle/doc.edit_section end to end for a standalone daemon.
func naiveHeadingParser(markdown string) ([]section.Section, error) {
	lines := strings.Split(markdown, "\n")
	var out []section.Section
	var rootID *string
	for i, line := range lines {
		if !strings.HasPrefix(line, "#") {
			continue
		}
		level := 0
		for level < len(line) && line[level] == '#' {
			level++
		}
		heading := strings.TrimSpace(line[level:])
		id := heading
		var parent *string
		if level > 1 {
			parent = rootID
		}
		out = append(out, section.Section{ID: id, ParentID: parent, Heading: heading, Level: level, StartLine: i})
		if level == 1 {
			idCopy := id
			rootID = &idCopy
		}
	}
	for i := range out {
		end := len(lines)
		if i+1 < len(out) {
			end = out[i+1].StartLine
		}
		out[i].EndLine = end
	}
	return out, nil
}
