package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// DaemonFlags holds the daemon's command-line-configurable runtime
// settings. Values layered from config files (RelayURL, WorkspaceID)
// are resolved separately via LoadGlobal/LoadWorkspace and merged by
// the caller in cmd/scriptumd.
type DaemonFlags struct {
	WorkspaceRoot string
	DataDir       string
}

// DefineDaemonFlags registers the daemon's command-line flags. Call
// flag.Parse() separately after defining all flags.
func DefineDaemonFlags() *DaemonFlags {
	c := &DaemonFlags{}
	cwd, _ := os.Getwd()
	flag.StringVar(&c.WorkspaceRoot, "workspace", cwd, "workspace root directory")
	flag.StringVar(&c.DataDir, "data-dir", "", "override the workspace's .scriptum data directory")
	return c
}

// Validate ensures the workspace root exists and resolves DataDir to
// its default location when unset.
func (c *DaemonFlags) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	info, err := os.Stat(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root %s is not a directory", c.WorkspaceRoot)
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.WorkspaceRoot, ".scriptum")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// SocketPath returns the daemon's JSON-RPC control socket path
// (spec §6: "{home}/.scriptum/daemon.sock" — rooted instead under the
// workspace's own data dir, consistent with every other per-workspace
// state this daemon instance owns).
func (c *DaemonFlags) SocketPath() string {
	return filepath.Join(c.DataDir, "daemon.sock")
}

// DBPath returns the path to the daemon's local metadata database
// (outbox rows, lease rows, RPC helper tables — spec §6).
func (c *DaemonFlags) DBPath() string {
	return filepath.Join(c.DataDir, "daemon.db")
}

// CRDTWALDir returns the append-only CRDT update log directory.
func (c *DaemonFlags) CRDTWALDir() string {
	return filepath.Join(c.DataDir, "crdt_store", "wal")
}

// CRDTSnapshotDir returns the CRDT snapshot directory.
func (c *DaemonFlags) CRDTSnapshotDir() string {
	return filepath.Join(c.DataDir, "crdt_store", "snapshots")
}
