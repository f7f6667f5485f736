package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// RelayFlags holds the relay's command-line-configurable runtime
// settings.
type RelayFlags struct {
	Addr    string // Listen address (e.g. ":4327")
	DataDir string // Data directory for the relay's SQLite store
}

// DefineRelayFlags registers the relay's command-line flags. Call
// flag.Parse() separately after defining all flags.
func DefineRelayFlags() *RelayFlags {
	c := &RelayFlags{}
	flag.StringVar(&c.Addr, "addr", ":4327", "listen address")
	flag.StringVar(&c.DataDir, "data-dir", defaultRelayDataDir(), "data directory")
	return c
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *RelayFlags) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func defaultRelayDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "scriptum", "relay")
	}
	return filepath.Join(home, ".config", "scriptum", "relay")
}

// DBPath returns the path to the relay's SQLite database file.
func (c *RelayFlags) DBPath() string {
	return filepath.Join(c.DataDir, "relay.db")
}
