// Package config loads Scriptum's layered TOML configuration (spec §6)
// using the koanf stack: compiled-in defaults, a global config file, an
// optional workspace config file, and environment variable overrides.
// Command-line flags (defined per-binary in cmd/) are applied last by
// the caller after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Global is the global config at {home}/.scriptum/config.toml.
type Global struct {
	RelayURL string `koanf:"relay_url"`
}

// Sync is the [sync] table of the workspace config.
type Sync struct {
	WorkspaceID   string `koanf:"workspace_id"`
	WorkspaceName string `koanf:"workspace_name"`
	RelayURL      string `koanf:"relay_url"`
}

// Workspace is the workspace config at {workspace_root}/.scriptum/workspace.toml.
type Workspace struct {
	Sync Sync `koanf:"sync"`
}

// GlobalConfigPath returns the path to the global config file under home.
func GlobalConfigPath(home string) string {
	return filepath.Join(home, ".scriptum", "config.toml")
}

// WorkspaceConfigPath returns the path to the workspace config file
// under workspaceRoot.
func WorkspaceConfigPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".scriptum", "workspace.toml")
}

// envTransform converts "SCRIPTUM_SYNC_RELAY_URL" into "sync.relay_url",
// matching koanf's dot-delimited key convention.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "SCRIPTUM_")
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

// LoadGlobal loads the global config, layering compiled-in defaults,
// the TOML file at GlobalConfigPath(home) (if present), and SCRIPTUM_*
// environment variables, in that order.
func LoadGlobal(home string) (*Global, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"relay_url": "",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	path := GlobalConfigPath(home)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load global config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat global config %s: %w", path, err)
	}

	if err := k.Load(env.Provider("SCRIPTUM_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var g Global
	if err := k.Unmarshal("", &g); err != nil {
		return nil, fmt.Errorf("unmarshal global config: %w", err)
	}
	return &g, nil
}

// LoadWorkspace loads the workspace config at WorkspaceConfigPath(workspaceRoot),
// layering the same default/file/env order as LoadGlobal. The workspace
// file is required to exist: a daemon cannot operate on a directory
// that was never initialised as a Scriptum workspace.
func LoadWorkspace(workspaceRoot string) (*Workspace, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"sync.workspace_id":   "",
		"sync.workspace_name": "",
		"sync.relay_url":      "",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	path := WorkspaceConfigPath(workspaceRoot)
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load workspace config %s: %w", path, err)
	}

	if err := k.Load(env.Provider("SCRIPTUM_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var w Workspace
	if err := k.Unmarshal("", &w); err != nil {
		return nil, fmt.Errorf("unmarshal workspace config: %w", err)
	}
	return &w, nil
}

// ResolveRelayURL applies spec §6's override order: workspace config
// beats global config.
func ResolveRelayURL(g *Global, w *Workspace) string {
	if w != nil && w.Sync.RelayURL != "" {
		return w.Sync.RelayURL
	}
	if g != nil {
		return g.RelayURL
	}
	return ""
}

// AnthropicAPIKey reads ANTHROPIC_API_KEY from the environment. Spec §6
// states this is preferred over any config file value; there is no
// config-file equivalent by design, so the environment is the only
// source.
func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}
