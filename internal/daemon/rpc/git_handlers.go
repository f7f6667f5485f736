package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/scriptum/scriptum/internal/daemon/trigger"
	"github.com/scriptum/scriptum/internal/worker/gitutil"
)

// GitDeps bundles everything the git.* RPC methods need (spec §4.7,
// §4.10).
type GitDeps struct {
	WorkspaceRoot string
}

// RegisterGitHandlers wires git.status, git.sync, and git.configure
// onto d.
func RegisterGitHandlers(d *Dispatcher, deps GitDeps) {
	d.Register("git.status", gitStatusHandler(deps))
	d.Register("git.sync", gitSyncHandler(deps))
	d.Register("git.configure", gitConfigureHandler(deps))
}

type gitStatusResult struct {
	Branch      string `json:"branch"`
	Ahead       int    `json:"ahead"`
	Behind      int    `json:"behind"`
	Conflicted  bool   `json:"conflicted"`
	Stashed     bool   `json:"stashed"`
	Modified    bool   `json:"modified"`
	Added       bool   `json:"added"`
	Deleted     bool   `json:"deleted"`
	Renamed     bool   `json:"renamed"`
	TypeChanged bool   `json:"type_changed"`
	Untracked   bool   `json:"untracked"`
	Clean       bool   `json:"clean"`
}

func gitStatusHandler(deps GitDeps) Handler {
	return func(context.Context, json.RawMessage) (any, error) {
		status := gitutil.GetGitStatus(deps.WorkspaceRoot)
		if status == nil {
			return nil, NewError(CodeInternalError, "not a git repository or git is unavailable")
		}
		return gitStatusResult{
			Branch:      status.Branch,
			Ahead:       status.Ahead,
			Behind:      status.Behind,
			Conflicted:  status.Conflicted,
			Stashed:     status.Stashed,
			Modified:    status.Modified,
			Added:       status.Added,
			Deleted:     status.Deleted,
			Renamed:     status.Renamed,
			TypeChanged: status.TypeChanged,
			Untracked:   status.Untracked,
			Clean: !status.Conflicted && !status.Modified && !status.Added &&
				!status.Deleted && !status.TypeChanged && !status.Untracked,
		}, nil
	}
}

type gitSyncParams struct {
	Message string `json:"message,omitempty"`
}

type gitSyncResult struct {
	Committed bool   `json:"committed"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Pushed    bool   `json:"pushed"`
}

// gitSyncHandler implements git.sync (spec §4.10): commits every
// pending change with either the caller-supplied message or the
// deterministic fallback built from the current diff's changed paths,
// then pushes. AI-assisted commit messages go through the trigger
// pipeline's debounce loop (spec §4.10), not this manual/on-demand RPC.
func gitSyncHandler(deps GitDeps) Handler {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var p gitSyncParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid git.sync params: "+err.Error())
			}
		}

		message := p.Message
		if message == "" {
			changed, err := changedFiles(deps.WorkspaceRoot)
			if err != nil {
				return nil, NewError(CodeInternalError, err.Error())
			}
			message = trigger.FallbackCommitMessage(changed)
		}

		sha, err := gitutil.CommitAll(deps.WorkspaceRoot, message)
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		if sha == "" {
			return gitSyncResult{Committed: false, Pushed: false}, nil
		}

		if err := gitutil.Push(deps.WorkspaceRoot); err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		return gitSyncResult{Committed: true, CommitSHA: sha, Pushed: true}, nil
	}
}

// changedFiles runs `git diff --name-status` against HEAD to build the
// ChangedFile list trigger.FallbackCommitMessage expects.
func changedFiles(workspaceRoot string) ([]trigger.ChangedFile, error) {
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

type gitConfigureParams struct {
	RemoteName string `json:"remote_name"`
	RemoteURL  string `json:"remote_url"`
}

type gitConfigureResult struct {
	Configured bool `json:"configured"`
}

func gitConfigureHandler(deps GitDeps) Handler {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var p gitConfigureParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid git.configure params: "+err.Error())
		}
		if p.RemoteName == "" {
			p.RemoteName = "origin"
		}
		if p.RemoteURL == "" {
			return nil, NewError(CodeInvalidParams, "remote_url is required")
		}
		if err := gitutil.ConfigureRemote(deps.WorkspaceRoot, p.RemoteName, p.RemoteURL); err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}
		return gitConfigureResult{Configured: true}, nil
	}
}
