package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// RedactionPolicy controls what diff content reaches the LLM (spec
// §4.10 "redaction policy in {disabled, redacted, full}").
type RedactionPolicy string

const (
	PolicyDisabled RedactionPolicy = "disabled"
	PolicyRedacted RedactionPolicy = "redacted"
	PolicyFull     RedactionPolicy = "full"
)

// SystemPrompt instructs the LLM to produce a conventional commit
// message (spec §4.10, grounded on commit.rs's SYSTEM_PROMPT).
const SystemPrompt = "Generate concise git commit (max 72 chars first line). Focus on WHAT and WHY."

const (
	defaultAnthropicModel = "claude-haiku-4-5-20250929"
	defaultMaxTokens      = 200
	anthropicAPIURL       = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion   = "2023-06-01"
)

// ErrDisabled is returned when RedactionPolicy forbids LLM calls.
var ErrDisabled = errors.New("AI commit messages are disabled")

// ErrEmptyResponse is returned when the LLM returns no usable text.
var ErrEmptyResponse = errors.New("AI returned an empty response")

// MessageGenerator calls an LLM to produce a commit message body from a
// system prompt and a user prompt (spec §9 "small capability
// traits/interfaces with a single production implementation and mock
// variants"). Grounded on commit.rs's AiCommitClient trait.
type MessageGenerator interface {
	Generate(ctx context.Context, system, userPrompt string) (string, error)
}

// AnthropicGenerator calls Claude Haiku via the Anthropic Messages API.
// Grounded on commit.rs's AnthropicCommitClient.
type AnthropicGenerator struct {
	HTTPClient *http.Client
	APIURL     string
	APIKey     string
	Model      string
	MaxTokens  int
}

// NewAnthropicGenerator reads ANTHROPIC_API_KEY from the environment.
// A zero-value APIKey means IsConfigured reports false and Generate
// always fails with a clear error, matching commit.rs's
// resolve_api_key precedence (environment variable first).
func NewAnthropicGenerator() *AnthropicGenerator {
	return &AnthropicGenerator{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		APIURL:     anthropicAPIURL,
		APIKey:     strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		Model:      defaultAnthropicModel,
		MaxTokens:  defaultMaxTokens,
	}
}

// IsConfigured reports whether an API key is present.
func (g *AnthropicGenerator) IsConfigured() bool { return g.APIKey != "" }

type anthropicMessageRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessageResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Generate implements MessageGenerator.
func (g *AnthropicGenerator) Generate(ctx context.Context, system, userPrompt string) (string, error) {
	if g.APIKey == "" {
		return "", fmt.Errorf("anthropic API key not configured (set ANTHROPIC_API_KEY)")
	}

	reqBody, err := json.Marshal(anthropicMessageRequest{
		Model:     g.Model,
		MaxTokens: g.MaxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.APIURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("build anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", g.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anthropic API: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 240 {
			detail = detail[:240] + "..."
		}
		if detail == "" {
			detail = fmt.Sprintf("status %d", resp.StatusCode)
		} else {
			detail = fmt.Sprintf("status %d: %s", resp.StatusCode, detail)
		}
		return "", fmt.Errorf("anthropic API returned error (%s)", detail)
	}

	var payload anthropicMessageResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	for _, block := range payload.Content {
		if block.Type == "text" {
			if text := strings.TrimSpace(block.Text); text != "" {
				return text, nil
			}
		}
	}
	return "", ErrEmptyResponse
}

// BuildPrompt assembles the user prompt from a diff summary and changed
// files (spec §4.10 "assembled as...").
func BuildPrompt(diffSummary string, changedFiles []ChangedFile, policy RedactionPolicy) string {
	var b strings.Builder

	if len(changedFiles) > 0 {
		b.WriteString("Changed files:\n")
		for _, f := range changedFiles {
			fmt.Fprintf(&b, "  %s %s\n", f.ChangeType, f.Path)
		}
		b.WriteString("\n")
	}

	switch policy {
	case PolicyFull:
		b.WriteString("Diff:\n")
		b.WriteString(diffSummary)
	case PolicyRedacted:
		b.WriteString("Diff (redacted):\n")
		b.WriteString("(Sensitive values redacted by policy.)\n")
		b.WriteString(RedactSensitiveContent(diffSummary))
	case PolicyDisabled:
	}

	return b.String()
}

// GenerateAICommitMessage calls generator when policy permits, trims
// the response, and enforces the first-line length limit.
func GenerateAICommitMessage(ctx context.Context, generator MessageGenerator, diffSummary string, changedFiles []ChangedFile, policy RedactionPolicy) (string, error) {
	if policy == PolicyDisabled {
		return "", ErrDisabled
	}

	prompt := BuildPrompt(diffSummary, changedFiles, policy)
	response, err := generator.Generate(ctx, SystemPrompt, prompt)
	if err != nil {
		return "", err
	}

	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", ErrEmptyResponse
	}
	return enforceFirstLineLimit(trimmed, 72), nil
}

// FallbackCommitMessage produces the deterministic fallback (spec
// §4.10 "Update {n} file(s): {sorted unique paths}").
func FallbackCommitMessage(changedFiles []ChangedFile) string {
	paths := make([]string, 0, len(changedFiles))
	seen := make(map[string]struct{}, len(changedFiles))
	for _, f := range changedFiles {
		if _, ok := seen[f.Path]; ok {
			continue
		}
		seen[f.Path] = struct{}{}
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)

	pathList := "(none)"
	if len(paths) > 0 {
		pathList = strings.Join(paths, ", ")
	}
	return fmt.Sprintf("Update %d file(s): %s", len(paths), pathList)
}

// GenerateCommitMessageWithFallback returns AI output when available,
// otherwise the deterministic fallback (spec §4.10 "On any LLM failure
// ... the deterministic fallback is used").
func GenerateCommitMessageWithFallback(ctx context.Context, generator MessageGenerator, diffSummary string, changedFiles []ChangedFile, policy RedactionPolicy) string {
	message, err := GenerateAICommitMessage(ctx, generator, diffSummary, changedFiles, policy)
	if err != nil {
		return FallbackCommitMessage(changedFiles)
	}
	return message
}

// enforceFirstLineLimit truncates message's first line to maxLen
// characters, breaking at the last space past maxLen/2 when possible
// (spec §4.10 "truncated at the last space position > 36 before
// character 72").
func enforceFirstLineLimit(message string, maxLen int) string {
	lines := strings.SplitN(message, "\n", 2)
	first := lines[0]
	if len(first) <= maxLen {
		return message
	}

	truncated := first[:maxLen]
	if pos := strings.LastIndex(truncated, " "); pos > maxLen/2 {
		truncated = truncated[:pos]
	}

	if len(lines) == 1 {
		return truncated
	}
	return truncated + "\n" + lines[1]
}

// BuildTrailers appends Co-authored-by trailers for every involved
// agent plus a Scriptum-Trigger trailer (spec §4.10 "Conventional
// commit trailers... appended for every agent in agents_involved").
func BuildTrailers(message string, ctx CommitContext) string {
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n")
	for _, agent := range ctx.AgentsInvolved {
		fmt.Fprintf(&b, "Co-authored-by: %s <agent:%s@scriptum>\n", agent, agent)
	}
	fmt.Fprintf(&b, "Scriptum-Trigger: %s\n", ctx.Trigger.Kind)
	return strings.TrimRight(b.String(), "\n") + "\n"
}
