package rpc_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/scriptum/scriptum/internal/daemon/docstore"
	"github.com/scriptum/scriptum/internal/daemon/outbox"
	"github.com/scriptum/scriptum/internal/daemon/rpc"
	"github.com/scriptum/scriptum/internal/daemon/store"
	"github.com/scriptum/scriptum/internal/section"
)

const sampleDoc = `# Intro
intro body line

## Background
background line one
background line two

## Details
details body
`

// headingParser is a minimal test double for section.Parser: it treats
// every line starting with "#" as a heading, nesting strictly on "##"
// under the preceding "#".
func headingParser(markdown string) ([]section.Section, error) {
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

func newDocDeps(t *testing.T) rpc.DocDeps {
	t.Helper()
	docs := docstore.New(headingParser)
	docs.Seed("ws1", "doc1", sampleDoc)
	return rpc.DocDeps{Docs: docs, WorkspaceID: "ws1"}
}

func TestDocRead(t *testing.T) {
	d := rpc.NewDispatcher()
	rpc.RegisterDocHandlers(d, newDocDeps(t))

	raw, _ := json.Marshal(map[string]string{"workspace_id": "ws1", "doc_id": "doc1"})
	resp := d.Dispatch(context.Background(), mustRequest(t, "doc.read", raw))
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var out struct {
		Content string `json:"content"`
		Etag    string `json:"etag"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, sampleDoc, out.Content)
	assert.Equal(t, "doc:doc1:"+itoa(len(sampleDoc)), out.Etag)
}

func TestDocBundle_ParentsAndChildren(t *testing.T) {
	d := rpc.NewDispatcher()
	rpc.RegisterDocHandlers(d, newDocDeps(t))

	raw, _ := json.Marshal(map[string]any{
		"workspace_id": "ws1",
		"doc_id":       "doc1",
		"section_id":   "Background",
		"include":      []string{"parents", "children"},
	})
	resp := d.Dispatch(context.Background(), mustRequest(t, "doc.bundle", raw))
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var out struct {
		Markdown string `json:"markdown"`
		Context  struct {
			Parents  []section.Section `json:"parents"`
			Children []section.Section `json:"children"`
		} `json:"context"`
		Truncated bool `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Contains(t, out.Markdown, "background line one")
	require.Len(t, out.Context.Parents, 1)
	assert.Equal(t, "Intro", out.Context.Parents[0].Heading)
	assert.False(t, out.Truncated)
}

func TestDocBundle_TruncatesUnderBudget(t *testing.T) {
	d := rpc.NewDispatcher()
	rpc.RegisterDocHandlers(d, newDocDeps(t))

	budget := 1
	raw, _ := json.Marshal(map[string]any{
		"workspace_id": "ws1",
		"doc_id":       "doc1",
		"section_id":   "Background",
		"include":      []string{"parents", "children"},
		"token_budget": budget,
	})
	resp := d.Dispatch(context.Background(), mustRequest(t, "doc.bundle", raw))
	require.Nil(t, resp.Error)

	b, _ := json.Marshal(resp.Result)
	var out struct {
		Context struct {
			Parents  []section.Section `json:"parents"`
			Children []section.Section `json:"children"`
		} `json:"context"`
		Truncated bool `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.True(t, out.Truncated)
	assert.Empty(t, out.Context.Parents)
	assert.Empty(t, out.Context.Children)
}

func TestDocEditSection_ReplacesBodyAndEnqueues(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(db))
	q := outbox.New(db, make([]byte, chacha20poly1305.KeySize))

	deps := newDocDeps(t)
	deps.Outbox = q

	d := rpc.NewDispatcher()
	rpc.RegisterDocHandlers(d, deps)

	raw, _ := json.Marshal(map[string]string{
		"workspace_id": "ws1",
		"doc_id":       "doc1",
		"heading":      "Background",
		"body":         "replaced body\n",
	})
	resp := d.Dispatch(context.Background(), mustRequest(t, "doc.edit_section", raw))
	require.Nil(t, resp.Error)

	content, _, err := deps.Docs.Read("ws1", "doc1")
	require.NoError(t, err)
	assert.Contains(t, content, "replaced body")
	assert.NotContains(t, content, "background line one")
	assert.Contains(t, content, "# Intro")
	assert.Contains(t, content, "## Details")

	backlog, err := q.CheckBacklog("ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, backlog.Count)
}

func mustRequest(t *testing.T, method string, params json.RawMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(rpc.Request{Method: method, Params: params})
	require.NoError(t, err)
	return raw
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
