package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scriptum/scriptum/internal/daemon/docstore"
	"github.com/scriptum/scriptum/internal/daemon/outbox"
	"github.com/scriptum/scriptum/internal/idgen"
	"github.com/scriptum/scriptum/internal/section"
)

// Comment and Backlink model the out-of-scope HTTP CRUD resources that
// doc.bundle's include=[comments|backlinks] draws from (spec §1: "HTTP
// CRUD for ... comments ... referenced only by their interfaces").
type Comment struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Backlink is one reference into a section from elsewhere in the workspace.
type Backlink struct {
	DocID   string `json:"doc_id"`
	Heading string `json:"heading"`
	Snippet string `json:"snippet"`
}

// CommentProvider resolves a section's open comments.
type CommentProvider interface {
	Comments(ctx context.Context, workspaceID, docID, sectionID string) ([]Comment, error)
}

// BacklinkProvider resolves links into a section from elsewhere in the
// workspace.
type BacklinkProvider interface {
	Backlinks(ctx context.Context, workspaceID, docID, sectionID string) ([]Backlink, error)
}

// NoComments is the zero-value CommentProvider for deployments that
// don't wire the comment subsystem.
type NoComments struct{}

// Comments implements CommentProvider.
func (NoComments) Comments(context.Context, string, string, string) ([]Comment, error) { return nil, nil }

// NoBacklinks is the zero-value BacklinkProvider for deployments that
// don't wire the backlink subsystem.
type NoBacklinks struct{}

// Backlinks implements BacklinkProvider.
func (NoBacklinks) Backlinks(context.Context, string, string, string) ([]Backlink, error) {
	return nil, nil
}

// DocDeps bundles everything the doc.* RPC methods need (spec §4.7).
type DocDeps struct {
	Docs      *docstore.Store
	Comments  CommentProvider
	Backlinks BacklinkProvider
	// Outbox, when set, receives the CRDT update produced by
	// doc.edit_section for durable relay delivery (spec §4.2).
	Outbox      *outbox.Queue
	WorkspaceID string
}

// RegisterDocHandlers wires doc.read, doc.bundle, and doc.edit_section
// onto d (spec §4.7's method table).
func RegisterDocHandlers(d *Dispatcher, deps DocDeps) {
	if deps.Comments == nil {
		deps.Comments = NoComments{}
	}
	if deps.Backlinks == nil {
		deps.Backlinks = NoBacklinks{}
	}
	d.Register("doc.read", docReadHandler(deps))
	d.Register("doc.bundle", docBundleHandler(deps))
	d.Register("doc.edit_section", docEditSectionHandler(deps))
}

type docReadParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
}

type docReadResult struct {
	Content string `json:"content"`
	Etag    string `json:"etag"`
}

func docReadHandler(deps DocDeps) Handler {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var p docReadParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid doc.read params: "+err.Error())
		}
		content, etag, err := deps.Docs.Read(p.WorkspaceID, p.DocID)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		return docReadResult{Content: content, Etag: etag}, nil
	}
}

type docBundleParams struct {
	WorkspaceID string   `json:"workspace_id"`
	DocID       string   `json:"doc_id"`
	SectionID   string   `json:"section_id,omitempty"`
	Include     []string `json:"include"`
	TokenBudget *int     `json:"token_budget,omitempty"`
}

type bundleContext struct {
	Parents   []section.Section `json:"parents,omitempty"`
	Children  []section.Section `json:"children,omitempty"`
	Backlinks []Backlink        `json:"backlinks,omitempty"`
	Comments  []Comment         `json:"comments,omitempty"`
}

type docBundleResult struct {
	Markdown  string        `json:"markdown"`
	Context   bundleContext `json:"context"`
	Truncated bool          `json:"truncated"`
}

func docBundleHandler(deps DocDeps) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p docBundleParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid doc.bundle params: "+err.Error())
		}

		content, _, err := deps.Docs.Read(p.WorkspaceID, p.DocID)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		sections, err := deps.Docs.Sections(p.WorkspaceID, p.DocID)
		if err != nil {
			return nil, NewError(CodeInternalError, "parse sections: "+err.Error())
		}

		target, markdown, err := sectionMarkdown(sections, content, p.SectionID)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}

		include := make(map[string]bool, len(p.Include))
		for _, i := range p.Include {
			include[i] = true
		}

		var bc bundleContext
		if include["parents"] {
			bc.Parents = section.Ancestors(sections, target.ID)
		}
		if include["children"] {
			bc.Children = section.Descendants(sections, target.ID)
		}
		if include["backlinks"] {
			bc.Backlinks, err = deps.Backlinks.Backlinks(ctx, p.WorkspaceID, p.DocID, target.ID)
			if err != nil {
				return nil, NewError(CodeInternalError, "backlinks: "+err.Error())
			}
		}
		if include["comments"] {
			bc.Comments, err = deps.Comments.Comments(ctx, p.WorkspaceID, p.DocID, target.ID)
			if err != nil {
				return nil, NewError(CodeInternalError, "comments: "+err.Error())
			}
		}

		truncated := false
		if p.TokenBudget != nil {
			truncated = truncateToBudget(markdown, &bc, *p.TokenBudget)
		}

		return docBundleResult{Markdown: markdown, Context: bc, Truncated: truncated}, nil
	}
}

// sectionMarkdown locates the target section (the whole document when
// sectionID is empty) and slices out its markdown text by line range.
func sectionMarkdown(sections []section.Section, content, sectionID string) (section.Section, string, error) {
	lines := strings.Split(content, "\n")

	if sectionID == "" {
		return section.Section{EndLine: len(lines)}, content, nil
	}

	for _, s := range sections {
		if s.ID == sectionID {
			start, end := clampLineRange(s.StartLine, s.EndLine, len(lines))
			return s, strings.Join(lines[start:end], "\n"), nil
		}
	}
	return section.Section{}, "", fmt.Errorf("section %q not found", sectionID)
}

func clampLineRange(start, end, numLines int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > numLines {
		end = numLines
	}
	if start > end {
		start = end
	}
	return start, end
}

// groupTokens counts tokens across every JSON-serialised context group
// (spec §4.7 "Token count is the sum over the section text and
// JSON-serialised context groups").
func groupTokens(bc *bundleContext) int {
	total := 0
	for _, group := range []any{bc.Parents, bc.Children, bc.Backlinks, bc.Comments} {
		total += tokensOf(group)
	}
	return total
}

func tokensOf(v any) int {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return 0
	}
	return CountTokens(string(b))
}

// truncateToBudget drops one context element at a time, in the order
// comments -> backlinks -> children -> parents, recounting after each
// removal, until the total is under budget or nothing remains to drop
// (spec §4.7). Within a group the least specific element is dropped
// first: the end of comments/backlinks/children (assumed least-recently
// relevant), and the root end of the parents chain (spec §4.7 "Parents
// are the ancestor chain (root first)" — the root is the least specific
// ancestor, so it goes first).
func truncateToBudget(markdown string, bc *bundleContext, budget int) bool {
	truncated := false
	for CountTokens(markdown)+groupTokens(bc) > budget {
		switch {
		case len(bc.Comments) > 0:
			bc.Comments = bc.Comments[:len(bc.Comments)-1]
		case len(bc.Backlinks) > 0:
			bc.Backlinks = bc.Backlinks[:len(bc.Backlinks)-1]
		case len(bc.Children) > 0:
			bc.Children = bc.Children[:len(bc.Children)-1]
		case len(bc.Parents) > 0:
			bc.Parents = bc.Parents[1:]
		default:
			return truncated
		}
		truncated = true
	}
	return truncated
}

type docEditSectionParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
	Heading     string `json:"heading"`
	Body        string `json:"body"`
}

type docEditSectionResult struct {
	Etag string `json:"etag"`
}

func docEditSectionHandler(deps DocDeps) Handler {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var p docEditSectionParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid doc.edit_section params: "+err.Error())
		}

		content, _, err := deps.Docs.Read(p.WorkspaceID, p.DocID)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		sections, err := deps.Docs.Sections(p.WorkspaceID, p.DocID)
		if err != nil {
			return nil, NewError(CodeInternalError, "parse sections: "+err.Error())
		}

		startByte, endByte, err := bodyByteRange(content, sections, p.Heading)
		if err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}

		_, etag, update, err := deps.Docs.ReplaceBody(p.WorkspaceID, p.DocID, startByte, endByte, p.Body)
		if err != nil {
			return nil, NewError(CodeInternalError, err.Error())
		}

		if deps.Outbox != nil {
			if _, err := deps.Outbox.Enqueue(p.WorkspaceID, p.DocID, idgen.NewID(), update.Bytes(), time.Now()); err != nil {
				return nil, NewError(CodeInternalError, "enqueue outbox update: "+err.Error())
			}
		}

		return docEditSectionResult{Etag: etag}, nil
	}
}

// bodyByteRange computes the UTF-8 byte offsets of heading's body: the
// lines strictly between the heading line and the next section's
// heading line (spec §4.7 doc.edit_section).
func bodyByteRange(content string, sections []section.Section, heading string) (startByte, endByte int, err error) {
	target, ok := section.Find(sections, heading)
	if !ok {
		return 0, 0, fmt.Errorf("section with heading %q not found", heading)
	}

	ordered := append([]section.Section(nil), sections...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartLine < ordered[j].StartLine })

	lines := strings.Split(content, "\n")
	nextHeadingLine := len(lines)
	for _, s := range ordered {
		if s.StartLine > target.StartLine {
			nextHeadingLine = s.StartLine
			break
		}
	}

	bodyStartLine := target.StartLine + 1
	bodyEndLine := nextHeadingLine
	if bodyStartLine > bodyEndLine {
		bodyStartLine = bodyEndLine
	}

	return byteOffsetOfLine(lines, bodyStartLine), byteOffsetOfLine(lines, bodyEndLine), nil
}

// byteOffsetOfLine returns the byte offset at which lineIdx begins,
// given content's line split (each line rejoined with a single '\n').
func byteOffsetOfLine(lines []string, lineIdx int) int {
	offset := 0
	for i := 0; i < lineIdx && i < len(lines); i++ {
		offset += len(lines[i]) + 1
	}
	return offset
}
