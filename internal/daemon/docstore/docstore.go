// Package docstore is the daemon's local, in-memory mirror of each
// document's materialized markdown content (spec §4.7): the basis for
// doc.read, doc.bundle, and doc.edit_section. The CRDT algorithm that
// keeps this mirror convergent with the relay's copy is out of scope
// (spec §1 "treated as an opaque byte-payload library"), so ReplaceBody
// hands back the document's whole new content as the update payload
// rather than a real CRDT delta — downstream code never interprets it
// either way.
package docstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/scriptum/scriptum/internal/crdt"
	"github.com/scriptum/scriptum/internal/section"
)

// ErrNotFound is returned when a (workspace_id, doc_id) pair has no
// seeded content.
var ErrNotFound = errors.New("document not found")

type docEntry struct {
	content string
}

// Store is the daemon's local document content mirror.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*docEntry
	parser section.Parser
}

// New constructs a Store that parses sections with parser.
func New(parser section.Parser) *Store {
	return &Store{docs: make(map[string]*docEntry), parser: parser}
}

func key(workspaceID, docID string) string {
	return workspaceID + "\x00" + docID
}

// Seed installs a document's content directly. Production code calls
// this when a subscribed document's snapshot/tail arrives from the
// relay and is materialized locally; tests call it to set up fixtures.
func (s *Store) Seed(workspaceID, docID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key(workspaceID, docID)] = &docEntry{content: content}
}

// Etag formats the document etag spec §4.7 defines for doc.edit_section's
// response: `"doc:{doc_id}:{content.len}"`.
func Etag(docID string, contentLen int) string {
	return fmt.Sprintf("doc:%s:%d", docID, contentLen)
}

// Read returns a document's current materialized content and etag.
func (s *Store) Read(workspaceID, docID string) (content, etag string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[key(workspaceID, docID)]
	if !ok {
		return "", "", ErrNotFound
	}
	return e.content, Etag(docID, len(e.content)), nil
}

// Sections parses a document's current content into its section tree
// using the Store's configured section.Parser.
func (s *Store) Sections(workspaceID, docID string) ([]section.Section, error) {
	content, _, err := s.Read(workspaceID, docID)
	if err != nil {
		return nil, err
	}
	return s.parser(content)
}

// ReplaceBody replaces the UTF-8 byte range [startByte, endByte) of a
// document's content with newBody (spec §4.7 doc.edit_section "replaces
// the body via the CRDT"; byte offsets, not code points — see
// DESIGN.md). Returns the new content, its etag, and the opaque CRDT
// update payload produced by the edit.
func (s *Store) ReplaceBody(workspaceID, docID string, startByte, endByte int, newBody string) (content, etag string, update crdt.Update, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.docs[key(workspaceID, docID)]
	if !ok {
		return "", "", nil, ErrNotFound
	}
	if startByte < 0 || endByte < startByte || endByte > len(e.content) {
		return "", "", nil, fmt.Errorf("byte range [%d,%d) out of bounds for %d-byte document", startByte, endByte, len(e.content))
	}

	next := e.content[:startByte] + newBody + e.content[endByte:]
	e.content = next
	return next, Etag(docID, len(next)), crdt.Update(next), nil
}
