// Package section defines the marker type for the section tree that a
// markdown document is parsed into. Markdown section parsing is out of
// scope (spec §1 "an opaque function from markdown to a section
// tree"); Scriptum's own code only ever consumes the shape below,
// never the parsing logic that produces it.
package section

// Section is one node of a document's section tree (spec §4.7
// "Sections come from an opaque parser producing {id, parent_id,
// heading, level, start_line, end_line}").
type Section struct {
	ID        string
	ParentID  *string
	Heading   string
	Level     int
	StartLine int
	EndLine   int
}

// Parser produces a flat list of Sections from markdown source. The
// production implementation lives outside this core (spec §1); tests
// and local tooling supply a Parser value directly.
type Parser func(markdown string) ([]Section, error)

// Children returns every section whose ParentID is ancestor, in the
// order given.
func Children(sections []Section, ancestorID string) []Section {
	var out []Section
	for _, s := range sections {
		if s.ParentID != nil && *s.ParentID == ancestorID {
			out = append(out, s)
		}
	}
	return out
}

// Descendants returns every transitive descendant of rootID (spec
// §4.7 "Children are all transitive descendants").
func Descendants(sections []Section, rootID string) []Section {
	byParent := make(map[string][]Section)
	for _, s := range sections {
		if s.ParentID != nil {
			byParent[*s.ParentID] = append(byParent[*s.ParentID], s)
		}
	}

	var out []Section
	var walk func(id string)
	walk = func(id string) {
		for _, child := range byParent[id] {
			out = append(out, child)
			walk(child.ID)
		}
	}
	walk(rootID)
	return out
}

// Ancestors returns the ancestor chain of id, root first (spec §4.7
// "Parents are the ancestor chain (root first)").
func Ancestors(sections []Section, id string) []Section {
	byID := make(map[string]Section, len(sections))
	for _, s := range sections {
		byID[s.ID] = s
	}

	var chain []Section
	cur, ok := byID[id]
	if !ok {
		return nil
	}
	for cur.ParentID != nil {
		parent, ok := byID[*cur.ParentID]
		if !ok {
			break
		}
		chain = append([]Section{parent}, chain...)
		cur = parent
	}
	return chain
}

// Find returns the section with the given heading, or false if absent.
// doc.edit_section locates its target this way (spec §4.7
// "doc.edit_section locates a section by heading").
func Find(sections []Section, heading string) (Section, bool) {
	for _, s := range sections {
		if s.Heading == heading {
			return s, true
		}
	}
	return Section{}, false
}
