// Package prereq implements the ordered-unique prerequisite set described in
// spec.md §3 "Prereq set": the sequence of identifiers a target depends on,
// in declaration order, with duplicates suppressed.
package prereq

import "github.com/opendres/dres/pkg/ident"

// Set is an ordered, duplicate-free sequence of identifiers. The zero value
// is an empty set ready to use.
type Set struct {
	ids   []ident.ID
	index map[ident.ID]int
}

// Add appends id to the set if not already present, preserving the order of
// first insertion. It reports whether id was newly added.
func (s *Set) Add(id ident.ID) bool {
	if s.index == nil {
		s.index = make(map[ident.ID]int)
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = len(s.ids)
	s.ids = append(s.ids, id)
	return true
}

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id ident.ID) bool {
	if s.index == nil {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// Len reports the number of members.
func (s *Set) Len() int { return len(s.ids) }

// Empty reports whether the set has no members, the condition spec.md §4.6's
// Kahn seeding step ("prereqs absent or empty") tests per target.
func (s *Set) Empty() bool { return len(s.ids) == 0 }

// IDs returns the members in insertion order. The returned slice aliases
// internal storage and must not be mutated.
func (s *Set) IDs() []ident.ID { return s.ids }
