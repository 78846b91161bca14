// Package memstore is a complete in-memory reference implementation of the
// fact.Store contract (spec §6). It exists so the resolver, VM, and
// compiler can be exercised end to end without a host-supplied fact store;
// a production embedding (the original bound to ohm's D-Bus fact store)
// supplies its own adapter instead.
//
// The name index is a github.com/dolthub/swiss.Map rather than a built-in
// Go map: swiss tables give the store's hot lookup/insert path (every
// PUSH GLOBAL resolves a name here) open-addressed, cache-friendly probing
// instead of Go's bucket-chained map, the same tradeoff
// other_examples/manifests/mna-nenuphar makes for its interpreter's
// identifier table.
package memstore

import (
	"fmt"

	"github.com/dolthub/swiss"

	"github.com/opendres/dres/pkg/fact"
)

// txFrame snapshots enough state to undo every mutation recorded after it
// was pushed: which facts existed per name, and the field contents of any
// fact that existed at push time (new facts are simply removed on
// rollback; existing facts are restored from their captured field slice).
type txFrame struct {
	names  map[string][]*fact.Fact // name -> snapshot of fact pointers bound to it
	fields map[*fact.Fact][]fact.Field
}

// Store is an in-memory fact.Store.
type Store struct {
	byName *swiss.Map[string, []*fact.Fact]
	view   *fact.View
	txs    []*txFrame
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byName: swiss.NewMap[string, []*fact.Fact](16),
		view:   fact.NewView(),
	}
}

func (s *Store) Lookup(name string) []*fact.Fact {
	facts, ok := s.byName.Get(name)
	if !ok {
		return nil
	}
	out := make([]*fact.Fact, len(facts))
	copy(out, facts)
	return out
}

func (s *Store) Create(name string) *fact.Fact {
	s.captureName(name)
	f := &fact.Fact{Name: name}
	s.append(name, f)
	s.view.Touch(name)
	return f
}

func (s *Store) Duplicate(src *fact.Fact, newName string) *fact.Fact {
	s.captureName(newName)
	cp := src.Clone(newName)
	s.append(newName, cp)
	s.view.Touch(newName)
	return cp
}

func (s *Store) CopyFields(dst, src *fact.Fact, fields []string, merge bool) error {
	s.captureFact(dst)
	for _, name := range fields {
		v, ok := src.Get(name)
		if !ok {
			return fmt.Errorf("memstore: source fact %q has no field %q", src.Name, name)
		}
		if merge {
			if cur, ok := dst.Get(name); ok && cur == v {
				continue
			}
		}
		if dst.Set(v) {
			s.view.Touch(dst.Name)
		}
	}
	return nil
}

func (s *Store) Remove(name string) {
	if _, ok := s.byName.Get(name); !ok {
		return
	}
	s.captureName(name)
	s.byName.Delete(name)
	s.view.Touch(name)
}

func (s *Store) View() *fact.View { return s.view }

func (s *Store) PushTransaction() fact.RollbackToken {
	frame := &txFrame{
		names:  make(map[string][]*fact.Fact),
		fields: make(map[*fact.Fact][]fact.Field),
	}
	s.txs = append(s.txs, frame)
	return len(s.txs) - 1
}

func (s *Store) PopTransaction(tok fact.RollbackToken, rollback bool) {
	idx, ok := tok.(int)
	if !ok || idx < 0 || idx >= len(s.txs) {
		return
	}
	frame := s.txs[idx]
	s.txs = s.txs[:idx]

	if !rollback {
		return
	}

	for name, snapshot := range frame.names {
		if len(snapshot) == 0 {
			s.byName.Delete(name)
		} else {
			s.byName.Put(name, snapshot)
		}
	}
	for f, fields := range frame.fields {
		f.Fields = fields
	}
}

// captureName records the current binding of name into the innermost open
// transaction, the first time that name is touched within it.
func (s *Store) captureName(name string) {
	if len(s.txs) == 0 {
		return
	}
	frame := s.txs[len(s.txs)-1]
	if _, seen := frame.names[name]; seen {
		return
	}
	if facts, ok := s.byName.Get(name); ok {
		snap := make([]*fact.Fact, len(facts))
		copy(snap, facts)
		frame.names[name] = snap
	} else {
		frame.names[name] = nil
	}
}

// captureFact records the current field contents of f into the innermost
// open transaction, the first time f is mutated within it.
func (s *Store) captureFact(f *fact.Fact) {
	if len(s.txs) == 0 {
		return
	}
	frame := s.txs[len(s.txs)-1]
	if _, seen := frame.fields[f]; seen {
		return
	}
	fields := make([]fact.Field, len(f.Fields))
	copy(fields, f.Fields)
	frame.fields[f] = fields
}

func (s *Store) append(name string, f *fact.Fact) {
	facts, _ := s.byName.Get(name)
	s.byName.Put(name, append(facts, f))
}
