// Package ident implements the tagged 32-bit identifier used throughout the
// resolver and VM to name targets, variables, and scalar kinds.
//
// An ID packs an 8-bit type nibble into the high byte and a 24-bit index
// into the low three bytes:
//
//	bit:  31........24 23....................0
//	      [ type/flags ][        index         ]
//
// The encoding is load-bearing: pkg/serialize writes each ID (a target's
// prerequisites and dependency list) as a single network-byte-order word.
// Do not widen this beyond 32 bits without revisiting pkg/serialize.
// pkg/graph's topological sort does not store a DELETED mark on its edges;
// it tracks removed edges through in-degree counts.
package ident

import "fmt"

// Kind is the 8-bit type nibble stored in an ID's high byte.
type Kind uint8

const (
	KindTarget Kind = iota
	KindFactVar
	KindDresVar
	KindNil
	KindInteger
	KindDouble
	KindString
)

// Flag bits live in the Kind byte alongside the kind itself; a Kind value
// and its flags never collide because only the low nibble of the byte is
// used for the seven kinds above.
const (
	FlagDeleted   uint8 = 1 << 6
	FlagUndefined uint8 = 1 << 7
)

const (
	indexBits = 24
	indexMask = 1<<indexBits - 1
	kindShift = indexBits
)

// ID is a tagged 32-bit identifier: Kind in the high byte, a 24-bit index in
// the low three bytes.
type ID uint32

// None is the sentinel "no identifier" value. It is distinct from any valid
// ID because valid IDs never set every bit.
const None ID = 0xFFFFFFFF

// New packs a kind and an index into an ID. The index must fit in 24 bits;
// New panics otherwise, since that indicates a table has silently grown
// past what the wire format can address.
func New(k Kind, index int) ID {
	if index < 0 || index > indexMask {
		panic(fmt.Sprintf("ident: index %d out of 24-bit range", index))
	}
	return ID(uint32(k)<<kindShift | uint32(index))
}

// Kind returns the identifier's type nibble, flag bits masked off.
func (id ID) Kind() Kind {
	return Kind(uint8(id>>kindShift) &^ (FlagDeleted | FlagUndefined))
}

// Index returns the 24-bit index component.
func (id ID) Index() int {
	return int(id & indexMask)
}

// IsNone reports whether id is the None sentinel.
func (id ID) IsNone() bool {
	return id == None
}

// WithFlag returns id with the given flag bit set in its type byte.
func (id ID) WithFlag(flag uint8) ID {
	return id | ID(uint32(flag)<<kindShift)
}

// HasFlag reports whether the given flag bit is set.
func (id ID) HasFlag(flag uint8) bool {
	return uint8(id>>kindShift)&flag != 0
}

// ClearFlag returns id with the given flag bit cleared.
func (id ID) ClearFlag(flag uint8) ID {
	return id &^ ID(uint32(flag)<<kindShift)
}

func (k Kind) String() string {
	switch k {
	case KindTarget:
		return "target"
	case KindFactVar:
		return "factvar"
	case KindDresVar:
		return "dresvar"
	case KindNil:
		return "nil"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

func (id ID) String() string {
	if id.IsNone() {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d", id.Kind(), id.Index())
}
