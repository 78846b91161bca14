// Package serialize implements spec.md §4.7's binary save/load format: a
// magic word, a fixed header, a packed string pool with offset interning,
// and data sections for targets, fact-variables, DRES-variables, and the
// method id/name table.
//
// Grounded on the teacher's pkg/bytecode/format.go (magic + version + flags
// header, a section-at-a-time writer/reader pair over encoding/binary), with
// one deliberate deviation spec.md §6 and §9 both mandate: every multi-byte
// field here is network byte order (big-endian), where the teacher's format
// uses little-endian, and every double is a plain IEEE-754 float64 rather
// than the teacher's flagged-incomplete integer/milli-integer split (spec.md
// §9 open question on double serialization).
package serialize

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/opendres/dres/pkg/bytecode"
	"github.com/opendres/dres/pkg/dlog"
	"github.com/opendres/dres/pkg/fact"
	"github.com/opendres/dres/pkg/ident"
	"github.com/opendres/dres/pkg/resolver"
	"github.com/opendres/dres/pkg/vars"
)

// Magic is the file signature, network byte order: 'D','R','E','S'
// (spec.md §6 "Binary file").
const Magic uint32 = 0x44524553

// FormatVersion is the current on-disk layout version.
const FormatVersion uint32 = 1

// flagCompiled mirrors spec.md §4.7's COMPILED flag: "Loading sets the
// COMPILED flag, which makes subsequent operations read-only with respect
// to the tables."
const flagCompiled uint32 = 1 << 0

var (
	// ErrBadMagic is returned by Load when the file does not begin with
	// Magic — not a .dresc file.
	ErrBadMagic = errors.New("serialize: bad magic word")
	// ErrVersion is returned by Load when the header's version is not one
	// this package understands.
	ErrVersion = errors.New("serialize: unsupported format version")
)

// stringPool accumulates strings written during Save, deduplicating by
// value and reserving offset 0 for the shared empty/null string (spec.md
// §4.7: "zero-length and null strings share a canonical offset").
type stringPool struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStringPool() *stringPool {
	p := &stringPool{offsets: make(map[string]uint32)}
	p.put("")
	return p
}

func (p *stringPool) put(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(p.buf.Len())
	p.offsets[s] = off
	binary.Write(&p.buf, binary.BigEndian, uint32(len(s)))
	p.buf.WriteString(s)
	return off
}

// loadedPool indexes a string pool read back from disk by byte offset, the
// inverse of stringPool.
type loadedPool struct {
	byOffset map[uint32]string
}

func readStringPool(r io.Reader, size uint32) (*loadedPool, error) {
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "serialize: read string pool")
	}
	lp := &loadedPool{byOffset: make(map[uint32]string)}
	var off uint32
	for off < size {
		if off+4 > size {
			return nil, errors.New("serialize: truncated string pool entry")
		}
		length := binary.BigEndian.Uint32(raw[off : off+4])
		start := off + 4
		if uint64(start)+uint64(length) > uint64(size) {
			return nil, errors.New("serialize: string pool entry overruns pool")
		}
		lp.byOffset[off] = string(raw[start : start+length])
		off = start + length
	}
	return lp, nil
}

func (lp *loadedPool) get(off uint32) (string, error) {
	s, ok := lp.byOffset[off]
	if !ok {
		return "", errors.Errorf("serialize: string pool offset %d is not an entry boundary", off)
	}
	return s, nil
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.BigEndian, v) }
func writeI64(w io.Writer, v int64) error  { return binary.Write(w, binary.BigEndian, v) }

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readI64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// Save writes p's finalized state to w, per spec.md §4.7. p must have been
// finalized. Save first calls p.CompileAll, so every target is written with
// its compiled chunk, and returns an error if that compile fails.
func Save(p *resolver.Policy, w io.Writer) error {
	if !p.Finalized() {
		return errors.New("serialize: policy is not finalized")
	}
	if err := p.CompileAll(); err != nil {
		return errors.Wrap(err, "serialize: compile before save")
	}

	pool := newStringPool()

	targets := p.Targets()
	factVars := p.Vars.FactVars()
	dresVars := p.Vars.DresVars()
	numMethods := p.Methods.Len()

	// Pre-register every name the sections below reference so offsets are
	// known before any section is written; the pool itself precedes the
	// sections in the file.
	targetNameOff := make([]uint32, len(targets))
	for i, t := range targets {
		targetNameOff[i] = pool.put(t.Name)
	}
	factVarNameOff := make([]uint32, len(factVars))
	for i, fv := range factVars {
		factVarNameOff[i] = pool.put(fv.Name)
	}
	dresVarNameOff := make([]uint32, len(dresVars))
	for i, dv := range dresVars {
		dresVarNameOff[i] = pool.put(dv.Name)
	}
	methodNameOff := make([]uint32, numMethods)
	for i := 0; i < numMethods; i++ {
		methodNameOff[i] = pool.put(p.Methods.Name(i))
	}
	chunkStringOff := make([][]uint32, len(targets))
	for i, t := range targets {
		if t.Code == nil {
			continue
		}
		offs := make([]uint32, len(t.Code.Strings))
		for j, s := range t.Code.Strings {
			offs[j] = pool.put(s)
		}
		chunkStringOff[i] = offs
	}

	flags := uint32(0)
	if p.Finalized() {
		flags |= flagCompiled
	}

	if err := writeU32(w, Magic); err != nil {
		return err
	}
	if err := writeU32(w, FormatVersion); err != nil {
		return err
	}
	if err := writeU32(w, flags); err != nil {
		return err
	}
	if err := writeU32(w, uint32(pool.buf.Len())); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(targets))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(factVars))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(dresVars))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(numMethods)); err != nil {
		return err
	}
	if err := writeI64(w, p.Stamp()); err != nil {
		return err
	}
	if err := writeI64(w, p.TxCounter()); err != nil {
		return err
	}

	if _, err := w.Write(pool.buf.Bytes()); err != nil {
		return errors.Wrap(err, "serialize: write string pool")
	}

	for i := 0; i < numMethods; i++ {
		if err := writeU32(w, methodNameOff[i]); err != nil {
			return err
		}
	}

	for i, fv := range factVars {
		if err := writeU32(w, factVarNameOff[i]); err != nil {
			return err
		}
		if err := writeI64(w, fv.Stamp); err != nil {
			return err
		}
		if err := writeI64(w, fv.TxID); err != nil {
			return err
		}
		if err := writeI64(w, fv.TxStamp); err != nil {
			return err
		}
		if err := writeU32(w, uint32(fv.Flags)); err != nil {
			return err
		}
	}

	for i := range dresVars {
		if err := writeU32(w, dresVarNameOff[i]); err != nil {
			return err
		}
	}

	for i, t := range targets {
		if err := writeTarget(w, t, targetNameOff[i], chunkStringOff[i]); err != nil {
			return errors.Wrapf(err, "serialize: target %q", t.Name)
		}
	}

	return nil
}

func writeTarget(w io.Writer, t *resolver.Target, nameOff uint32, chunkStrOff []uint32) error {
	if err := writeU32(w, nameOff); err != nil {
		return err
	}
	if err := writeI64(w, t.Stamp); err != nil {
		return err
	}
	if err := writeI64(w, t.TxID); err != nil {
		return err
	}
	if err := writeI64(w, t.TxStamp); err != nil {
		return err
	}

	ids := t.Prereqs.IDs()
	if err := writeU32(w, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := writeU32(w, uint32(id)); err != nil {
			return err
		}
	}

	if err := writeU32(w, uint32(len(t.Dependencies))); err != nil {
		return err
	}
	for _, id := range t.Dependencies {
		if err := writeU32(w, uint32(id)); err != nil {
			return err
		}
	}

	if t.Code == nil {
		return writeU32(w, 0)
	}
	if err := writeU32(w, 1); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(t.Code.Code))); err != nil {
		return err
	}
	for _, word := range t.Code.Code {
		if err := writeU32(w, word); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(chunkStrOff))); err != nil {
		return err
	}
	for _, off := range chunkStrOff {
		if err := writeU32(w, off); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a policy previously written by Save, reconstructing it over
// store. The method id/name table on disk is relinked by name: the fresh
// Policy already holds the built-ins at the ids New gives them, and EnsureID
// is called for each saved name in saved order, so every saved method id
// names the same method in the loaded policy (spec.md §4.7 round-trip
// invariant). Handlers for names other than the built-ins are not restored;
// the host registers them on the loaded policy.
func Load(r io.Reader, store fact.Store, logger *dlog.Logger) (*resolver.Policy, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, errors.Wrap(err, "serialize: read magic")
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	version, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, ErrVersion
	}
	if _, err := readU32(r); err != nil { // flags, unused on load
		return nil, err
	}
	poolSize, err := readU32(r)
	if err != nil {
		return nil, err
	}
	numTargets, err := readU32(r)
	if err != nil {
		return nil, err
	}
	numFactVars, err := readU32(r)
	if err != nil {
		return nil, err
	}
	numDresVars, err := readU32(r)
	if err != nil {
		return nil, err
	}
	numMethods, err := readU32(r)
	if err != nil {
		return nil, err
	}
	stamp, err := readI64(r)
	if err != nil {
		return nil, err
	}
	txCounter, err := readI64(r)
	if err != nil {
		return nil, err
	}

	pool, err := readStringPool(r, poolSize)
	if err != nil {
		return nil, err
	}

	p := resolver.New("", store, logger)

	for i := uint32(0); i < numMethods; i++ {
		off, err := readU32(r)
		if err != nil {
			return nil, err
		}
		name, err := pool.get(off)
		if err != nil {
			return nil, err
		}
		p.Methods.EnsureID(name)
	}

	for i := uint32(0); i < numFactVars; i++ {
		off, err := readU32(r)
		if err != nil {
			return nil, err
		}
		name, err := pool.get(off)
		if err != nil {
			return nil, err
		}
		stampV, err := readI64(r)
		if err != nil {
			return nil, err
		}
		txID, err := readI64(r)
		if err != nil {
			return nil, err
		}
		txStamp, err := readI64(r)
		if err != nil {
			return nil, err
		}
		flags, err := readU32(r)
		if err != nil {
			return nil, err
		}
		id := p.Vars.AddFactVar(name)
		fv := p.Vars.FactVar(id)
		fv.Stamp, fv.TxID, fv.TxStamp = stampV, txID, txStamp
		fv.Flags = vars.FactVarFlag(flags)
	}

	for i := uint32(0); i < numDresVars; i++ {
		off, err := readU32(r)
		if err != nil {
			return nil, err
		}
		name, err := pool.get(off)
		if err != nil {
			return nil, err
		}
		p.Vars.AddDresVar(name)
	}

	for i := uint32(0); i < numTargets; i++ {
		if err := readTarget(r, p, pool); err != nil {
			return nil, errors.Wrapf(err, "serialize: target %d", i)
		}
	}

	p.SetStamp(stamp)
	p.SetTxCounter(txCounter)
	p.MarkLoaded()
	return p, nil
}

func readTarget(r io.Reader, p *resolver.Policy, pool *loadedPool) error {
	nameOff, err := readU32(r)
	if err != nil {
		return err
	}
	name, err := pool.get(nameOff)
	if err != nil {
		return err
	}
	id := p.DeclareTarget(name)

	tStamp, err := readI64(r)
	if err != nil {
		return err
	}
	tTxID, err := readI64(r)
	if err != nil {
		return err
	}
	tTxStamp, err := readI64(r)
	if err != nil {
		return err
	}

	numPrereqs, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < numPrereqs; i++ {
		raw, err := readU32(r)
		if err != nil {
			return err
		}
		p.AddPrereq(id, ident.ID(raw))
	}

	numDeps, err := readU32(r)
	if err != nil {
		return err
	}
	deps := make([]ident.ID, numDeps)
	for i := range deps {
		raw, err := readU32(r)
		if err != nil {
			return err
		}
		deps[i] = ident.ID(raw)
	}

	hasCode, err := readU32(r)
	if err != nil {
		return err
	}

	t := p.Targets()[id.Index()]
	t.Stamp, t.TxID, t.TxStamp = tStamp, tTxID, tTxStamp
	if numDeps > 0 {
		t.Dependencies = deps
	}

	if hasCode == 0 {
		return nil
	}

	numWords, err := readU32(r)
	if err != nil {
		return err
	}
	code := make([]uint32, numWords)
	for i := range code {
		w, err := readU32(r)
		if err != nil {
			return err
		}
		code[i] = w
	}

	numStrings, err := readU32(r)
	if err != nil {
		return err
	}
	strs := make([]string, numStrings)
	for i := range strs {
		off, err := readU32(r)
		if err != nil {
			return err
		}
		s, err := pool.get(off)
		if err != nil {
			return err
		}
		strs[i] = s
	}

	t.Code = &bytecode.Chunk{Code: code, Strings: strs}
	return nil
}
