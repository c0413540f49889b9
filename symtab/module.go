// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package symtab // import "github.com/suqiernb/xdl-go/symtab"

import (
	"errors"
	"fmt"

	"github.com/suqiernb/xdl-go/internal/log"
	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/xdelf"
	"github.com/suqiernb/xdl-go/libxdl/xsync"
	"github.com/suqiernb/xdl-go/procmod"
)

// table is one fully materialized symbol table of a module. A table with a
// nil SymbolMap is present-but-empty (the image simply does not carry it).
type table struct {
	syms *libxdl.SymbolMap
	// bias translates the table's file virtual addresses to in-process
	// absolute addresses.
	bias libxdl.Address
}

// moduleTables holds the lazily built symbol tables of one module
// incarnation. Builds run at most once per kind; a build error is retried on
// the next request.
type moduleTables struct {
	key  procmod.ModuleKey
	path string
	base libxdl.Address
	size uint64

	tables [numTableKinds]xsync.Once[table]

	// debugWarned suppresses repeated corruption warnings for one module.
	debugWarned xsync.Once[struct{}]
}

func newModuleTables(mod *procmod.MappedModule) *moduleTables {
	return &moduleTables{
		key:  mod.Key(),
		path: mod.Path,
		base: mod.Base,
		size: mod.Size(),
	}
}

// get returns the materialized table of the given kind, building it on the
// first request.
func (mt *moduleTables) get(kind TableKind) (*table, error) {
	return mt.tables[kind].GetOrInit(func() (table, error) {
		return mt.build(kind)
	})
}

// build materializes one symbol table from the module's backing file. The
// backing file is authoritative for full tables: live images do not retain
// section headers, and the regular and debug tables exist only on disk.
func (mt *moduleTables) build(kind TableKind) (table, error) {
	ef, err := xdelf.Open(mt.path)
	if err != nil {
		return table{}, fmt.Errorf("opening %s: %w", mt.path, err)
	}
	defer ef.Close()

	t := table{bias: mt.base - libxdl.Address(ef.VirtualBase())}
	switch kind {
	case TableDynamic:
		t.syms, err = ef.ReadDynamicSymbols()
	case TableRegular:
		t.syms, err = ef.ReadSymbols()
	case TableDebug:
		t.syms, err = mt.readDebugSymbols(ef)
	}
	if err != nil {
		// A missing table is the normal case for stripped images; only a
		// hard read error on the file itself is worth propagating, and the
		// readers above never produce one without the open failing first.
		t.syms = nil
	}
	return t, nil
}

// readDebugSymbols recovers the symbol table embedded in the compressed
// debug data section. Corrupt payloads are contained: the module behaves as
// if it had no debug data, other tables and other modules stay usable.
func (mt *moduleTables) readDebugSymbols(ef *xdelf.File) (*libxdl.SymbolMap, error) {
	inner, err := ef.OpenDebugData()
	if err != nil {
		if errors.Is(err, xdelf.ErrCorruptDebugData) {
			mt.warnCorruptDebugData(err)
		}
		return nil, err
	}
	return inner.ReadSymbols()
}

func (mt *moduleTables) warnCorruptDebugData(err error) {
	_, _ = mt.debugWarned.GetOrInit(func() (struct{}, error) {
		log.Warnf("module %s: %v", mt.path, err)
		return struct{}{}, nil
	})
}

// lookupName resolves a name in one table. available reports whether the
// table could be materialized at all; found whether the name is in it. The
// distinction matters for the dynamic table, where an unavailable backing
// file still leaves the live image as a source.
func (mt *moduleTables) lookupName(kind TableKind, name libxdl.SymbolName) (
	sym *libxdl.Symbol, bias libxdl.Address, found, available bool) {
	t, err := mt.get(kind)
	if err != nil || t.syms == nil {
		return nil, 0, false, false
	}
	sym, err = t.syms.LookupSymbol(name)
	if err != nil {
		return nil, 0, false, true
	}
	return sym, t.bias, true, true
}

// lookupLiveDynamic resolves a single name against the live mapped image via
// its hash tables. This serves modules whose backing file is unreadable (the
// vdso has none, system images may deny access) at the cost of one walk per
// query.
func (mt *moduleTables) lookupLiveDynamic(
	name libxdl.SymbolName) (*libxdl.Symbol, libxdl.Address, bool) {
	ef, err := xdelf.OpenLive(mt.base, mt.size)
	if err != nil {
		return nil, 0, false
	}
	sym, err := ef.LookupSymbol(name)
	if err != nil {
		return nil, 0, false
	}
	return sym, mt.base - libxdl.Address(ef.VirtualBase()), true
}
