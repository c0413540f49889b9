// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package symtab resolves symbols of loaded modules by name and by address.
// It layers the three symbol sources of an image into one ordered view: the
// dynamic export table, the full symbol table, and the symbol table recovered
// from compressed debug data. Materialized tables are cached per module
// incarnation, so repeated queries against the same loaded image never
// re-parse it.
package symtab // import "github.com/suqiernb/xdl-go/symtab"

import (
	"fmt"

	lru "github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/procmod"
)

// TableKind identifies one symbol source of a module, in resolution order.
type TableKind uint8

const (
	// TableDynamic is the .dynsym export table.
	TableDynamic TableKind = iota
	// TableRegular is the full .symtab table, present only in unstripped
	// images.
	TableRegular
	// TableDebug is the symbol table recovered from the compressed debug
	// data payload of stripped system images.
	TableDebug

	numTableKinds = 3
)

// allKinds is the complete resolution order.
var allKinds = []TableKind{TableDynamic, TableRegular, TableDebug}

func (k TableKind) String() string {
	switch k {
	case TableDynamic:
		return "dynamic"
	case TableRegular:
		return "regular"
	case TableDebug:
		return "debug"
	default:
		return fmt.Sprintf("<invalid table kind %d>", uint8(k))
	}
}

// LookupResult is one resolved symbol.
type LookupResult struct {
	// Symbol is the matched entry. Its Address field is the image-relative
	// value straight from the table.
	Symbol libxdl.Symbol
	// Address is the absolute in-process address of the symbol, or 0 for
	// undefined entries.
	Address libxdl.Address
	// Offset is the distance of the queried address from the symbol start.
	// Zero for name queries.
	Offset libxdl.Address
	// Kind names the table the symbol came from.
	Kind TableKind
}

const defaultCacheSize = 128

// Option configures an Index.
type Option func(*Index)

// WithDemangling enables C++/Rust name demangling on address-query results.
// Name queries always match the raw mangled names.
func WithDemangling() Option {
	return func(ix *Index) { ix.demangle = true }
}

// WithCacheSize overrides the number of module incarnations whose tables are
// kept materialized.
func WithCacheSize(size uint32) Option {
	return func(ix *Index) { ix.cacheSize = size }
}

// Index caches materialized symbol tables per module incarnation and answers
// name and address queries against them. Safe for concurrent use.
type Index struct {
	cache     *lru.SyncedLRU[procmod.ModuleKey, *moduleTables]
	cacheSize uint32
	demangle  bool
}

// NewIndex creates an empty symbol index.
func NewIndex(opts ...Option) (*Index, error) {
	ix := &Index{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(ix)
	}

	cache, err := lru.NewSynced[procmod.ModuleKey, *moduleTables](
		ix.cacheSize, procmod.ModuleKey.Hash32)
	if err != nil {
		return nil, fmt.Errorf("creating module table cache: %w", err)
	}
	ix.cache = cache
	return ix, nil
}

// tables returns the cached table set for the module incarnation, creating
// it on first sight. A reloaded module has a different key and never reuses
// stale tables.
func (ix *Index) tables(mod *procmod.MappedModule) *moduleTables {
	key := mod.Key()
	if mt, ok := ix.cache.Get(key); ok {
		return mt
	}
	mt := newModuleTables(mod)
	ix.cache.Add(key, mt)
	return mt
}

// Forget drops the cached tables of one module incarnation. Call when the
// module is known to have been unloaded.
func (ix *Index) Forget(key procmod.ModuleKey) {
	ix.cache.Remove(key)
}

// Purge drops all cached module tables.
func (ix *Index) Purge() {
	ix.cache.Purge()
}

// ResolveByName resolves a name against all symbol sources of the module in
// order: dynamic exports first, then the full table, then debug-recovered
// symbols. The first defined match wins; if only undefined entries match,
// the first of those is returned so the caller can tell an import apart from
// a missing name.
func (ix *Index) ResolveByName(mod *procmod.MappedModule,
	name libxdl.SymbolName) (*LookupResult, error) {
	return ix.ResolveByNameIn(mod, name, allKinds...)
}

// ResolveByNameIn is ResolveByName restricted to the given tables, searched
// in the given order.
func (ix *Index) ResolveByNameIn(mod *procmod.MappedModule,
	name libxdl.SymbolName, kinds ...TableKind) (*LookupResult, error) {
	mt := ix.tables(mod)

	var undefined *LookupResult
	for _, kind := range kinds {
		sym, bias, found, available := mt.lookupName(kind, name)
		if !available && kind == TableDynamic {
			// No readable backing file (the vdso has none, system
			// images may deny access): fall back to the hash tables of
			// the live mapped image.
			sym, bias, found = mt.lookupLiveDynamic(name)
		}
		if !found {
			continue
		}
		res := &LookupResult{Symbol: *sym, Kind: kind}
		if sym.Defined {
			res.Address = bias + libxdl.Address(sym.Address)
			return res, nil
		}
		if undefined == nil {
			undefined = res
		}
	}
	if undefined != nil {
		return undefined, nil
	}
	return nil, libxdl.ErrSymbolNotFound
}

// ResolveByAddress finds the symbol covering or nearest preceding the given
// absolute address. All tables are consulted; when tables disagree, the
// closest symbol wins, and on an exact tie the earlier table in resolution
// order does.
func (ix *Index) ResolveByAddress(mod *procmod.MappedModule,
	addr libxdl.Address) (*LookupResult, error) {
	mt := ix.tables(mod)

	var best *LookupResult
	for _, kind := range allKinds {
		t, err := mt.get(kind)
		if err != nil || t.syms == nil {
			continue
		}
		value := libxdl.SymbolValue(addr - t.bias)
		sym, offset, ok := t.syms.LookupByAddress(value)
		if !ok {
			continue
		}
		if best != nil && offset >= best.Offset {
			continue
		}
		best = &LookupResult{
			Symbol:  *sym,
			Address: t.bias + libxdl.Address(sym.Address),
			Offset:  offset,
			Kind:    kind,
		}
	}
	if best == nil {
		return nil, libxdl.ErrSymbolNotFound
	}
	if ix.demangle {
		best.Symbol.Name = libxdl.SymbolName(
			demangle.Filter(string(best.Symbol.Name)))
	}
	return best, nil
}
