// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package libxdl // import "github.com/suqiernb/xdl-go/libxdl"

import (
	"errors"
	"sort"
)

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address.
type SymbolValue uint64

// SymbolName represents the name of a symbol.
type SymbolName string

// SymbolValueInvalid is the value returned by SymbolMap functions when the
// symbol was not found.
const SymbolValueInvalid = SymbolValue(0)

// SymbolNameUnknown is the value returned by SymbolMap functions when an
// address has no symbol info.
const SymbolNameUnknown = ""

// ErrSymbolNotFound is returned when the requested symbol was not found.
var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol represents a single symbol table entry.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
	// Info holds the raw ELF st_info byte (binding and type).
	Info uint8
	// Defined is false for SHN_UNDEF entries (imports). Undefined entries
	// never carry a resolvable address in the owning module.
	Defined bool
}

// SymbolFinder implements a way to find symbol data.
type SymbolFinder interface {
	LookupSymbol(symbolName SymbolName) (*Symbol, error)

	LookupSymbolAddress(symbolName SymbolName) (SymbolValue, error)
}

var _ SymbolFinder = &SymbolMap{}

// SymbolMap represents a collection of symbols that can be resolved by name,
// or reverse mapped from an address to the nearest preceding symbol.
type SymbolMap struct {
	nameToSymbol    map[SymbolName]*Symbol
	addressToSymbol []Symbol
}

func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		addressToSymbol: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map.
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.addressToSymbol = append(symmap.addressToSymbol, s)
}

// Finalize the symbol map by sorting and constructing the nameToSymbol table
// after all symbols are inserted via Add() calls.
func (symmap *SymbolMap) Finalize() {
	syms := symmap.addressToSymbol

	// Duplicate names resolve in table order: the first entry wins, except
	// that a defined entry always replaces an undefined one. This has to be
	// decided before the slice is re-sorted by address.
	chosen := make(map[SymbolName]int, len(syms))
	for i := range syms {
		if prev, ok := chosen[syms[i].Name]; ok {
			if syms[prev].Defined || !syms[i].Defined {
				continue
			}
		}
		chosen[syms[i].Name] = i
	}

	order := make([]int, len(syms))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return syms[order[i]].Address > syms[order[j]].Address
	})

	sorted := make([]Symbol, len(syms))
	sortedIndex := make([]int, len(syms))
	for to, from := range order {
		sorted[to] = syms[from]
		sortedIndex[from] = to
	}
	symmap.addressToSymbol = sorted

	symmap.nameToSymbol = make(map[SymbolName]*Symbol, len(chosen))
	for name, i := range chosen {
		symmap.nameToSymbol[name] = &sorted[sortedIndex[i]]
	}
}

// LookupSymbol obtains symbol information. Returns nil and an error if not found.
func (symmap *SymbolMap) LookupSymbol(symbolName SymbolName) (*Symbol, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym, nil
	}
	return nil, ErrSymbolNotFound
}

// LookupSymbolAddress returns the address of a symbol.
// Returns SymbolValueInvalid and error if not found.
func (symmap *SymbolMap) LookupSymbolAddress(symbolName SymbolName) (SymbolValue, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym.Address, nil
	}
	return SymbolValueInvalid, ErrSymbolNotFound
}

// LookupByAddress finds the symbol with the greatest value less than or equal
// to val. Undefined entries never match. Returns the symbol and the offset of
// val from the symbol start, or false if no symbol precedes val.
func (symmap *SymbolMap) LookupByAddress(val SymbolValue) (*Symbol, Address, bool) {
	// addressToSymbol is sorted in descending address order, so the first
	// entry satisfying the predicate is the nearest preceding symbol.
	i := sort.Search(len(symmap.addressToSymbol),
		func(i int) bool {
			return val >= symmap.addressToSymbol[i].Address
		})
	for ; i < len(symmap.addressToSymbol); i++ {
		sym := &symmap.addressToSymbol[i]
		if !sym.Defined {
			continue
		}
		return sym, Address(val - sym.Address), true
	}
	return nil, Address(val), false
}

// VisitAll calls the provided callback with all the symbols in the map.
func (symmap *SymbolMap) VisitAll(cb func(Symbol)) {
	for _, f := range symmap.nameToSymbol {
		cb(*f)
	}
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.addressToSymbol)
}
