// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package xdl resolves exported and debug symbols inside the shared objects
// loaded into the current process and enumerates all mapped modules with
// normalized metadata, uniformly across Android versions and architectures.
// Lookups run against the process's own memory map and the modules' ELF
// images directly, so linker namespace restrictions that hide system
// libraries from a normal loader query do not apply.
package xdl // import "github.com/suqiernb/xdl-go"

import (
	"errors"
	"fmt"
	"sync"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/locator"
	"github.com/suqiernb/xdl-go/procmod"
	"github.com/suqiernb/xdl-go/symtab"
)

// ErrClosed is returned for operations on a closed handle.
var ErrClosed = errors.New("handle is closed")

// OpenFlag controls how Open treats modules that are not mapped yet.
type OpenFlag uint32

const (
	// OpenDefault resolves already mapped modules only, never loading.
	OpenDefault OpenFlag = 0

	// OpenTryForceLoad loads the module through the installed loader when
	// it is not mapped yet.
	OpenTryForceLoad OpenFlag = 1 << 0

	// OpenAlwaysForceLoad always delegates to the installed loader, even
	// for already mapped modules, leaving the caller holding a loader
	// reference of its own.
	OpenAlwaysForceLoad OpenFlag = 1 << 1
)

// sharedIndex backs all handles that were not given a private cache.
var sharedIndex = sync.OnceValues(func() (*symtab.Index, error) {
	return symtab.NewIndex()
})

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	loader locator.Loader
}

// WithLoader installs the loader used for the force-load open flags. The
// engine has no loader of its own; without one, force-load requests for
// unmapped modules report locator.ErrNotFound.
func WithLoader(l locator.Loader) Option {
	return func(c *openConfig) { c.loader = l }
}

// Handle is an opened module. Safe for concurrent use until Close.
type Handle struct {
	mu           sync.Mutex
	module       *procmod.MappedModule
	index        *symtab.Index
	loader       locator.Loader
	loaderHandle uintptr
}

// Open resolves the named module (full pathname or bare filename) and
// returns a handle for symbol queries against it.
func Open(name string, flags OpenFlag, opts ...Option) (*Handle, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	index, err := sharedIndex()
	if err != nil {
		return nil, err
	}

	loc := locator.New(locator.WithLoader(cfg.loader))
	var res *locator.Result
	switch {
	case flags&OpenAlwaysForceLoad != 0:
		res, err = loc.ForceLoad(name)
	case flags&OpenTryForceLoad != 0:
		res, err = loc.LocateOrLoad(name)
	default:
		res, err = loc.Locate(name)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	return &Handle{
		module:       res.Module,
		index:        index,
		loader:       cfg.loader,
		loaderHandle: res.LoaderHandle,
	}, nil
}

// Close invalidates the handle. When the open force-loaded the module, the
// loader handle is returned and its ownership transfers to the caller, who
// decides whether to keep the module loaded or release it through the
// loader.
func (h *Handle) Close() (loaderHandle uintptr, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.module == nil {
		return 0, ErrClosed
	}
	loaderHandle = h.loaderHandle
	if loaderHandle != 0 {
		// The module may go away once the caller releases the reference.
		h.index.Forget(h.module.Key())
	}
	h.module = nil
	h.loaderHandle = 0
	return loaderHandle, nil
}

func (h *Handle) mod() (*procmod.MappedModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.module == nil {
		return nil, ErrClosed
	}
	return h.module, nil
}

// Sym resolves an exported symbol via the module's dynamic table.
func (h *Handle) Sym(name string) (*symtab.LookupResult, error) {
	mod, err := h.mod()
	if err != nil {
		return nil, err
	}
	return h.index.ResolveByNameIn(mod, libxdl.SymbolName(name),
		symtab.TableDynamic)
}

// DSym resolves a debug symbol via the module's full symbol table and the
// table recovered from compressed debug data. Symbols found this way are
// typically not exported and invisible to Sym.
func (h *Handle) DSym(name string) (*symtab.LookupResult, error) {
	mod, err := h.mod()
	if err != nil {
		return nil, err
	}
	return h.index.ResolveByNameIn(mod, libxdl.SymbolName(name),
		symtab.TableRegular, symtab.TableDebug)
}

// Info returns the module-level facts of the handle without any symbol
// resolution.
func (h *Handle) Info() (*ModuleInfo, error) {
	mod, err := h.mod()
	if err != nil {
		return nil, err
	}
	return moduleInfo(mod), nil
}

// ModuleInfo is the module-level portion of a lookup answer.
type ModuleInfo struct {
	// Path is the canonical full pathname of the module.
	Path string
	// Base is the module load address.
	Base libxdl.Address
	// Segments lists the mapped regions of the module.
	Segments []procmod.LoadSegment
}

func moduleInfo(mod *procmod.MappedModule) *ModuleInfo {
	return &ModuleInfo{
		Path:     mod.Path,
		Base:     mod.Base,
		Segments: mod.Segments,
	}
}

// AddrInfoFlag controls AddrInfo behavior.
type AddrInfoFlag uint32

const (
	// AddrNoSymbol fills only the module-level fields of the result,
	// skipping symbol resolution entirely.
	AddrNoSymbol AddrInfoFlag = 1 << 0
)

// AddrResult describes the module and nearest symbol covering an address.
type AddrResult struct {
	ModuleInfo

	// SymbolName is the nearest preceding symbol, empty with AddrNoSymbol
	// or when the module carries no usable symbol covering the address.
	SymbolName libxdl.SymbolName
	// SymbolAddress is the absolute address of that symbol.
	SymbolAddress libxdl.Address
	// SymbolSize is the symbol's size in bytes, 0 when unknown.
	SymbolSize uint64
	// Offset is the distance of the queried address from the symbol start.
	Offset libxdl.Address
}

// AddrCache keeps per-module symbol state alive across AddrInfo calls. One
// cache per call site that resolves many addresses; Close releases all
// retained state.
type AddrCache struct {
	index *symtab.Index
}

// NewAddrCache creates an empty address-info cache.
func NewAddrCache() (*AddrCache, error) {
	index, err := symtab.NewIndex()
	if err != nil {
		return nil, err
	}
	return &AddrCache{index: index}, nil
}

// Close releases all module state retained by the cache.
func (c *AddrCache) Close() {
	c.index.Purge()
}

// AddrInfo resolves an absolute address to its owning module and nearest
// preceding symbol. A nil cache resolves against the shared per-process
// state; passing an AddrCache keeps the per-module tables under caller
// control instead. Returns procmod.ErrNotMapped when no module covers the
// address. A module without symbol data still yields the module fields,
// with the symbol fields left empty.
func AddrInfo(addr libxdl.Address, flags AddrInfoFlag, cache *AddrCache) (*AddrResult, error) {
	mod, err := procmod.NewEnumerator(nil).FindByAddress(addr)
	if err != nil {
		return nil, err
	}
	res := &AddrResult{ModuleInfo: *moduleInfo(mod)}
	if flags&AddrNoSymbol != 0 {
		return res, nil
	}

	index, err := sharedIndex()
	if err != nil {
		return nil, err
	}
	if cache != nil {
		index = cache.index
	}
	sym, err := index.ResolveByAddress(mod, addr)
	if err != nil {
		if errors.Is(err, libxdl.ErrSymbolNotFound) {
			return res, nil
		}
		return nil, err
	}
	res.SymbolName = sym.Symbol.Name
	res.SymbolAddress = sym.Address
	res.SymbolSize = sym.Symbol.Size
	res.Offset = sym.Offset
	return res, nil
}

// IterateModules walks every currently mapped executable module of the
// process over a fresh snapshot. Pass procmod.FullPathNames to canonicalize
// every entry's pathname; without it entries may carry whatever name the
// underlying records had.
func IterateModules(flags procmod.IterateFlag, visit procmod.Visitor) error {
	return procmod.NewEnumerator(nil).ForEach(flags, visit)
}
