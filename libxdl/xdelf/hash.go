// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import (
	"debug/elf"
	"errors"
	"unsafe"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/unsafeutil"
)

// Hash based .dynsym lookup. This is the path used against live mapped
// images where only the dynamic segment is reachable, and matches what the
// dynamic linker itself does for a dlsym() call.

// calcGNUHash calculates a GNU symbol hash
func calcGNUHash(s libxdl.SymbolName) uint32 {
	h := uint32(5381)
	for _, c := range []byte(s) {
		h += h*32 + uint32(c)
	}
	return h
}

// calcSysvHash calculates a sysv symbol hash
func calcSysvHash(s libxdl.SymbolName) uint32 {
	h := uint32(0)
	for _, c := range []byte(s) {
		h = 16*h + uint32(c)
		h ^= h >> 24 & 0xf0
	}
	return h & 0xfffffff
}

// readSymbol reads the n'th record of the dynamic symbol table.
func (f *File) readSymbol(n uint32) (nameOff uint32, sym libxdl.Symbol, ok bool) {
	symSz := f.symRecordSize()
	addr := f.symbolsAddr + int64(n)*symSz
	if f.Class == elf.ELFCLASS64 {
		var s elf.Sym64
		if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&s), addr); err != nil {
			return 0, libxdl.Symbol{}, false
		}
		return s.Name, libxdl.Symbol{
			Address: libxdl.SymbolValue(s.Value),
			Size:    s.Size,
			Info:    s.Info,
			Defined: elf.SectionIndex(s.Shndx) != elf.SHN_UNDEF,
		}, true
	}
	var s elf.Sym32
	if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&s), addr); err != nil {
		return 0, libxdl.Symbol{}, false
	}
	return s.Name, libxdl.Symbol{
		Address: libxdl.SymbolValue(s.Value),
		Size:    uint64(s.Size),
		Info:    s.Info,
		Defined: elf.SectionIndex(s.Shndx) != elf.SHN_UNDEF,
	}, true
}

// readAndMatchSymbol reads symbol table data expecting the given symbol.
func (f *File) readAndMatchSymbol(n uint32, name libxdl.SymbolName) (libxdl.Symbol, bool) {
	nameOff, sym, ok := f.readSymbol(n)
	if !ok {
		return libxdl.Symbol{}, false
	}

	// Read the expected name plus the terminating zero and verify the match.
	slen := len(name) + 1
	sname := make([]byte, slen)
	if _, err := f.ReadVirtualMemory(sname, f.stringsAddr+int64(nameOff)); err != nil {
		return libxdl.Symbol{}, false
	}
	if sname[slen-1] != 0 || libxdl.SymbolName(sname[:slen-1]) != name {
		return libxdl.Symbol{}, false
	}

	sym.Name = name
	return sym, true
}

// bloomWordSize returns the DT_GNU_HASH bloom filter word size, which is the
// ELF class pointer size.
func (f *File) bloomWordSize() int64 {
	if f.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// readBloomWord reads one class-sized bloom filter word.
func (f *File) readBloomWord(addr int64) (uint64, error) {
	if f.Class == elf.ELFCLASS64 {
		var w uint64
		_, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&w), addr)
		return w, err
	}
	var w uint32
	_, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&w), addr)
	return uint64(w), err
}

// LookupSymbol searches for the given symbol in the image's dynamic symbol
// table using the DT_GNU_HASH or DT_HASH index.
func (f *File) LookupSymbol(symbol libxdl.SymbolName) (*libxdl.Symbol, error) {
	if f.gnuHash.addr != 0 {
		// Standard DT_GNU_HASH lookup code follows. Please check the
		// DT_GNU_HASH blog link (on top of file.go) for details how this works.
		hdr := &f.gnuHash.header
		if hdr.numBuckets == 0 {
			if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(hdr),
				f.gnuHash.addr); err != nil {
				return nil, err
			}
			if hdr.numBuckets == 0 || hdr.bloomSize == 0 {
				return nil, errors.New("DT_GNU_HASH corrupt")
			}
		}
		ptrSize := f.bloomWordSize()
		ptrSizeBits := uint32(8 * ptrSize)

		// First check the Bloom filter if the symbol exists in the hash table or not.
		h := calcGNUHash(symbol)
		offs := f.gnuHash.addr + int64(unsafe.Sizeof(gnuHashHeader{}))
		bloom, err := f.readBloomWord(offs +
			ptrSize*int64((h/ptrSizeBits)%hdr.bloomSize))
		if err != nil {
			return nil, err
		}
		mask := uint64(1)<<(h%ptrSizeBits) |
			uint64(1)<<((h>>hdr.bloomShift)%ptrSizeBits)
		if bloom&mask != mask {
			return nil, libxdl.ErrSymbolNotFound
		}

		// Read the initial symbol index to start looking from
		offs += int64(hdr.bloomSize) * ptrSize
		var i uint32
		if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&i),
			offs+4*int64(h%hdr.numBuckets)); err != nil {
			return nil, err
		}
		if i == 0 {
			return nil, libxdl.ErrSymbolNotFound
		}

		// Search the hash bucket
		offs += int64(4*hdr.numBuckets + 4*(i-hdr.symbolOffset))
		h |= 1
		for {
			var h2 uint32
			if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&h2), offs); err != nil {
				return nil, err
			}
			// Do a full match of the symbol if the symbol hash matches
			if h == h2|1 {
				if s, ok := f.readAndMatchSymbol(i, symbol); ok {
					return &s, nil
				}
			}
			// Was this the last entry in the bucket?
			if h2&1 != 0 {
				break
			}
			offs += 4
			i++
		}
	} else if f.sysvHash.addr != 0 {
		// Normal ELF symbol lookup. Refer to ELF spec, part 2 "Hash Table" (2-19)
		hdr := &f.sysvHash.header
		if hdr.numBuckets == 0 {
			if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(hdr),
				f.sysvHash.addr); err != nil {
				return nil, err
			}
			if hdr.numBuckets == 0 {
				return nil, errors.New("DT_HASH corrupt")
			}
		}
		var i uint32
		offs := f.sysvHash.addr + int64(unsafe.Sizeof(*hdr))
		h := calcSysvHash(symbol)
		bucket := int64(h % hdr.numBuckets)
		if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&i),
			offs+4*bucket); err != nil {
			return nil, err
		}
		offs += 4 * int64(hdr.numBuckets)
		for i != 0 && i < hdr.numSymbols {
			if s, ok := f.readAndMatchSymbol(i, symbol); ok {
				return &s, nil
			}
			if _, err := f.ReadVirtualMemory(unsafeutil.FromPointer(&i),
				offs+4*int64(i)); err != nil {
				return nil, err
			}
		}
	} else {
		return nil, errors.New("symbol hash not present")
	}

	return nil, libxdl.ErrSymbolNotFound
}

// LookupSymbolAddress searches for a given symbol in the ELF and returns its
// address.
func (f *File) LookupSymbolAddress(symbol libxdl.SymbolName) (libxdl.SymbolValue, error) {
	s, err := f.LookupSymbol(symbol)
	if err != nil {
		return libxdl.SymbolValueInvalid, err
	}
	return s.Address, nil
}
