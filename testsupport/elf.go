// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides helpers for tests, most importantly a
// programmatic builder for little-endian ELF images. Built images place
// every piece of content at a file offset equal to its virtual address, so
// the same byte buffer serves as an on-disk file and as a faithful stand-in
// for a live mapped image at an arbitrary load address.
package testsupport // import "github.com/suqiernb/xdl-go/testsupport"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ulikunitz/xz"
)

// ELFSymbol describes one symbol to place into a built image.
type ELFSymbol struct {
	Name  string
	Value uint64
	Size  uint64
	// Info holds the st_info byte; zero means a global function symbol.
	Info uint8
	// Undefined marks the symbol as an import (SHN_UNDEF).
	Undefined bool
}

// HashStyle selects which .dynsym hash tables the image carries.
type HashStyle int

const (
	// HashBoth emits DT_GNU_HASH and DT_HASH.
	HashBoth HashStyle = iota
	// HashGNU emits only DT_GNU_HASH.
	HashGNU
	// HashSysv emits only DT_HASH.
	HashSysv
)

// ImageOptions describes the ELF image to build.
type ImageOptions struct {
	// Class selects 32 or 64 bit layout; default ELFCLASS64.
	Class elf.Class
	// Machine overrides the default machine for the class (EM_AARCH64 for
	// 64-bit, EM_ARM for 32-bit).
	Machine elf.Machine

	SoName string
	Needed []string

	// DynamicSymbols go into .dynsym, hashed per HashStyle.
	DynamicSymbols []ELFSymbol
	// Symbols go into .symtab.
	Symbols []ELFSymbol
	// DebugData is placed verbatim into .gnu_debugdata; build a valid
	// payload with MakeDebugData, or pass garbage for corruption tests.
	DebugData []byte

	HashStyle HashStyle

	// BuildID, when non-empty, is emitted as a .note.gnu.build-id section
	// and a PT_NOTE segment.
	BuildID []byte

	// OmitSectionHeaders builds an image with shnum == 0, leaving only the
	// dynamic segment for symbol discovery (linker-image shape).
	OmitSectionHeaders bool
}

const defaultSymInfo = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)

// imageBuilder accumulates the image and remembers where things went.
type imageBuilder struct {
	buf   []byte
	class elf.Class
}

func (b *imageBuilder) is64() bool {
	return b.class == elf.ELFCLASS64
}

// align pads the image to the given power-of-two boundary and returns the
// current offset, which doubles as the virtual address.
func (b *imageBuilder) align(n int) uint64 {
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
	return uint64(len(b.buf))
}

func (b *imageBuilder) u16(v uint16) {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
}

func (b *imageBuilder) u32(v uint32) {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
}

func (b *imageBuilder) u64(v uint64) {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
}

// word writes a class-sized word.
func (b *imageBuilder) word(v uint64) {
	if b.is64() {
		b.u64(v)
	} else {
		b.u32(uint32(v))
	}
}

// stringTable builds an ELF string table and the per-string offsets.
type stringTable struct {
	data    []byte
	offsets map[string]uint32
}

func makeStringTable(names ...[]string) *stringTable {
	st := &stringTable{data: []byte{0}, offsets: map[string]uint32{"": 0}}
	for _, group := range names {
		for _, name := range group {
			if _, ok := st.offsets[name]; ok {
				continue
			}
			st.offsets[name] = uint32(len(st.data))
			st.data = append(st.data, name...)
			st.data = append(st.data, 0)
		}
	}
	return st
}

func symbolNames(syms []ELFSymbol) []string {
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.Name
	}
	return names
}

// writeSymbols emits a null entry followed by the given symbols in order.
func (b *imageBuilder) writeSymbols(syms []ELFSymbol, strs *stringTable) {
	emit := func(s *ELFSymbol) {
		var nameOff uint32
		var info uint8
		var shndx uint16
		if s != nil {
			nameOff = strs.offsets[s.Name]
			info = s.Info
			if info == 0 {
				info = defaultSymInfo
			}
			if !s.Undefined {
				shndx = 1
			}
		}
		if b.is64() {
			b.u32(nameOff)
			b.buf = append(b.buf, info, 0)
			b.u16(shndx)
			if s != nil {
				b.u64(s.Value)
				b.u64(s.Size)
			} else {
				b.u64(0)
				b.u64(0)
			}
			return
		}
		b.u32(nameOff)
		if s != nil {
			b.u32(uint32(s.Value))
			b.u32(uint32(s.Size))
		} else {
			b.u32(0)
			b.u32(0)
		}
		b.buf = append(b.buf, info, 0)
		b.u16(shndx)
	}
	emit(nil)
	for i := range syms {
		emit(&syms[i])
	}
}

// gnuHash replicates the DT_GNU_HASH symbol hash.
func gnuHash(s string) uint32 {
	h := uint32(5381)
	for _, c := range []byte(s) {
		h += h*32 + uint32(c)
	}
	return h
}

// writeGNUHash emits a degenerate but valid DT_GNU_HASH table: one bucket,
// an all-ones bloom filter, and every symbol chained behind bucket zero.
func (b *imageBuilder) writeGNUHash(syms []ELFSymbol) {
	b.u32(1) // nbuckets
	b.u32(1) // symoffset: first entry after the null symbol
	b.u32(1) // bloom size
	b.u32(0) // bloom shift
	b.word(^uint64(0))
	if len(syms) == 0 {
		b.u32(0)
		return
	}
	b.u32(1) // bucket 0 starts at symbol index 1
	for i, s := range syms {
		h := gnuHash(s.Name) &^ 1
		if i == len(syms)-1 {
			h |= 1 // end of chain
		}
		b.u32(h)
	}
}

// sysvHash replicates the DT_HASH symbol hash.
func sysvHash(s string) uint32 {
	h := uint32(0)
	for _, c := range []byte(s) {
		h = 16*h + uint32(c)
		h ^= h >> 24 & 0xf0
	}
	return h & 0xfffffff
}

// writeSysvHash emits a one-bucket DT_HASH table chaining all symbols.
func (b *imageBuilder) writeSysvHash(syms []ELFSymbol) {
	nchain := uint32(len(syms) + 1)
	b.u32(1) // nbuckets
	b.u32(nchain)
	if len(syms) == 0 {
		b.u32(0) // bucket 0
		b.u32(0) // chain for null symbol
		return
	}
	b.u32(1) // bucket 0
	b.u32(0) // chain for null symbol
	for i := range syms {
		next := uint32(i + 2)
		if i == len(syms)-1 {
			next = 0
		}
		b.u32(next)
	}
}

func (b *imageBuilder) writeDyn(tag elf.DynTag, val uint64) {
	b.word(uint64(int64(tag)))
	b.word(val)
}

// shdr collects section header fields before the table is emitted.
type shdr struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	size    uint64
	link    uint32
	entsize uint64
}

func (b *imageBuilder) writeShdr(s *shdr, nameOff uint32) {
	b.u32(nameOff)
	b.u32(uint32(s.typ))
	b.word(uint64(s.flags))
	b.word(s.addr)
	b.word(s.off)
	b.word(s.size)
	b.u32(s.link)
	b.u32(0) // info
	b.word(8) // addralign
	b.word(s.entsize)
}

type phdr struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	off    uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

func (b *imageBuilder) writePhdr(p *phdr) {
	b.u32(uint32(p.typ))
	if b.is64() {
		b.u32(uint32(p.flags))
		b.u64(p.off)
		b.u64(p.vaddr)
		b.u64(p.vaddr)
		b.u64(p.filesz)
		b.u64(p.memsz)
		b.u64(8)
		return
	}
	b.u32(uint32(p.off))
	b.u32(uint32(p.vaddr))
	b.u32(uint32(p.vaddr))
	b.u32(uint32(p.filesz))
	b.u32(uint32(p.memsz))
	b.u32(uint32(p.flags))
	b.u32(8)
}

func (b *imageBuilder) symEntSize() uint64 {
	if b.is64() {
		return 24
	}
	return 16
}

func (b *imageBuilder) ehdrSize() int {
	if b.is64() {
		return 64
	}
	return 52
}

// BuildImage constructs a complete little-endian ELF image per the options.
func BuildImage(opts ImageOptions) []byte {
	b := &imageBuilder{class: opts.Class}
	if b.class == elf.ELFCLASSNONE {
		b.class = elf.ELFCLASS64
	}
	machine := opts.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_AARCH64
		if !b.is64() {
			machine = elf.EM_ARM
		}
	}

	// Header placeholder, patched last.
	b.buf = make([]byte, b.ehdrSize())

	dynStrs := makeStringTable(symbolNames(opts.DynamicSymbols),
		[]string{opts.SoName}, opts.Needed)
	symStrs := makeStringTable(symbolNames(opts.Symbols))

	dynstrOff := b.align(8)
	b.buf = append(b.buf, dynStrs.data...)

	dynsymOff := b.align(8)
	b.writeSymbols(opts.DynamicSymbols, dynStrs)
	dynsymSize := uint64(len(b.buf)) - dynsymOff

	var gnuHashOff, sysvHashOff uint64
	if opts.HashStyle != HashSysv {
		gnuHashOff = b.align(8)
		b.writeGNUHash(opts.DynamicSymbols)
	}
	if opts.HashStyle != HashGNU {
		sysvHashOff = b.align(8)
		b.writeSysvHash(opts.DynamicSymbols)
	}

	dynOff := b.align(8)
	b.writeDyn(elf.DT_STRTAB, dynstrOff)
	b.writeDyn(elf.DT_SYMTAB, dynsymOff)
	if gnuHashOff != 0 {
		b.writeDyn(elf.DT_GNU_HASH, gnuHashOff)
	}
	if sysvHashOff != 0 {
		b.writeDyn(elf.DT_HASH, sysvHashOff)
	}
	if opts.SoName != "" {
		b.writeDyn(elf.DT_SONAME, uint64(dynStrs.offsets[opts.SoName]))
	}
	for _, needed := range opts.Needed {
		b.writeDyn(elf.DT_NEEDED, uint64(dynStrs.offsets[needed]))
	}
	b.writeDyn(elf.DT_NULL, 0)
	dynSize := uint64(len(b.buf)) - dynOff

	var symtabOff, symtabSize, strtabOff uint64
	if len(opts.Symbols) > 0 {
		strtabOff = b.align(8)
		b.buf = append(b.buf, symStrs.data...)
		symtabOff = b.align(8)
		b.writeSymbols(opts.Symbols, symStrs)
		symtabSize = uint64(len(b.buf)) - symtabOff
	}

	var debugOff uint64
	if len(opts.DebugData) > 0 {
		debugOff = b.align(8)
		b.buf = append(b.buf, opts.DebugData...)
	}

	var noteOff, noteSize uint64
	if len(opts.BuildID) > 0 {
		noteOff = b.align(8)
		b.u32(4)                        // namesz: "GNU\0"
		b.u32(uint32(len(opts.BuildID))) // descsz
		b.u32(3)                        // NT_GNU_BUILD_ID
		b.buf = append(b.buf, 'G', 'N', 'U', 0)
		b.buf = append(b.buf, opts.BuildID...)
		b.align(4)
		noteSize = uint64(len(b.buf)) - noteOff
	}

	// Section headers.
	var shoff uint64
	var shnum, shstrndx int
	if !opts.OmitSectionHeaders {
		sections := []shdr{
			{}, // SHN_UNDEF
			{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC,
				addr: dynstrOff, off: dynstrOff, size: uint64(len(dynStrs.data))},
			{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC,
				addr: dynsymOff, off: dynsymOff, size: dynsymSize,
				link: 1, entsize: b.symEntSize()},
			{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC,
				addr: dynOff, off: dynOff, size: dynSize, link: 1},
		}
		if symtabSize > 0 {
			sections = append(sections,
				shdr{name: ".strtab", typ: elf.SHT_STRTAB,
					off: strtabOff, size: uint64(len(symStrs.data))},
				shdr{name: ".symtab", typ: elf.SHT_SYMTAB,
					off: symtabOff, size: symtabSize,
					link: uint32(len(sections)), entsize: b.symEntSize()})
		}
		if debugOff != 0 {
			sections = append(sections, shdr{name: ".gnu_debugdata",
				typ: elf.SHT_PROGBITS, off: debugOff,
				size: uint64(len(opts.DebugData))})
		}
		if noteSize > 0 {
			sections = append(sections, shdr{name: ".note.gnu.build-id",
				typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC,
				addr: noteOff, off: noteOff, size: noteSize})
		}

		shstrndx = len(sections)
		sectionNames := make([]string, 0, len(sections)+1)
		for i := range sections {
			sectionNames = append(sectionNames, sections[i].name)
		}
		sectionNames = append(sectionNames, ".shstrtab")
		shStrs := makeStringTable(sectionNames)
		shstrtabOff := b.align(8)
		b.buf = append(b.buf, shStrs.data...)
		sections = append(sections, shdr{name: ".shstrtab",
			typ: elf.SHT_STRTAB, off: shstrtabOff,
			size: uint64(len(shStrs.data))})

		shoff = b.align(8)
		shnum = len(sections)
		for i := range sections {
			b.writeShdr(&sections[i], shStrs.offsets[sections[i].name])
		}
	}

	// Program headers: one PT_LOAD spanning everything emitted so far plus
	// the headers themselves, the dynamic segment, and an optional note.
	phoff := b.align(8)
	phdrs := []phdr{
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X},
		{typ: elf.PT_DYNAMIC, flags: elf.PF_R, off: dynOff, vaddr: dynOff,
			filesz: dynSize, memsz: dynSize},
	}
	if noteSize > 0 {
		phdrs = append(phdrs, phdr{typ: elf.PT_NOTE, flags: elf.PF_R,
			off: noteOff, vaddr: noteOff, filesz: noteSize, memsz: noteSize})
	}
	for i := range phdrs {
		b.writePhdr(&phdrs[i])
	}
	imageSize := uint64(len(b.buf))
	// Patch PT_LOAD extents now that the total size is known.
	loadPhdr := b.buf[phoff:]
	if b.is64() {
		binary.LittleEndian.PutUint64(loadPhdr[32:], imageSize)
		binary.LittleEndian.PutUint64(loadPhdr[40:], imageSize)
	} else {
		binary.LittleEndian.PutUint32(loadPhdr[16:], uint32(imageSize))
		binary.LittleEndian.PutUint32(loadPhdr[20:], uint32(imageSize))
	}

	b.patchEhdr(machine, uint64(phoff), len(phdrs), shoff, shnum, shstrndx)
	return b.buf
}

// patchEhdr fills the ELF header placeholder at offset 0.
func (b *imageBuilder) patchEhdr(machine elf.Machine,
	phoff uint64, phnum int, shoff uint64, shnum, shstrndx int) {
	h := b.buf[:b.ehdrSize()]
	copy(h, []byte{0x7f, 'E', 'L', 'F'})
	h[elf.EI_CLASS] = byte(b.class)
	h[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	le := binary.LittleEndian
	le.PutUint16(h[16:], uint16(elf.ET_DYN))
	le.PutUint16(h[18:], uint16(machine))
	le.PutUint32(h[20:], uint32(elf.EV_CURRENT))
	if b.is64() {
		le.PutUint64(h[32:], phoff)
		le.PutUint64(h[40:], shoff)
		le.PutUint16(h[52:], 64) // ehsize
		le.PutUint16(h[54:], 56) // phentsize
		le.PutUint16(h[56:], uint16(phnum))
		le.PutUint16(h[58:], 64) // shentsize
		le.PutUint16(h[60:], uint16(shnum))
		le.PutUint16(h[62:], uint16(shstrndx))
		return
	}
	le.PutUint32(h[28:], uint32(phoff))
	le.PutUint32(h[32:], uint32(shoff))
	le.PutUint16(h[40:], 52) // ehsize
	le.PutUint16(h[42:], 32) // phentsize
	le.PutUint16(h[44:], uint16(phnum))
	le.PutUint16(h[46:], 40) // shentsize
	le.PutUint16(h[48:], uint16(shnum))
	le.PutUint16(h[50:], uint16(shstrndx))
}

// debugImage builds the miniature inner ELF carried by debug data: symbol
// and string table only, no program headers.
func debugImage(class elf.Class, syms []ELFSymbol) []byte {
	b := &imageBuilder{class: class}
	if b.class == elf.ELFCLASSNONE {
		b.class = elf.ELFCLASS64
	}
	machine := elf.EM_AARCH64
	if !b.is64() {
		machine = elf.EM_ARM
	}
	b.buf = make([]byte, b.ehdrSize())

	strs := makeStringTable(symbolNames(syms))
	strtabOff := b.align(8)
	b.buf = append(b.buf, strs.data...)
	symtabOff := b.align(8)
	b.writeSymbols(syms, strs)
	symtabSize := uint64(len(b.buf)) - symtabOff

	sections := []shdr{
		{},
		{name: ".strtab", typ: elf.SHT_STRTAB,
			off: strtabOff, size: uint64(len(strs.data))},
		{name: ".symtab", typ: elf.SHT_SYMTAB,
			off: symtabOff, size: symtabSize, link: 1,
			entsize: b.symEntSize()},
	}
	shStrs := makeStringTable([]string{".strtab", ".symtab", ".shstrtab"})
	shstrtabOff := b.align(8)
	b.buf = append(b.buf, shStrs.data...)
	sections = append(sections, shdr{name: ".shstrtab", typ: elf.SHT_STRTAB,
		off: shstrtabOff, size: uint64(len(shStrs.data))})

	shoff := b.align(8)
	for i := range sections {
		b.writeShdr(&sections[i], shStrs.offsets[sections[i].name])
	}
	b.patchEhdr(machine, 0, 0, shoff, len(sections), len(sections)-1)
	return b.buf
}

// MakeDebugData builds a valid compressed debug data payload carrying the
// given symbols.
func MakeDebugData(class elf.Class, syms []ELFSymbol) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(debugImage(class, syms)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}
