// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package xdelf implements an independent ELF parser with different usage
// than debug/elf:
//   - handles both 32-bit and 64-bit little-endian ELF classes behind one API
//   - loads only the portions of the ELF actually accessed
//   - can handle partial ELF images without section headers present, falling
//     back to dynamic-segment derived symbol/string table locations (the
//     in-process linker image commonly has no usable section headers)
//   - implements fast symbol lookup using gnu/sysv hashes
//   - recovers stripped symbols from the compressed .gnu_debugdata section
//
// The Executable and Linking Format (ELF) specification is available at:
//
//	https://refspecs.linuxfoundation.org/elf/elf.pdf
//
// The DT_GNU_HASH layout is described at https://flapenguin.me/elf-dt-gnu-hash
package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"unsafe"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/unsafeutil"
)

const (
	// maxBytesSmallSection is the maximum size for small parsed sections
	// (e.g. notes)
	maxBytesSmallSection = 4 * 1024

	// maxBytesLargeSection is the maximum size for large parsed sections
	// (e.g. symbol tables and string tables; libart has a multi-MB .dynstr)
	maxBytesLargeSection = 16 * 1024 * 1024

	// maxBytesDebugData is the maximum accepted size for the compressed
	// .gnu_debugdata payload
	maxBytesDebugData = 8 * 1024 * 1024
)

// File represents an open ELF image, either file backed or a live mapping of
// the current process.
type File struct {
	// closer is called internally when resources for this File are to be released
	closer io.Closer

	// elfReader is the ReadAt implementation used for this File. For live
	// images, offset 0 corresponds to the module load base.
	elfReader io.ReaderAt

	// Progs contains the program headers
	Progs []Prog

	// Sections contains the section headers if loaded
	Sections []Section

	// Class is the ELF class (32/64 bit) of the image
	Class elf.Class

	// Machine is the ELF machine of the image
	Machine elf.Machine

	// Type is the ELF file type
	Type elf.Type

	// Entry is the entry point virtual address
	Entry uint64

	// InsideLive indicates this File reads an already mapped image of the
	// current process instead of an on-disk file
	InsideLive bool

	// header extents, normalized to 64-bit regardless of class
	phoff    int64
	shoff    int64
	shnum    int
	shstrndx int

	// neededIndexes contains the string tab indexes for DT_NEEDED tags
	neededIndexes []int64

	// soNameIndex contains the string tab index for the DT_SONAME tag (or 0)
	soNameIndex int64

	// gnuHash contains the DT_GNU_HASH header address and data
	gnuHash struct {
		addr   int64
		header gnuHashHeader
	}

	// sysvHash contains the DT_HASH (SYS-V hash) header address and data
	sysvHash struct {
		addr   int64
		header sysvHashHeader
	}

	// stringsAddr is the virtual address of the string table from the Dynamic segment
	stringsAddr int64

	// symbolsAddr is the virtual address of the symbol table from the Dynamic segment
	symbolsAddr int64

	// virtualBase is the lowest PT_LOAD virtual address
	virtualBase uint64

	// bias is the load bias for live mapped images
	bias libxdl.Address
}

var _ libxdl.SymbolFinder = &File{}

// sysvHashHeader is the ELF DT_HASH section header
type sysvHashHeader struct {
	numBuckets uint32
	numSymbols uint32
}

// gnuHashHeader is the ELF DT_GNU_HASH section header
type gnuHashHeader struct {
	numBuckets   uint32
	symbolOffset uint32
	bloomSize    uint32
	bloomShift   uint32
}

// Prog represents a program header, and data associated with it
type Prog struct {
	elf.ProgHeader

	// elfReader is the same ReadAt as used for the File
	elfReader io.ReaderAt
}

// Section represents a section header, and data associated with it
type Section struct {
	elf.SectionHeader

	// Embed ReaderAt for ReadAt method.
	io.ReaderAt

	// Do not embed SectionReader directly, or as public member. We can't
	// return the same copy to multiple callers, otherwise they corrupt
	// each other's reader file position.
	sr *io.SectionReader
}

// Open opens the named file read-only and prepares it for use as an ELF binary.
func Open(name string) (*File, error) {
	r, closer, err := openFileView(name)
	if err != nil {
		return nil, err
	}
	ff, err := newFile(r, closer, 0)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return ff, nil
}

// OpenLive prepares an ELF object over the already mapped image of the
// current process at [base, base+size), without copying.
func OpenLive(base libxdl.Address, size uint64) (*File, error) {
	return newFile(NewLiveView(uintptr(base), size), nil, uint64(base))
}

// NewFile creates a new ELF file object that borrows the given reader.
// A non-zero loadAddress marks the reader as a live mapped image whose
// offset 0 is the load base.
func NewFile(r io.ReaderAt, loadAddress uint64) (*File, error) {
	return newFile(r, nil, loadAddress)
}

// Close closes the File.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return
}

// supportedMachine reports whether the class/machine pair is in the
// supported set: 32/64-bit little-endian ARM and x86.
func supportedMachine(class elf.Class, machine elf.Machine) bool {
	switch machine {
	case elf.EM_ARM, elf.EM_386:
		return class == elf.ELFCLASS32
	case elf.EM_AARCH64, elf.EM_X86_64:
		return class == elf.ELFCLASS64
	default:
		return false
	}
}

// mapReadErr normalizes short reads of declared header extents.
func mapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func newFile(r io.ReaderAt, closer io.Closer, loadAddress uint64) (*File, error) {
	f := &File{
		elfReader:  r,
		closer:     closer,
		InsideLive: loadAddress != 0,
	}

	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, mapReadErr(err)
	}
	if !bytes.Equal(ident[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, ErrNotELF
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return nil, fmt.Errorf("ELF version %d: %w", ident[elf.EI_VERSION], ErrNotELF)
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("big-endian ELF: %w", ErrUnsupportedArch)
	}

	f.Class = elf.Class(ident[elf.EI_CLASS])
	var phnum int
	switch f.Class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if _, err := r.ReadAt(unsafeutil.FromPointer(&hdr), 0); err != nil {
			return nil, mapReadErr(err)
		}
		f.Machine = elf.Machine(hdr.Machine)
		f.Type = elf.Type(hdr.Type)
		f.Entry = hdr.Entry
		f.phoff = int64(hdr.Phoff)
		f.shoff = int64(hdr.Shoff)
		f.shnum = int(hdr.Shnum)
		f.shstrndx = int(hdr.Shstrndx)
		phnum = int(hdr.Phnum)
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if _, err := r.ReadAt(unsafeutil.FromPointer(&hdr), 0); err != nil {
			return nil, mapReadErr(err)
		}
		f.Machine = elf.Machine(hdr.Machine)
		f.Type = elf.Type(hdr.Type)
		f.Entry = uint64(hdr.Entry)
		f.phoff = int64(hdr.Phoff)
		f.shoff = int64(hdr.Shoff)
		f.shnum = int(hdr.Shnum)
		f.shstrndx = int(hdr.Shstrndx)
		phnum = int(hdr.Phnum)
	default:
		return nil, fmt.Errorf("ELF class %d: %w", ident[elf.EI_CLASS], ErrNotELF)
	}
	if !supportedMachine(f.Class, f.Machine) {
		return nil, fmt.Errorf("machine %v (class %v): %w",
			f.Machine, f.Class, ErrUnsupportedArch)
	}

	// Zero program headers is legal for the miniature ELF images recovered
	// from debug data; live images must have at least one PT_LOAD.
	if phnum == 0 && f.InsideLive {
		return nil, fmt.Errorf("live ELF with zero program headers (type %v): %w",
			f.Type, ErrNotELF)
	}

	if err := f.loadProgHeaders(phnum); err != nil {
		return nil, err
	}
	if loadAddress != 0 {
		f.bias = libxdl.Address(loadAddress - f.virtualBase)
	}

	f.parseDynamic()
	return f, nil
}

// loadProgHeaders reads and normalizes the program header array.
func (f *File) loadProgHeaders(phnum int) error {
	f.Progs = make([]Prog, phnum)
	switch f.Class {
	case elf.ELFCLASS64:
		progs := make([]elf.Prog64, phnum)
		if _, err := f.elfReader.ReadAt(unsafeutil.FromSlice(progs), f.phoff); err != nil {
			return mapReadErr(err)
		}
		for i, ph := range progs {
			f.Progs[i].ProgHeader = elf.ProgHeader{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Off:    ph.Off,
				Vaddr:  ph.Vaddr,
				Paddr:  ph.Paddr,
				Filesz: ph.Filesz,
				Memsz:  ph.Memsz,
				Align:  ph.Align,
			}
		}
	case elf.ELFCLASS32:
		progs := make([]elf.Prog32, phnum)
		if _, err := f.elfReader.ReadAt(unsafeutil.FromSlice(progs), f.phoff); err != nil {
			return mapReadErr(err)
		}
		for i, ph := range progs {
			f.Progs[i].ProgHeader = elf.ProgHeader{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Off:    uint64(ph.Off),
				Vaddr:  uint64(ph.Vaddr),
				Paddr:  uint64(ph.Paddr),
				Filesz: uint64(ph.Filesz),
				Memsz:  uint64(ph.Memsz),
				Align:  uint64(ph.Align),
			}
		}
	}

	f.virtualBase = ^uint64(0)
	for i := range f.Progs {
		p := &f.Progs[i]
		p.elfReader = f.elfReader
		if p.Type == elf.PT_LOAD && p.Vaddr < f.virtualBase {
			f.virtualBase = p.Vaddr
		}
	}
	if f.virtualBase == ^uint64(0) {
		f.virtualBase = 0
	}
	return nil
}

// parseDynamic extracts the symbol/string table and hash locations from the
// PT_DYNAMIC segment. This keeps symbol lookup working for images without
// section headers.
func (f *File) parseDynamic() {
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != elf.PT_DYNAMIC || p.Filesz == 0 {
			continue
		}
		data, err := f.segmentData(p, maxBytesLargeSection)
		if err != nil {
			continue
		}
		// The in-memory dynamic table holds load-adjusted absolute
		// addresses. Convert them back to file virtual addresses.
		bias := int64(f.bias)
		each32or64(f.Class, data,
			func(d *elf.Dyn32) { f.applyDyn(int64(d.Tag), uint64(d.Val), bias) },
			func(d *elf.Dyn64) { f.applyDyn(d.Tag, d.Val, bias) })
	}
}

func (f *File) applyDyn(tag int64, val uint64, bias int64) {
	adjustedVal := int64(val)
	if adjustedVal >= bias {
		adjustedVal -= bias
	}
	switch elf.DynTag(tag) {
	case elf.DT_NEEDED:
		f.neededIndexes = append(f.neededIndexes, int64(val))
	case elf.DT_SONAME:
		f.soNameIndex = int64(val)
	case elf.DT_HASH:
		f.sysvHash.addr = adjustedVal
	case elf.DT_STRTAB:
		f.stringsAddr = adjustedVal
	case elf.DT_SYMTAB:
		f.symbolsAddr = adjustedVal
	case elf.DT_GNU_HASH:
		f.gnuHash.addr = adjustedVal
	}
}

// each32or64 iterates fixed-size records of the class-appropriate layout.
func each32or64[T32, T64 any](class elf.Class, data []byte, f32 func(*T32), f64 func(*T64)) {
	if class == elf.ELFCLASS64 {
		sz := int(unsafe.Sizeof(*new(T64)))
		for i := 0; i+sz <= len(data); i += sz {
			f64((*T64)(unsafe.Pointer(&data[i])))
		}
		return
	}
	sz := int(unsafe.Sizeof(*new(T32)))
	for i := 0; i+sz <= len(data); i += sz {
		f32((*T32)(unsafe.Pointer(&data[i])))
	}
}

// segmentData loads the contents of a segment, honoring the live/file layout
// difference: live images are addressed by virtual address, files by offset.
func (f *File) segmentData(p *Prog, maxSize uint) ([]byte, error) {
	if p.Filesz > uint64(maxSize) {
		return nil, fmt.Errorf("segment size %d is too large", p.Filesz)
	}
	if f.InsideLive {
		buf := make([]byte, p.Filesz)
		if _, err := f.elfReader.ReadAt(buf, int64(p.Vaddr-f.virtualBase)); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return p.Data(maxSize)
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start int) (string, bool) {
	if start < 0 || start >= len(section) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+slen]), true
}

// LoadSections loads the ELF section headers.
func (f *File) LoadSections() error {
	if f.InsideLive {
		// Section headers are not mapped at runtime, and the area they
		// would occupy may have been reused. Never trust them for live
		// images.
		return errors.New("section headers are not available for live mapped ELF")
	}
	if f.Sections != nil {
		// Already loaded.
		return nil
	}
	if f.shnum == 0 {
		// No sections. Nothing to do.
		return nil
	}
	if f.shstrndx >= f.shnum {
		return fmt.Errorf("invalid ELF section string table index (%d / %d)",
			f.shstrndx, f.shnum)
	}

	f.Sections = make([]Section, f.shnum)
	nameIndexes := make([]uint32, f.shnum)
	switch f.Class {
	case elf.ELFCLASS64:
		sections := make([]elf.Section64, f.shnum)
		if _, err := f.elfReader.ReadAt(unsafeutil.FromSlice(sections), f.shoff); err != nil {
			return mapReadErr(err)
		}
		for i, sh := range sections {
			f.Sections[i].SectionHeader = elf.SectionHeader{
				Type:      elf.SectionType(sh.Type),
				Flags:     elf.SectionFlag(sh.Flags),
				Addr:      sh.Addr,
				Offset:    sh.Off,
				Size:      sh.Size,
				Link:      sh.Link,
				Info:      sh.Info,
				Addralign: sh.Addralign,
				Entsize:   sh.Entsize,
				FileSize:  sh.Size,
			}
			nameIndexes[i] = sh.Name
		}
	case elf.ELFCLASS32:
		sections := make([]elf.Section32, f.shnum)
		if _, err := f.elfReader.ReadAt(unsafeutil.FromSlice(sections), f.shoff); err != nil {
			return mapReadErr(err)
		}
		for i, sh := range sections {
			f.Sections[i].SectionHeader = elf.SectionHeader{
				Type:      elf.SectionType(sh.Type),
				Flags:     elf.SectionFlag(sh.Flags),
				Addr:      uint64(sh.Addr),
				Offset:    uint64(sh.Off),
				Size:      uint64(sh.Size),
				Link:      sh.Link,
				Info:      sh.Info,
				Addralign: uint64(sh.Addralign),
				Entsize:   uint64(sh.Entsize),
				FileSize:  uint64(sh.Size),
			}
			nameIndexes[i] = sh.Name
		}
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		s.sr = io.NewSectionReader(f.elfReader, int64(s.Offset), int64(s.FileSize))
		s.ReaderAt = s.sr
	}

	// Load the section name string table
	strsh := &f.Sections[f.shstrndx]
	if strsh.FileSize >= 1024*1024 {
		return fmt.Errorf("section headers string table too large (%d)",
			strsh.FileSize)
	}
	strtab, err := strsh.Data(maxBytesLargeSection)
	if err != nil {
		return err
	}
	for i := range f.Sections {
		sh := &f.Sections[i]
		var ok bool
		sh.Name, ok = getString(strtab, int(nameIndexes[i]))
		if !ok {
			return fmt.Errorf("bad section name index (section %d, index %d/%d)",
				i, nameIndexes[i], len(strtab))
		}
	}

	return nil
}

// Section returns a section with the given name, or nil if no such section
// exists or sections are unavailable.
func (f *File) Section(name string) *Section {
	if f.InsideLive {
		return nil
	}
	if err := f.LoadSections(); err != nil {
		return nil
	}
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ReadVirtualMemory reads bytes from the given virtual address.
func (f *File) ReadVirtualMemory(p []byte, addr int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f.InsideLive {
		return f.elfReader.ReadAt(p, addr-int64(f.virtualBase))
	}
	for i := range f.Progs {
		ph := &f.Progs[i]
		// Search for the program header that contains the start address.
		// ReadAt() style short reads apply beyond the segment end.
		if ph.Type == elf.PT_LOAD && uint64(addr) >= ph.Vaddr &&
			uint64(addr) < ph.Vaddr+ph.Memsz {
			return ph.ReadAt(p, addr-int64(ph.Vaddr))
		}
	}
	return 0, fmt.Errorf("no matching segment for 0x%x", uint64(addr))
}

// ReadAt implements the io.ReaderAt interface over virtual addresses.
func (f *File) ReadAt(p []byte, addr int64) (int, error) {
	return f.ReadVirtualMemory(p, addr)
}

// VirtualBase returns the lowest PT_LOAD virtual address of the image.
func (f *File) VirtualBase() uint64 {
	return f.virtualBase
}

// ReadAt implements the io.ReaderAt interface
func (ph *Prog) ReadAt(p []byte, off int64) (n int, err error) {
	// First load as much as possible from the backing view
	if uint64(off) < ph.Filesz {
		end := int(min(int64(len(p)), int64(ph.Filesz)-off))
		n, err = ph.elfReader.ReadAt(p[0:end], int64(ph.Off)+off)
		if n != end || err != nil {
			return n, err
		}
		off += int64(n)
	}

	// The gap between Filesz and Memsz is allocated by the dynamic loader as
	// anonymous pages, and zero initialized. Read zeroes from this area.
	if n < len(p) && uint64(off) < ph.Memsz {
		end := int(min(int64(len(p)-n), int64(ph.Memsz)-off))
		clear(p[n : n+end])
		n += end
	}

	if n != len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Open returns a new ReadSeeker reading the ELF program body.
func (ph *Prog) Open() io.ReadSeeker {
	return io.NewSectionReader(ph, 0, 1<<63-1)
}

// Data loads the whole program header referenced data, and returns it as slice.
func (ph *Prog) Data(maxSize uint) ([]byte, error) {
	if ph.Filesz > uint64(maxSize) {
		return nil, fmt.Errorf("segment size %d is too large", ph.Filesz)
	}
	p := make([]byte, ph.Filesz)
	_, err := ph.ReadAt(p, 0)
	return p, err
}

// Data loads the whole section header referenced data, and returns it as a slice.
func (sh *Section) Data(maxSize uint) ([]byte, error) {
	if sh.Flags&elf.SHF_COMPRESSED != 0 {
		return nil, errors.New("compressed sections not supported")
	}
	if sh.FileSize > uint64(maxSize) {
		return nil, fmt.Errorf("section size %d is too large", sh.FileSize)
	}
	p := make([]byte, sh.FileSize)
	_, err := sh.ReadAt(p, 0)
	return p, err
}

// symRecordSize returns the on-disk symbol record size for the ELF class.
func (f *File) symRecordSize() int64 {
	if f.Class == elf.ELFCLASS64 {
		return int64(unsafe.Sizeof(elf.Sym64{}))
	}
	return int64(unsafe.Sizeof(elf.Sym32{}))
}

// loadSymbolTable reads the named symbol table section into a SymbolMap.
func (f *File) loadSymbolTable(name string) (*libxdl.SymbolMap, error) {
	symTab := f.Section(name)
	if symTab == nil {
		return nil, fmt.Errorf("failed to read %v: section not present", name)
	}
	if symTab.Link >= uint32(len(f.Sections)) {
		return nil, fmt.Errorf("failed to read %v strtab: link %v out of range",
			name, symTab.Link)
	}
	strTab := &f.Sections[symTab.Link]
	strs, err := strTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", strTab.Name, err)
	}
	syms, err := symTab.Data(maxBytesLargeSection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %v", name, err)
	}

	symMap := libxdl.SymbolMap{}
	addSym := func(nameOff uint32, value, size uint64, info uint8, shndx uint16) {
		symName, ok := getString(strs, int(nameOff))
		if !ok || symName == "" {
			return
		}
		symMap.Add(libxdl.Symbol{
			Name:    libxdl.SymbolName(symName),
			Address: libxdl.SymbolValue(value),
			Size:    size,
			Info:    info,
			Defined: elf.SectionIndex(shndx) != elf.SHN_UNDEF,
		})
	}
	each32or64(f.Class, syms,
		func(s *elf.Sym32) { addSym(s.Name, uint64(s.Value), uint64(s.Size), s.Info, s.Shndx) },
		func(s *elf.Sym64) { addSym(s.Name, s.Value, s.Size, s.Info, s.Shndx) })
	symMap.Finalize()

	return &symMap, nil
}

// ReadSymbols reads the full .symtab symbol table from the ELF.
func (f *File) ReadSymbols() (*libxdl.SymbolMap, error) {
	return f.loadSymbolTable(".symtab")
}

// ReadDynamicSymbols reads the full .dynsym symbol table from the ELF.
func (f *File) ReadDynamicSymbols() (*libxdl.SymbolMap, error) {
	return f.loadSymbolTable(".dynsym")
}

// readCString reads a null terminated string from the given virtual address.
func (f *File) readCString(addr int64, maxLen int) string {
	buf := make([]byte, maxLen)
	n, _ := f.ReadVirtualMemory(buf, addr)
	buf = buf[:n]
	if zero := bytes.IndexByte(buf, 0); zero >= 0 {
		return string(buf[:zero])
	}
	return ""
}

// SoName returns the DT_SONAME of the image, or empty if none is recorded.
func (f *File) SoName() string {
	if f.soNameIndex == 0 || f.stringsAddr == 0 {
		return ""
	}
	return f.readCString(f.stringsAddr+f.soNameIndex, 256)
}

// DynNeeded returns the DT_NEEDED library names of the image.
func (f *File) DynNeeded() []string {
	needed := make([]string, 0, len(f.neededIndexes))
	for _, ndx := range f.neededIndexes {
		if name := f.readCString(f.stringsAddr+ndx, 256); name != "" {
			needed = append(needed, name)
		}
	}
	return needed
}
