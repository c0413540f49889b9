// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package procmod enumerates the mapped executable modules of the current
// process with normalized, version-correct metadata. It reimplements the
// dl_iterate_phdr-style primitive on top of the process memory-map records,
// which sidesteps the per-version gaps of the platform primitive (missing
// loader image, basenames instead of full paths, package names instead of
// the process-image name).
package procmod // import "github.com/suqiernb/xdl-go/procmod"

import (
	"debug/elf"

	"github.com/zeebo/xxh3"

	"github.com/suqiernb/xdl-go/libxdl"
)

// VdsoPathName is the path reported for the kernel vdso image.
const VdsoPathName = "linux-vdso.1.so"

// LoadSegment describes one mapped region of a module.
type LoadSegment struct {
	// Vaddr is the virtual address the segment is mapped at.
	Vaddr libxdl.Address
	// FileOffset is the offset of the segment contents in the backing file.
	FileOffset uint64
	// Length is the mapped length in bytes.
	Length uint64
	// Flags holds the segment permissions in ELF program header notation.
	Flags elf.ProgFlag
}

// MappedModule identifies one loaded shared object. It is immutable once
// constructed; any change in the live process produces a new MappedModule in
// a later snapshot rather than mutating an existing one.
type MappedModule struct {
	// Base is the load address of the module.
	Base libxdl.Address
	// End is the first address past the module's highest mapped segment.
	End libxdl.Address
	// Path is the canonical full pathname of the backing object. Never a
	// package name; a basename only when full-path normalization was not
	// requested and the platform could not resolve it.
	Path string
	// Class is the ELF class of the module (32/64-bit), or ELFCLASSNONE if
	// the image header was not readable.
	Class elf.Class
	// Segments lists the module's mapped regions in ascending address order.
	Segments []LoadSegment
	// BuildID is the GNU build-id of the module when it could be read,
	// otherwise empty.
	BuildID string
	// Device and Inode identify the backing file, and with it the load
	// generation: a different file mapped at a reused address yields a
	// different identity.
	Device uint64
	Inode  uint64
}

// Size returns the mapped extent of the module in bytes.
func (m *MappedModule) Size() uint64 {
	return uint64(m.End - m.Base)
}

// Contains reports whether addr falls within one of the module's segments.
func (m *MappedModule) Contains(addr libxdl.Address) bool {
	for i := range m.Segments {
		s := &m.Segments[i]
		if addr >= s.Vaddr && addr < s.Vaddr+libxdl.Address(s.Length) {
			return true
		}
	}
	return false
}

// IsExecutable reports whether any segment of the module is executable.
func (m *MappedModule) IsExecutable() bool {
	for i := range m.Segments {
		if m.Segments[i].Flags&elf.PF_X != 0 {
			return true
		}
	}
	return false
}

// IsVDSO reports whether this is the kernel vdso image.
func (m *MappedModule) IsVDSO() bool {
	return m.Path == VdsoPathName
}

// Key returns the cache key identifying this module incarnation. Derived
// symbol data must be keyed by it, never by pathname alone: address space is
// reused after unload, and a reloaded pathname may be a different file.
func (m *MappedModule) Key() ModuleKey {
	return ModuleKey{
		Path: m.Path,
		Base: m.Base,
		Gen:  m.Device<<32 ^ m.Inode,
	}
}

// ModuleKey is the (pathname, base address, load generation) identity of one
// module incarnation.
type ModuleKey struct {
	Path string
	Base libxdl.Address
	Gen  uint64
}

// Hash32 returns a 32 bit hash of the key, suitable for cache placement.
func (k ModuleKey) Hash32() uint32 {
	h := xxh3.HashString(k.Path) ^ k.Base.Hash() ^ k.Gen
	return uint32(h)
}
