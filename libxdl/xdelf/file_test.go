// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/xdelf"
	"github.com/suqiernb/xdl-go/testsupport"
)

// testLoadAddress stands in for a live mapping base in tests that parse a
// built image as if it were mapped there.
const testLoadAddress = 0x7f0000000000

var testSymbols = []testsupport.ELFSymbol{
	{Name: "dlopen", Value: 0x1000, Size: 0x40},
	{Name: "dlsym", Value: 0x1100, Size: 0x80},
	{Name: "dlclose", Value: 0x1200, Size: 0x20},
}

func writeImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libtest.so")
	require.NoError(t, os.WriteFile(path, img, 0o600))
	return path
}

func TestOpenFile(t *testing.T) {
	tests := map[string]struct {
		class   elf.Class
		machine elf.Machine
	}{
		"aarch64": {elf.ELFCLASS64, elf.EM_AARCH64},
		"x86_64":  {elf.ELFCLASS64, elf.EM_X86_64},
		"arm":     {elf.ELFCLASS32, elf.EM_ARM},
		"i386":    {elf.ELFCLASS32, elf.EM_386},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			img := testsupport.BuildImage(testsupport.ImageOptions{
				Class:          tc.class,
				Machine:        tc.machine,
				SoName:         "libtest.so",
				Needed:         []string{"libc.so", "libm.so"},
				DynamicSymbols: testSymbols,
			})
			ef, err := xdelf.Open(writeImage(t, img))
			require.NoError(t, err)
			defer ef.Close()

			assert.Equal(t, tc.class, ef.Class)
			assert.Equal(t, tc.machine, ef.Machine)
			assert.Equal(t, elf.ET_DYN, ef.Type)
			assert.False(t, ef.InsideLive)
			assert.Equal(t, "libtest.so", ef.SoName())
			assert.Equal(t, []string{"libc.so", "libm.so"}, ef.DynNeeded())
		})
	}
}

func TestOpenRejectsNonELF(t *testing.T) {
	tests := map[string][]byte{
		"empty magic":  make([]byte, 64),
		"wrong magic":  bytes.Repeat([]byte{'A'}, 64),
		"short header": {0x7f, 'E', 'L', 'F'},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := xdelf.NewFile(bytes.NewReader(data), 0)
			require.Error(t, err)
		})
	}
}

func TestOpenRejectsBigEndian(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{})
	img[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	_, err := xdelf.NewFile(bytes.NewReader(img), 0)
	assert.ErrorIs(t, err, xdelf.ErrUnsupportedArch)
}

func TestOpenRejectsUnsupportedMachine(t *testing.T) {
	// A 32-bit image claiming a 64-bit machine is outside the supported
	// class/machine pairs.
	img := testsupport.BuildImage(testsupport.ImageOptions{
		Class:   elf.ELFCLASS32,
		Machine: elf.EM_AARCH64,
	})
	_, err := xdelf.NewFile(bytes.NewReader(img), 0)
	assert.ErrorIs(t, err, xdelf.ErrUnsupportedArch)
}

func TestOpenTruncated(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	// Cut inside the program header table at the end of the image.
	_, err := xdelf.NewFile(bytes.NewReader(img[:len(img)-16]), 0)
	assert.ErrorIs(t, err, xdelf.ErrTruncated)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := xdelf.Open(filepath.Join(t.TempDir(), "nope.so"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadDynamicSymbols(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	ef, err := xdelf.Open(writeImage(t, img))
	require.NoError(t, err)
	defer ef.Close()

	sm, err := ef.ReadDynamicSymbols()
	require.NoError(t, err)
	require.Equal(t, len(testSymbols), sm.Len())

	sym, err := sm.LookupSymbol("dlsym")
	require.NoError(t, err)
	assert.Equal(t, libxdl.SymbolValue(0x1100), sym.Address)
	assert.Equal(t, uint64(0x80), sym.Size)
	assert.True(t, sym.Defined)
}

func TestReadSymbols(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
		Symbols: []testsupport.ELFSymbol{
			{Name: "internal_func", Value: 0x4000, Size: 0x10},
			{Name: "imported", Undefined: true},
		},
	})
	ef, err := xdelf.Open(writeImage(t, img))
	require.NoError(t, err)
	defer ef.Close()

	sm, err := ef.ReadSymbols()
	require.NoError(t, err)

	sym, err := sm.LookupSymbol("internal_func")
	require.NoError(t, err)
	assert.Equal(t, libxdl.SymbolValue(0x4000), sym.Address)

	sym, err = sm.LookupSymbol("imported")
	require.NoError(t, err)
	assert.False(t, sym.Defined)
}

func TestReadSymbolsMissingSection(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	ef, err := xdelf.Open(writeImage(t, img))
	require.NoError(t, err)
	defer ef.Close()

	_, err = ef.ReadSymbols()
	assert.Error(t, err)
}

func TestLiveImage(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		SoName:         "liblive.so",
		DynamicSymbols: testSymbols,
	})
	ef, err := xdelf.NewFile(bytes.NewReader(img), testLoadAddress)
	require.NoError(t, err)

	assert.True(t, ef.InsideLive)
	// The dynamic segment is reachable through virtual addresses even
	// though no section headers are consulted.
	assert.Equal(t, "liblive.so", ef.SoName())
	assert.Nil(t, ef.Section(".dynsym"))
	assert.Error(t, ef.LoadSections())

	sym, err := ef.LookupSymbol("dlopen")
	require.NoError(t, err)
	assert.Equal(t, libxdl.SymbolValue(0x1000), sym.Address)
}

func TestLiveImageRequiresProgHeaders(t *testing.T) {
	// Zero program headers is legal for file backed images (the miniature
	// debug data ELFs have none) but never for a live mapping.
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	var phnumOff int
	if elf.Class(img[elf.EI_CLASS]) == elf.ELFCLASS64 {
		phnumOff = 56
	} else {
		phnumOff = 44
	}
	img[phnumOff] = 0
	img[phnumOff+1] = 0

	ef, err := xdelf.NewFile(bytes.NewReader(img), 0)
	require.NoError(t, err)
	ef.Close()

	_, err = xdelf.NewFile(bytes.NewReader(img), testLoadAddress)
	assert.ErrorIs(t, err, xdelf.ErrNotELF)
}

func TestSegmentZeroFill(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		Class:          elf.ELFCLASS64,
		DynamicSymbols: testSymbols,
	})
	// Grow the load segment's memory size past its file size. The pages
	// beyond the file extent are loader-allocated and zero initialized.
	const extra = 0x40
	phoff := binary.LittleEndian.Uint64(img[32:])
	filesz := binary.LittleEndian.Uint64(img[phoff+32:])
	binary.LittleEndian.PutUint64(img[phoff+40:], filesz+extra)

	ef, err := xdelf.NewFile(bytes.NewReader(img), 0)
	require.NoError(t, err)

	// One read spanning the file/anonymous boundary must keep the file
	// bytes intact and zero only the tail.
	buf := make([]byte, 16+extra)
	for i := range buf {
		buf[i] = 0xff
	}
	n, err := ef.ReadVirtualMemory(buf, int64(filesz-16))
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	assert.Equal(t, img[filesz-16:filesz], buf[:16])
	assert.Equal(t, bytes.Repeat([]byte{0}, extra), buf[16:])
}

func TestNoSectionHeadersFallback(t *testing.T) {
	// Linker-image shape: no section headers at all, symbols reachable only
	// through the dynamic segment.
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols:     testSymbols,
		OmitSectionHeaders: true,
	})
	ef, err := xdelf.Open(writeImage(t, img))
	require.NoError(t, err)
	defer ef.Close()

	require.NoError(t, ef.LoadSections())
	assert.Empty(t, ef.Sections)

	sym, err := ef.LookupSymbol("dlclose")
	require.NoError(t, err)
	assert.Equal(t, libxdl.SymbolValue(0x1200), sym.Address)
}

func TestGetBuildID(t *testing.T) {
	buildID := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
		BuildID:        buildID,
	})

	t.Run("file", func(t *testing.T) {
		ef, err := xdelf.Open(writeImage(t, img))
		require.NoError(t, err)
		defer ef.Close()
		id, err := ef.GetBuildID()
		require.NoError(t, err)
		assert.Equal(t, "deadbeef01020304", id)
	})

	t.Run("live via PT_NOTE", func(t *testing.T) {
		ef, err := xdelf.NewFile(bytes.NewReader(img), testLoadAddress)
		require.NoError(t, err)
		id, err := ef.GetBuildID()
		require.NoError(t, err)
		assert.Equal(t, "deadbeef01020304", id)
	})

	t.Run("absent", func(t *testing.T) {
		plain := testsupport.BuildImage(testsupport.ImageOptions{
			DynamicSymbols: testSymbols,
		})
		ef, err := xdelf.Open(writeImage(t, plain))
		require.NoError(t, err)
		defer ef.Close()
		_, err = ef.GetBuildID()
		assert.ErrorIs(t, err, xdelf.ErrNoBuildID)
	})
}
