// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/xdelf"
	"github.com/suqiernb/xdl-go/testsupport"
)

func TestLookupSymbol(t *testing.T) {
	classes := map[string]elf.Class{
		"class64": elf.ELFCLASS64,
		"class32": elf.ELFCLASS32,
	}
	styles := map[string]testsupport.HashStyle{
		"gnu hash":  testsupport.HashGNU,
		"sysv hash": testsupport.HashSysv,
		"both":      testsupport.HashBoth,
	}
	for clsName, class := range classes {
		for styleName, style := range styles {
			t.Run(clsName+" "+styleName, func(t *testing.T) {
				img := testsupport.BuildImage(testsupport.ImageOptions{
					Class:          class,
					HashStyle:      style,
					DynamicSymbols: testSymbols,
				})
				ef, err := xdelf.NewFile(bytes.NewReader(img), 0)
				require.NoError(t, err)
				defer ef.Close()

				for _, want := range testSymbols {
					sym, err := ef.LookupSymbol(libxdl.SymbolName(want.Name))
					require.NoError(t, err, "symbol %s", want.Name)
					assert.Equal(t, libxdl.SymbolValue(want.Value), sym.Address)
					assert.Equal(t, want.Size, sym.Size)
					assert.Equal(t, libxdl.SymbolName(want.Name), sym.Name)
				}

				_, err = ef.LookupSymbol("not_a_symbol")
				assert.ErrorIs(t, err, libxdl.ErrSymbolNotFound)

				addr, err := ef.LookupSymbolAddress(
					libxdl.SymbolName(testSymbols[0].Name))
				require.NoError(t, err)
				assert.Equal(t, libxdl.SymbolValue(testSymbols[0].Value), addr)
			})
		}
	}
}

func TestLookupSymbolLive(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	ef, err := xdelf.NewFile(bytes.NewReader(img), testLoadAddress)
	require.NoError(t, err)

	sym, err := ef.LookupSymbol("dlsym")
	require.NoError(t, err)
	// Hash lookup yields the file virtual address; the caller applies the
	// load bias.
	assert.Equal(t, libxdl.SymbolValue(0x1100), sym.Address)
}

func TestLookupSymbolEmptyTable(t *testing.T) {
	// An image exporting nothing has hash tables with empty buckets.
	img := testsupport.BuildImage(testsupport.ImageOptions{})
	ef, err := xdelf.NewFile(bytes.NewReader(img), 0)
	require.NoError(t, err)
	defer ef.Close()

	_, err = ef.LookupSymbol("anything")
	assert.ErrorIs(t, err, libxdl.ErrSymbolNotFound)
}
