// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/xdelf"
	"github.com/suqiernb/xdl-go/testsupport"
)

func TestOpenDebugData(t *testing.T) {
	for clsName, class := range map[string]elf.Class{
		"class64": elf.ELFCLASS64,
		"class32": elf.ELFCLASS32,
	} {
		t.Run(clsName, func(t *testing.T) {
			debugData, err := testsupport.MakeDebugData(class,
				[]testsupport.ELFSymbol{
					{Name: "stripped_func", Value: 0x5000, Size: 0x30},
				})
			require.NoError(t, err)

			img := testsupport.BuildImage(testsupport.ImageOptions{
				Class:          class,
				DynamicSymbols: testSymbols,
				DebugData:      debugData,
			})
			ef, err := xdelf.Open(writeImage(t, img))
			require.NoError(t, err)
			defer ef.Close()

			assert.True(t, ef.HasDebugData())
			inner, err := ef.OpenDebugData()
			require.NoError(t, err)
			assert.Equal(t, class, inner.Class)

			sm, err := inner.ReadSymbols()
			require.NoError(t, err)
			sym, err := sm.LookupSymbol("stripped_func")
			require.NoError(t, err)
			assert.Equal(t, libxdl.SymbolValue(0x5000), sym.Address)
		})
	}
}

func TestOpenDebugDataAbsent(t *testing.T) {
	img := testsupport.BuildImage(testsupport.ImageOptions{
		DynamicSymbols: testSymbols,
	})
	ef, err := xdelf.Open(writeImage(t, img))
	require.NoError(t, err)
	defer ef.Close()

	assert.False(t, ef.HasDebugData())
	_, err = ef.OpenDebugData()
	assert.ErrorIs(t, err, xdelf.ErrNoDebugData)
	assert.NotErrorIs(t, err, xdelf.ErrCorruptDebugData)
}

func TestOpenDebugDataCorrupt(t *testing.T) {
	t.Run("not xz", func(t *testing.T) {
		img := testsupport.BuildImage(testsupport.ImageOptions{
			DynamicSymbols: testSymbols,
			DebugData:      []byte("certainly not an xz stream"),
		})
		ef, err := xdelf.Open(writeImage(t, img))
		require.NoError(t, err)
		defer ef.Close()

		_, err = ef.OpenDebugData()
		assert.ErrorIs(t, err, xdelf.ErrCorruptDebugData)
	})

	t.Run("xz of garbage", func(t *testing.T) {
		// Decompresses fine but the payload is not an ELF image.
		var compressed bytes.Buffer
		w, err := xz.NewWriter(&compressed)
		require.NoError(t, err)
		_, err = w.Write([]byte("valid xz stream, invalid inner ELF"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		img := testsupport.BuildImage(testsupport.ImageOptions{
			DynamicSymbols: testSymbols,
			DebugData:      compressed.Bytes(),
		})
		ef, err := xdelf.Open(writeImage(t, img))
		require.NoError(t, err)
		defer ef.Close()

		_, err = ef.OpenDebugData()
		assert.ErrorIs(t, err, xdelf.ErrCorruptDebugData)
	})
}
