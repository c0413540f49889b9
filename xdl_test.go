// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdl_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xdl "github.com/suqiernb/xdl-go"
	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/locator"
	"github.com/suqiernb/xdl-go/procmod"
)

func selfExe(t *testing.T) string {
	t.Helper()
	exe, err := os.Readlink("/proc/self/exe")
	require.NoError(t, err)
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

func TestOpenSelf(t *testing.T) {
	h, err := xdl.Open(filepath.Base(selfExe(t)), xdl.OpenDefault)
	require.NoError(t, err)

	info, err := h.Info()
	require.NoError(t, err)
	assert.NotZero(t, info.Base)
	assert.NotEmpty(t, info.Segments)

	handle, err := h.Close()
	require.NoError(t, err)
	assert.Zero(t, handle, "no loader was involved, nothing to release")

	_, err = h.Info()
	assert.ErrorIs(t, err, xdl.ErrClosed)
	_, err = h.Close()
	assert.ErrorIs(t, err, xdl.ErrClosed)
}

func TestOpenNotFound(t *testing.T) {
	_, err := xdl.Open("libdoesnotexist.so", xdl.OpenDefault)
	assert.ErrorIs(t, err, locator.ErrNotFound)

	// Force-load flags without a loader behave the same.
	_, err = xdl.Open("libdoesnotexist.so", xdl.OpenTryForceLoad)
	assert.ErrorIs(t, err, locator.ErrNotFound)
	_, err = xdl.Open("libdoesnotexist.so", xdl.OpenAlwaysForceLoad)
	assert.ErrorIs(t, err, locator.ErrNotFound)
}

func TestDSymSelf(t *testing.T) {
	// The test binary carries a full symbol table; resolve a symbol that
	// is certain to exist in any Go binary and verify it lies within the
	// module's extent.
	h, err := xdl.Open(filepath.Base(selfExe(t)), xdl.OpenDefault)
	require.NoError(t, err)
	defer h.Close()

	res, err := h.DSym("runtime.main")
	require.NoError(t, err)
	assert.True(t, res.Symbol.Defined)
	assert.NotZero(t, res.Address)

	info, err := h.Info()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Address, info.Base)
}

func testAddress() libxdl.Address {
	return libxdl.Address(reflect.ValueOf(testAddress).Pointer())
}

func TestAddrInfo(t *testing.T) {
	addr := testAddress()

	res, err := xdl.AddrInfo(addr, 0, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Path)
	assert.NotZero(t, res.Base)
	assert.NotEmpty(t, res.Segments)

	// The test binary is unstripped, so the covering symbol resolves.
	assert.NotEmpty(t, res.SymbolName)
	assert.GreaterOrEqual(t, addr, res.SymbolAddress)
	assert.Equal(t, addr-res.SymbolAddress, res.Offset)
}

func TestAddrInfoNoSymbol(t *testing.T) {
	res, err := xdl.AddrInfo(testAddress(), xdl.AddrNoSymbol, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Path)
	assert.Empty(t, res.SymbolName)
	assert.Zero(t, res.SymbolAddress)
}

func TestAddrInfoNotMapped(t *testing.T) {
	_, err := xdl.AddrInfo(1, 0, nil)
	assert.ErrorIs(t, err, procmod.ErrNotMapped)
}

func TestAddrInfoWithCache(t *testing.T) {
	cache, err := xdl.NewAddrCache()
	require.NoError(t, err)
	defer cache.Close()

	addr := testAddress()
	first, err := xdl.AddrInfo(addr, 0, cache)
	require.NoError(t, err)
	second, err := xdl.AddrInfo(addr, 0, cache)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIterateModules(t *testing.T) {
	var paths []string
	err := xdl.IterateModules(procmod.FullPathNames,
		func(m *procmod.MappedModule) bool {
			paths = append(paths, m.Path)
			return true
		})
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	// The main image must be present under its true executable path.
	assert.Contains(t, paths, selfExe(t))

	// Early termination stops the walk.
	visits := 0
	err = xdl.IterateModules(0, func(*procmod.MappedModule) bool {
		visits++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visits)
}
