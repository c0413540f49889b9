// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package procmod_test

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/platform"
	"github.com/suqiernb/xdl-go/procmod"
)

func testFuncAddress() uintptr {
	return reflect.ValueOf(testFuncAddress).Pointer()
}

func snapshotPaths(t *testing.T, e *procmod.Enumerator) []string {
	t.Helper()
	mods, err := e.Snapshot(procmod.FullPathNames)
	require.NoError(t, err)
	paths := make([]string, 0, len(mods))
	for i := range mods {
		paths = append(paths, mods[i].Path)
	}
	sort.Strings(paths)
	return paths
}

func TestSnapshotSelf(t *testing.T) {
	e := procmod.NewEnumerator(platform.Select(0, 64))
	mods, err := e.Snapshot(procmod.FullPathNames)
	require.NoError(t, err)
	require.NotEmpty(t, mods, "the test binary itself must be enumerated")

	for i := range mods {
		m := &mods[i]
		assert.NotZero(t, m.Base)
		assert.Greater(t, m.End, m.Base)
		assert.NotEmpty(t, m.Segments)
		assert.True(t, m.IsExecutable())
	}
}

func TestSnapshotStable(t *testing.T) {
	e := procmod.NewEnumerator(platform.Select(0, 64))
	first := snapshotPaths(t, e)
	second := snapshotPaths(t, e)
	assert.Equal(t, first, second,
		"back-to-back snapshots with no process changes must agree")
}

func TestForEachEarlyStop(t *testing.T) {
	e := procmod.NewEnumerator(nil)
	visits := 0
	err := e.ForEach(0, func(*procmod.MappedModule) bool {
		visits++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, visits)
}

func TestFindByAddress(t *testing.T) {
	e := procmod.NewEnumerator(platform.Select(0, 64))

	// The address of this very test function must fall inside the main
	// image's executable mapping.
	addr := libxdl.Address(testFuncAddress())
	mod, err := e.FindByAddress(addr)
	require.NoError(t, err)
	assert.True(t, mod.Contains(addr))
	assert.NotEmpty(t, mod.Path)

	_, err = e.FindByAddress(1)
	assert.ErrorIs(t, err, procmod.ErrNotMapped)
}
