// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package locator_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suqiernb/xdl-go/locator"
	"github.com/suqiernb/xdl-go/platform"
)

func TestMatches(t *testing.T) {
	tests := map[string]struct {
		entry string
		query string
		want  bool
	}{
		"identical paths":      {"/system/lib64/libc.so", "/system/lib64/libc.so", true},
		"basename":             {"/system/lib64/libc.so", "libc.so", true},
		"basename mismatch":    {"/system/lib64/libc.so", "libm.so", false},
		"suffix is not a path": {"/system/lib64/liblibc.so", "libc.so", false},
		"different full paths": {"/system/lib64/libc.so", "/vendor/lib64/libc.so", false},
		"partial suffix":       {"/system/lib64/libc.so", "lib64/libc.so", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, locator.Matches(tc.entry, tc.query))
		})
	}
}

func TestMatchesRealpath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "libreal.so")
	link := filepath.Join(dir, "liblink.so")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(target, link))

	// Full-path queries match through symlinks in either direction.
	assert.True(t, locator.Matches(target, link))
	assert.True(t, locator.Matches(link, target))
}

func TestLocateSelf(t *testing.T) {
	exe, err := os.Readlink("/proc/self/exe")
	require.NoError(t, err)

	loc := locator.New(locator.WithProfile(platform.Select(0, 64)))

	// The test binary locates itself both by full path and by basename.
	res, err := loc.Locate(exe)
	require.NoError(t, err)
	assert.NotZero(t, res.Module.Base)
	assert.Zero(t, res.LoaderHandle)

	byBase, err := loc.Locate(filepath.Base(exe))
	require.NoError(t, err)
	assert.Equal(t, res.Module.Base, byBase.Module.Base)
}

func TestLocateNotFound(t *testing.T) {
	loc := locator.New()
	_, err := loc.Locate("libdefinitelynotmapped.so")
	assert.ErrorIs(t, err, locator.ErrNotFound)
}

// recordingLoader fails every load and records the attempted names.
type recordingLoader struct {
	attempts []string
	handle   uintptr
	loadErr  error
	unloaded []uintptr
}

func (l *recordingLoader) Load(name string) (uintptr, error) {
	l.attempts = append(l.attempts, name)
	if l.loadErr != nil {
		return 0, l.loadErr
	}
	return l.handle, nil
}

func (l *recordingLoader) Unload(handle uintptr) error {
	l.unloaded = append(l.unloaded, handle)
	return nil
}

func TestLocateOrLoadWithoutLoader(t *testing.T) {
	loc := locator.New()
	_, err := loc.LocateOrLoad("libnotmapped.so")
	assert.ErrorIs(t, err, locator.ErrNotFound)
}

func TestLocateOrLoadRetriesQualifiedPaths(t *testing.T) {
	profile := platform.Select(28, 64)
	loader := &recordingLoader{loadErr: errors.New("dlopen failed")}
	loc := locator.New(locator.WithProfile(profile), locator.WithLoader(loader))

	_, err := loc.LocateOrLoad("libnotmapped.so")
	assert.ErrorIs(t, err, locator.ErrNotFound)

	// The bare name first, then one attempt per system library directory.
	want := []string{"libnotmapped.so"}
	for _, dir := range profile.SystemLibDirs {
		want = append(want, dir+"/libnotmapped.so")
	}
	assert.Equal(t, want, loader.attempts)
}

func TestLocateOrLoadNoRetryForFullPath(t *testing.T) {
	loader := &recordingLoader{loadErr: errors.New("dlopen failed")}
	loc := locator.New(locator.WithProfile(platform.Select(28, 64)),
		locator.WithLoader(loader))

	_, err := loc.LocateOrLoad("/vendor/lib64/libnotmapped.so")
	assert.ErrorIs(t, err, locator.ErrNotFound)
	assert.Equal(t, []string{"/vendor/lib64/libnotmapped.so"}, loader.attempts)
}

func TestLocateOrLoadUnloadsOnFailedLocate(t *testing.T) {
	// The loader claims success but nothing new shows up in the module
	// list: the reference must be released again.
	loader := &recordingLoader{handle: 0x1234}
	loc := locator.New(locator.WithProfile(platform.Select(0, 64)),
		locator.WithLoader(loader))

	_, err := loc.LocateOrLoad("libnotmapped.so")
	assert.ErrorIs(t, err, locator.ErrNotFound)
	assert.Equal(t, []uintptr{0x1234}, loader.unloaded)
}

func TestForceLoadFindsMappedModule(t *testing.T) {
	exe, err := os.Readlink("/proc/self/exe")
	require.NoError(t, err)

	loader := &recordingLoader{handle: 0x4242}
	loc := locator.New(locator.WithProfile(platform.Select(0, 64)),
		locator.WithLoader(loader))

	res, err := loc.ForceLoad(exe)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4242), res.LoaderHandle)
	assert.NotZero(t, res.Module.Base)
	assert.Empty(t, loader.unloaded)
}
