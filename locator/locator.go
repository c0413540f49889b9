// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package locator finds loaded modules by name, bypassing the loader's
// namespace restrictions: matching runs against the process's own mapped
// image list, so system-internal libraries invisible to a normal lookup are
// found all the same. A pluggable Loader lets callers opt into force-loading
// modules that are not mapped yet.
package locator // import "github.com/suqiernb/xdl-go/locator"

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/suqiernb/xdl-go/internal/log"
	"github.com/suqiernb/xdl-go/platform"
	"github.com/suqiernb/xdl-go/procmod"
)

// ErrNotFound is returned when no loaded module matches the query and no
// load attempt could satisfy it.
var ErrNotFound = errors.New("module not found")

// Loader loads a module into the process by pathname or basename. The
// returned handle is owned by the caller of the locator and is released
// through it when the located module is closed.
type Loader interface {
	Load(name string) (handle uintptr, err error)
	Unload(handle uintptr) error
}

// Matches reports whether a mapped entry pathname satisfies the query. A
// query carrying a '/' must match the full pathname, either literally or
// after symlink resolution of both sides. A bare filename query matches the
// entry's basename.
func Matches(entryPath, query string) bool {
	if entryPath == query {
		return true
	}
	if !strings.Contains(query, "/") {
		return strings.HasSuffix(entryPath, "/"+query) ||
			filepath.Base(entryPath) == query
	}
	entryReal, err1 := filepath.EvalSymlinks(entryPath)
	queryReal, err2 := filepath.EvalSymlinks(query)
	return err1 == nil && err2 == nil && entryReal == queryReal
}

// Locator finds modules in the current process.
type Locator struct {
	enum    *procmod.Enumerator
	profile *platform.Profile
	loader  Loader
}

// Option configures a Locator.
type Option func(*Locator)

// WithLoader installs a loader for force-load requests. Without one, a query
// for an unmapped module reports ErrNotFound regardless of flags.
func WithLoader(l Loader) Option {
	return func(loc *Locator) { loc.loader = l }
}

// WithProfile overrides the platform profile, primarily for tests.
func WithProfile(p *platform.Profile) Option {
	return func(loc *Locator) {
		loc.profile = p
		loc.enum = procmod.NewEnumerator(p)
	}
}

// New creates a locator over the running process.
func New(opts ...Option) *Locator {
	loc := &Locator{
		profile: platform.Current(),
	}
	loc.enum = procmod.NewEnumerator(loc.profile)
	for _, opt := range opts {
		opt(loc)
	}
	return loc
}

// Result describes one located module.
type Result struct {
	Module *procmod.MappedModule
	// LoaderHandle is non-zero when the locator had to load the module
	// itself. Ownership transfers to the caller.
	LoaderHandle uintptr
}

// find scans a fresh snapshot for the first module matching the query.
func (loc *Locator) find(query string) (*procmod.MappedModule, error) {
	var found *procmod.MappedModule
	err := loc.enum.ForEach(procmod.FullPathNames, func(m *procmod.MappedModule) bool {
		if Matches(m.Path, query) {
			found = m
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Locate finds the named module among the currently mapped images. The query
// may be a full pathname or a bare filename.
func (loc *Locator) Locate(query string) (*Result, error) {
	mod, err := loc.find(query)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, ErrNotFound
	}
	return &Result{Module: mod}, nil
}

// LocateOrLoad finds the named module, loading it through the configured
// loader when it is not mapped yet. A bare filename that the loader rejects
// is retried with fully qualified pathnames from the platform's system
// library directories, oldest quirk of the platform loader: some versions
// refuse basename loads of system-internal libraries while accepting the
// full path.
func (loc *Locator) LocateOrLoad(query string) (*Result, error) {
	if res, err := loc.Locate(query); err == nil || !errors.Is(err, ErrNotFound) {
		return res, err
	}
	if loc.loader == nil {
		return nil, ErrNotFound
	}

	handle, err := loc.loadWithRetry(query)
	if err != nil {
		return nil, err
	}

	mod, err := loc.find(query)
	if err == nil && mod == nil {
		err = ErrNotFound
	}
	if err != nil {
		// Loaded but not locatable: do not leak the loader reference.
		if uerr := loc.loader.Unload(handle); uerr != nil {
			log.Warnf("unloading %s after failed locate: %v", query, uerr)
		}
		return nil, err
	}
	return &Result{Module: mod, LoaderHandle: handle}, nil
}

// ForceLoad always delegates to the loader, even when the module is mapped
// already, so the caller ends up holding its own loader reference. The
// located module is the freshly loaded (or reference-bumped) image.
func (loc *Locator) ForceLoad(query string) (*Result, error) {
	if loc.loader == nil {
		return nil, ErrNotFound
	}
	handle, err := loc.loadWithRetry(query)
	if err != nil {
		return nil, err
	}
	mod, err := loc.find(query)
	if err == nil && mod == nil {
		err = ErrNotFound
	}
	if err != nil {
		if uerr := loc.loader.Unload(handle); uerr != nil {
			log.Warnf("unloading %s after failed locate: %v", query, uerr)
		}
		return nil, err
	}
	return &Result{Module: mod, LoaderHandle: handle}, nil
}

func (loc *Locator) loadWithRetry(query string) (uintptr, error) {
	handle, err := loc.loader.Load(query)
	if err == nil {
		return handle, nil
	}
	if strings.Contains(query, "/") {
		return 0, ErrNotFound
	}
	for _, dir := range loc.profile.SystemLibDirs {
		if handle, rerr := loc.loader.Load(dir + "/" + query); rerr == nil {
			return handle, nil
		}
	}
	return 0, ErrNotFound
}
