// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package procmod // import "github.com/suqiernb/xdl-go/procmod"

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/suqiernb/xdl-go/internal/log"
	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/xdelf"
	"github.com/suqiernb/xdl-go/platform"
)

// ErrNotMapped is returned when an address does not fall within any known
// module's segments.
var ErrNotMapped = errors.New("address not in any mapped module")

// IterateFlag adjusts enumeration behavior.
type IterateFlag uint32

const (
	// FullPathNames requests canonical full pathnames for every entry
	// instead of whatever name the underlying records carried.
	FullPathNames IterateFlag = 1 << iota

	// WithBuildIDs additionally extracts the GNU build-id of each module
	// whose image allows it. Modules without a readable note simply keep
	// an empty BuildID.
	WithBuildIDs
)

// Visitor receives one module per call. Returning false terminates the walk
// early.
type Visitor func(*MappedModule) bool

// Enumerator walks the process's complete set of mapped executable images.
// Each walk operates on an independent point-in-time snapshot; concurrent
// changes to the process module list are invisible to a walk in progress.
type Enumerator struct {
	profile *platform.Profile
}

// NewEnumerator returns an enumerator normalizing entries per the given
// platform profile. A nil profile selects the running platform's profile.
func NewEnumerator(profile *platform.Profile) *Enumerator {
	if profile == nil {
		profile = platform.Current()
	}
	return &Enumerator{profile: profile}
}

// ForEach walks every currently mapped executable module and invokes the
// visitor with each. The walk never fails outright: modules with unreadable
// metadata are skipped, modules missing only non-essential metadata are
// reported with partial fields.
func (e *Enumerator) ForEach(flags IterateFlag, visit Visitor) error {
	mods, err := e.Snapshot(flags)
	if err != nil {
		return err
	}
	for i := range mods {
		if !visit(&mods[i]) {
			break
		}
	}
	return nil
}

// Snapshot returns a fresh, independently consistent snapshot of the mapped
// modules.
func (e *Enumerator) Snapshot(flags IterateFlag) ([]MappedModule, error) {
	mapsFile, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return nil, err
	}
	if numParseErrors > 0 {
		log.Debugf("memory-map snapshot had %d unparsable records", numParseErrors)
	}

	return e.normalize(coalesceModules(mappings), flags), nil
}

// FindByAddress returns the module whose segments contain addr from a fresh
// snapshot.
func (e *Enumerator) FindByAddress(addr libxdl.Address) (*MappedModule, error) {
	mods, err := e.Snapshot(FullPathNames)
	if err != nil {
		return nil, err
	}
	for i := range mods {
		if mods[i].Contains(addr) {
			return &mods[i], nil
		}
	}
	return nil, ErrNotMapped
}

// normalize applies the per-API-level/architecture normalization rules of
// the selected platform profile and validates each entry's image header.
func (e *Enumerator) normalize(mods []MappedModule, flags IterateFlag) []MappedModule {
	exePath, exeIdent := mainImageIdentity()

	out := mods[:0]
	for i := range mods {
		m := &mods[i]

		// The main process image is reported under its true executable
		// name (app_process32/app_process64), never the application
		// package name some primitives substitute.
		if exePath != "" && m.Device == exeIdent.dev && m.Inode == exeIdent.ino {
			m.Path = exePath
		}

		if e.profile.ResolveBasenames && !strings.Contains(m.Path, "/") {
			m.Path = e.resolveBasename(m.Path)
		}
		if flags&FullPathNames != 0 {
			m.Path = canonicalPath(m.Path)
		}

		if !e.readImageHeader(m) {
			// Unreadable entries are skipped, with one exception: the
			// loader's own image is always included, even partially.
			if !e.isLinker(m) {
				log.Debugf("skipping module %s at %#x: image header not readable",
					m.Path, m.Base)
				continue
			}
		}
		if flags&WithBuildIDs != 0 {
			m.BuildID = readBuildID(m)
		}
		out = append(out, *m)
	}
	return out
}

// isLinker reports whether the module is the dynamic loader's own image.
func (e *Enumerator) isLinker(m *MappedModule) bool {
	return e.profile.IncludeLinker &&
		filepath.Base(m.Path) == e.profile.LinkerBasename
}

// resolveBasename resolves a bare filename to its full path by probing the
// profile's system library directories.
func (e *Enumerator) resolveBasename(name string) string {
	for _, dir := range e.profile.SystemLibDirs {
		full := dir + "/" + name
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}
	return name
}

// canonicalPath resolves symlinks on absolute paths; failures keep the
// original name rather than dropping the entry.
func canonicalPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

type fileIdent struct {
	dev uint64
	ino uint64
}

// mainImageIdentity resolves the true main executable path and its backing
// file identity.
func mainImageIdentity() (string, fileIdent) {
	exePath, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return "", fileIdent{}
	}
	exePath = canonicalPath(exePath)
	var st unix.Stat_t
	if err := unix.Stat(exePath, &st); err != nil {
		return "", fileIdent{}
	}
	return exePath, fileIdent{dev: st.Dev, ino: st.Ino}
}

// readIdent reads the ELF identification bytes from the module base. Only
// modules whose first segment is readable and maps the file start can serve
// this.
func (m *MappedModule) readIdent() ([]byte, bool) {
	if len(m.Segments) == 0 {
		return nil, false
	}
	first := &m.Segments[0]
	if first.Flags&elf.PF_R == 0 || first.Vaddr != m.Base || first.FileOffset != 0 {
		return nil, false
	}
	ident := make([]byte, 5)
	if _, err := xdelf.NewLiveView(uintptr(m.Base), uint64(first.Length)).
		ReadAt(ident, 0); err != nil {
		return nil, false
	}
	return ident, true
}

// readImageHeader validates the ELF magic at the module base and fills the
// ELF class. Returns false when the header is not readable or not ELF.
func (e *Enumerator) readImageHeader(m *MappedModule) bool {
	ident, ok := m.readIdent()
	if !ok {
		return false
	}
	if string(ident[0:4]) != "\x7fELF" {
		return false
	}
	m.Class = elf.Class(ident[4])
	return true
}

// readBuildID extracts the GNU build-id from the live image, tolerating
// modules without one.
func readBuildID(m *MappedModule) string {
	ef, err := xdelf.OpenLive(m.Base, m.Size())
	if err != nil {
		return ""
	}
	defer ef.Close()
	id, err := ef.GetBuildID()
	if err != nil {
		return ""
	}
	return id
}
