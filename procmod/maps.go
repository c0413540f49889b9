// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package procmod // import "github.com/suqiernb/xdl-go/procmod"

import (
	"bufio"
	"debug/elf"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/suqiernb/xdl-go/internal/log"
	"github.com/suqiernb/xdl-go/libxdl"
	"github.com/suqiernb/xdl-go/libxdl/unsafeutil"
	"github.com/suqiernb/xdl-go/stringutil"
)

// mapping is one parsed memory-map record.
type mapping struct {
	vaddr      uint64
	length     uint64
	fileOffset uint64
	device     uint64
	inode      uint64
	flags      elf.ProgFlag
	path       string
}

// mappingParseBufferSize defines the buffer size used to hold lines of the
// process memory-map file during parsing. Buffers are pooled and pre-sized
// so a walk does not depend on fresh allocations succeeding.
const mappingParseBufferSize = 8192

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, mappingParseBufferSize)
		return &buf
	},
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	return strings.TrimSuffix(path, " (deleted)")
}

// parseMappings reads memory-map records in /proc/pid/maps format. Records
// that fail to parse are counted and skipped, never fatal for the walk.
func parseMappings(mapsFile io.Reader) ([]mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]mapping, 0, 64)
	scanner := bufio.NewScanner(mapsFile)
	scanBuf := bufPool.Get().(*[]byte)
	defer bufPool.Put(scanBuf)

	scanner.Buffer(*scanBuf, mappingParseBufferSize)
	for scanner.Scan() {
		var fields [6]string
		var addrs [2]string
		var devs [2]string

		line := unsafeutil.ToString(scanner.Bytes())
		if stringutil.FieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}

		if stringutil.SplitN(fields[3], ":", devs[:]) < 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			log.Debugf("major device: failed to convert %s to uint64: %v", devs[0], err)
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			log.Debugf("minor device: failed to convert %s to uint64: %v", devs[1], err)
			numParseErrors++
			continue
		}
		device := major<<8 + minor

		var path string
		if inode == 0 {
			if fields[5] == "[vdso]" {
				// Report with a filename-looking path and synthesized
				// identity so the vdso participates in enumeration.
				path = VdsoPathName
				device = 0
			} else {
				// Anonymous mappings and pseudo-files carry no module.
				continue
			}
		} else {
			path = trimMappingPath(fields[5])
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("vaddr: failed to convert %s to uint64: %v", addrs[0], err)
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			log.Debugf("vend: failed to convert %s to uint64: %v", addrs[1], err)
			numParseErrors++
			continue
		}

		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("fileOffset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		mappings = append(mappings, mapping{
			vaddr:      vaddr,
			length:     vend - vaddr,
			flags:      flags,
			fileOffset: fileOffset,
			device:     device,
			inode:      inode,
			path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// coalesceModules correlates contiguous same-file memory-map records into
// one MappedModule each. Records arrive in ascending address order; a module
// ends where the next record names a different backing file.
func coalesceModules(mappings []mapping) []MappedModule {
	modules := make([]MappedModule, 0, 32)
	var cur *MappedModule

	for i := range mappings {
		m := &mappings[i]
		sameFile := cur != nil && cur.Path == m.path &&
			cur.Device == m.device && cur.Inode == m.inode
		// A zero file offset after the first record means the same file
		// was mapped a second time (dlopen of an already loaded object at
		// a different address): start a new module.
		if !sameFile || (m.fileOffset == 0 && len(cur.Segments) > 0) {
			modules = append(modules, MappedModule{
				Base:   libxdl.Address(m.vaddr),
				Path:   m.path,
				Device: m.device,
				Inode:  m.inode,
			})
			cur = &modules[len(modules)-1]
		}
		cur.Segments = append(cur.Segments, LoadSegment{
			Vaddr:      libxdl.Address(m.vaddr),
			FileOffset: m.fileOffset,
			Length:     m.length,
			Flags:      m.flags,
		})
		if end := libxdl.Address(m.vaddr + m.length); end > cur.End {
			cur.End = end
		}
	}

	// Only mapped executable images are modules.
	executable := modules[:0]
	for i := range modules {
		if modules[i].IsExecutable() {
			executable = append(executable, modules[i])
		}
	}
	return executable
}
