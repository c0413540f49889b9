// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// GetBuildID returns the ELF GNU build-id if present. For file backed images
// the note section is used; live images fall back to PT_NOTE segments.
func (f *File) GetBuildID() (string, error) {
	if !f.InsideLive {
		s := f.Section(".note.gnu.build-id")
		if s == nil {
			s = f.Section(".notes")
		}
		if s != nil {
			data, err := s.Data(maxBytesSmallSection)
			if err != nil {
				return "", err
			}
			return getBuildIDFromNotes(data)
		}
	}
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != elf.PT_NOTE || p.Filesz > maxBytesSmallSection {
			continue
		}
		data, err := f.segmentData(p, maxBytesSmallSection)
		if err != nil {
			continue
		}
		if id, err := getBuildIDFromNotes(data); err == nil {
			return id, nil
		}
	}
	return "", ErrNoBuildID
}

// getBuildIDFromNotes returns the build ID from ELF notes data.
func getBuildIDFromNotes(notes []byte) (string, error) {
	// 0x3 is the NT_GNU_BUILD_ID note type.
	buildID, found, err := getNoteHexString(notes, "GNU", 0x3)
	if err != nil {
		return "", fmt.Errorf("could not determine BuildID: %v", err)
	}
	if !found {
		return "", ErrNoBuildID
	}
	return buildID, nil
}

// getNoteDescBytes returns the byte contents of an ELF note from note section
// data, as described in the ELF standard in Figure 2-3.
func getNoteDescBytes(sectionBytes []byte, name string, noteType uint32) (
	noteBytes []byte, found bool, err error) {
	// The data stored inside ELF notes is made of one or multiple structs,
	// containing the following fields:
	// 	- namesz	// 32-bit, size of "name"
	// 	- descsz	// 32-bit, size of "desc"
	// 	- type		// 32-bit - 0x3 in case of a BuildID
	// 	- name		// namesz bytes, null terminated
	// 	- desc		// descsz bytes, binary data: the actual contents of the note

	// Null terminated string
	nameBytes := append([]byte(name), 0x0)
	noteTypeBytes := make([]byte, 4)

	binary.LittleEndian.PutUint32(noteTypeBytes, noteType)
	noteHeader := append(noteTypeBytes, nameBytes...) //nolint:gocritic

	// Try to find the note in the section
	idx := bytes.Index(sectionBytes, noteHeader)
	if idx == -1 {
		return nil, false, nil
	}
	if idx < 4 { // there needs to be room for descsz
		return nil, false, errors.New("could not read note data size")
	}

	idxDataStart := idx + len(noteHeader)
	idxDataStart += (4 - (idxDataStart & 3)) & 3 // data is 32bit-aligned, round up

	// read descsz and compute the last index of the note data
	dataSize := binary.LittleEndian.Uint32(sectionBytes[idx-4 : idx])
	idxDataEnd := uint64(idxDataStart) + uint64(dataSize)

	// Check sanity (84 is arbitrary, as build IDs are short)
	if idxDataEnd > uint64(len(sectionBytes)) || dataSize > 84 {
		return nil, false, fmt.Errorf(
			"non-sensical note: %d start index: %d, %v end index %d, size %d, section size %d",
			idx, idxDataStart, noteHeader, idxDataEnd, dataSize, len(sectionBytes))
	}
	return sectionBytes[idxDataStart:idxDataEnd], true, nil
}

// getNoteHexString returns the hex string contents of an ELF note.
func getNoteHexString(sectionBytes []byte, name string, noteType uint32) (
	noteHexString string, found bool, err error) {
	noteBytes, found, err := getNoteDescBytes(sectionBytes, name, noteType)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	return hex.EncodeToString(noteBytes), true, nil
}
