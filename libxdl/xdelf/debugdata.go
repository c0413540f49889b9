// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// DebugDataSectionName is the section holding the compressed MiniDebugInfo
// payload: an XZ stream whose decompressed bytes form a complete miniature
// ELF image carrying only a symbol table and its string table.
const DebugDataSectionName = ".gnu_debugdata"

// HasDebugData reports whether the image carries a compressed debug data
// section.
func (f *File) HasDebugData() bool {
	return f.Section(DebugDataSectionName) != nil
}

// OpenDebugData decompresses the embedded debug data and parses it into a
// secondary in-memory ELF image. Returns ErrNoDebugData when the section is
// absent (a normal, common case) and ErrCorruptDebugData when decompression
// or inner ELF parsing fails.
func (f *File) OpenDebugData() (*File, error) {
	sec := f.Section(DebugDataSectionName)
	if sec == nil {
		return nil, ErrNoDebugData
	}
	data, err := sec.Data(maxBytesDebugData)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w",
			DebugDataSectionName, err, ErrCorruptDebugData)
	}

	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w",
			DebugDataSectionName, err, ErrCorruptDebugData)
	}
	var uncompressed bytes.Buffer
	if _, err := io.Copy(&uncompressed, io.LimitReader(reader, maxBytesDebugData)); err != nil {
		return nil, fmt.Errorf("decompressing %s: %v: %w",
			DebugDataSectionName, err, ErrCorruptDebugData)
	}

	inner, err := NewFile(bytes.NewReader(uncompressed.Bytes()), 0)
	if err != nil {
		return nil, fmt.Errorf("parsing inner debug ELF: %v: %w",
			err, ErrCorruptDebugData)
	}
	return inner, nil
}
