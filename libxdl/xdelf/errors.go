// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import "errors"

// ErrNotELF is returned when the file is not an ELF.
var ErrNotELF = errors.New("not an ELF file")

// ErrUnsupportedArch is returned for ELF classes outside the supported set
// (32/64-bit little-endian ARM and x86).
var ErrUnsupportedArch = errors.New("unsupported ELF architecture")

// ErrTruncated is returned when the file is shorter than its own declared
// header extents.
var ErrTruncated = errors.New("truncated ELF file")

// ErrNoDebugData is returned when the module carries no .gnu_debugdata
// section. This is a normal, common case and not a failure.
var ErrNoDebugData = errors.New("no compressed debug data")

// ErrCorruptDebugData is returned when the .gnu_debugdata payload fails to
// decompress or its inner ELF fails to parse. It never fails a containing
// lookup; it only removes the debug table from consideration.
var ErrCorruptDebugData = errors.New("corrupt compressed debug data")

// ErrNoBuildID is returned when the module carries no build-id note.
var ErrNoBuildID = errors.New("no build ID")
