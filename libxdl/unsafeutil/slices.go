// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package unsafeutil converts between Go structs, slices and raw bytes for
// reading fixed-layout ELF records straight out of a file or mapped image.
package unsafeutil // import "github.com/suqiernb/xdl-go/libxdl/unsafeutil"

import "unsafe"

// FromPointer converts a Go struct pointer to []byte to read data into.
// data must be a non-nil pointer to a struct.
func FromPointer[T any](data *T) []byte {
	return unsafe.Slice(
		(*byte)(unsafe.Pointer(data)),
		int(unsafe.Sizeof(*data)),
	)
}

// FromSlice converts a Go slice to []byte to read data into.
func FromSlice[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice(
		(*byte)(unsafe.Pointer(&data[0])),
		len(data)*int(unsafe.Sizeof(data[0])),
	)
}

// ToString converts a byte slice into a string without a heap allocation.
// The byte slice and the string share the same memory, which makes the
// string mutable.
func ToString(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
