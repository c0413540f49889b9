// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package libxdl // import "github.com/suqiernb/xdl-go/libxdl"

import "github.com/zeebo/xxh3"

// Address represents a virtual address, or an offset within a module.
type Address uint64

// Hash32 returns a 32 bit hash of the address, suitable as a cache key.
func (addr Address) Hash32() uint32 {
	return uint32(addr.Hash())
}

// Hash returns a 64 bit hash of the address.
func (addr Address) Hash() uint64 {
	var buf [8]byte
	v := uint64(addr)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return xxh3.Hash(buf[:])
}
