// Copyright The xdl-go Authors
// SPDX-License-Identifier: Apache-2.0

package xdelf // import "github.com/suqiernb/xdl-go/libxdl/xdelf"

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/suqiernb/xdl-go/libxdl/readatbuf"
)

// fileView is a read-only memory mapped view of an on-disk file.
type fileView struct {
	data []byte
}

func (v *fileView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *fileView) Close() error {
	if v.data == nil {
		return nil
	}
	data := v.data
	v.data = nil
	return unix.Munmap(data)
}

// openFileView opens the named file read-only and returns a byte-addressable
// view over it. The view is mmap backed when possible; short or unmappable
// files fall back to page-buffered reads. The returned closer releases the
// mapping and the descriptor on every path.
func openFileView(name string) (io.ReaderAt, io.Closer, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	size := st.Size()
	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size),
			unix.PROT_READ, unix.MAP_PRIVATE)
		if err == nil {
			// The mapping survives the descriptor.
			f.Close()
			fv := &fileView{data: data}
			return fv, fv, nil
		}
	}

	// Wrap in a cacher as ELF parsing does many short reads.
	buffered, err := readatbuf.New(f, 1024, 4)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return buffered, f, nil
}

// liveView is a byte-addressable view into an already mapped image of the
// current process, without copying. Offset 0 corresponds to the module's
// load base.
type liveView struct {
	base uintptr
	size uint64
}

// NewLiveView returns a reader over [base, base+size) of the current
// process's address space.
func NewLiveView(base uintptr, size uint64) io.ReaderAt {
	return &liveView{base: base, size: size}
}

func (v *liveView) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= v.size {
		return 0, io.EOF
	}
	avail := v.size - uint64(off)
	n := len(p)
	if uint64(n) > avail {
		n = int(avail)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(v.base+uintptr(off))), n)
	copy(p, src)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *liveView) String() string {
	return fmt.Sprintf("liveView{%#x, %d}", v.base, v.size)
}
