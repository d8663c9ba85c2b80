// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"reflect"
	"unsafe"
)

// block is a single extent of the DMA region, either free or in use.
type block struct {
	// pointer address
	addr uint
	// buffer size
	size uint
	// distinguishes regular (Alloc/Free) from reserved (Reserve/Release)
	// blocks.
	res bool
}

func (b *block) read(off uint, buf []byte) {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, b.addr+off)
	mem := unsafe.Slice((*byte)(ptr), len(buf))

	copy(buf, mem)
}

func (b *block) write(off uint, buf []byte) {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, b.addr+off)
	mem := unsafe.Slice((*byte)(ptr), len(buf))

	copy(mem, buf)
}

func (b *block) slice() (buf []byte) {
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&buf))
	hdr.Data = uintptr(unsafe.Pointer(uintptr(b.addr)))
	hdr.Len = int(b.size)
	hdr.Cap = hdr.Len

	return
}
