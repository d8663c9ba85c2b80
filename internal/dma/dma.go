// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"unsafe"
)

// sliceAddr returns the start address of a byte slice's backing array.
func sliceAddr(buf []byte) uint {
	return uint(uintptr(unsafe.Pointer(&buf[0])))
}

// Init initializes the global DMA region, the caller must guarantee that
// the passed memory range is never used by anything other than this
// package for the lifetime of the controller.
func Init(start uint, size uint) {
	dma = &Region{}
	dma.Init(start, size)
}

// InitPinned initializes the global DMA region over a freshly allocated,
// GC-pinned Go byte slice standing in for a physically addressed window
// of memory. This is how the controller and its tests run host-side,
// where there is no bare-metal RAM window to hand to Init(): Go's
// current (non-moving) heap allocator makes treating a pinned slice's
// backing array as a stable "physical" address safe in practice, exactly
// as tamago's board support packages do by carving out a RAM window for
// runtime.ramStart/ramSize.
func InitPinned(size uint) (region []byte) {
	region = make([]byte, size)
	Init(sliceAddr(region), size)
	return
}

// Default returns the global DMA region instance.
func Default() *Region {
	return dma
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved is the equivalent of Region.Reserved() on the global DMA region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write() on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint) {
	dma.Release(addr)
}
