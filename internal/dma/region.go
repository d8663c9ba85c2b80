// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides primitives for direct memory allocation and
// alignment. It is used throughout the xhci package to obtain
// addresses for host-controller-visible shared memory structures
// (rings, contexts, the DCBAA, the ERST) without ever passing Go
// pointers across the driver/hardware boundary.
package dma

import (
	"container/list"
	"sync"
)

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	start uint
	size  uint

	freeBlocks *list.List
	usedBlocks map[uint]*block
}

var dma *Region

// Init initializes a memory region for DMA buffer allocation. The caller
// must guarantee that the passed memory range is never otherwise used
// by the Go runtime or the host controller.
func (r *Region) Init(start uint, size uint) {
	b := &block{
		addr: start,
		size: size,
	}

	r.Lock()
	defer r.Unlock()

	r.start = start
	r.size = size
	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(b)
	r.usedBlocks = make(map[uint]*block)
}

// Start returns the DMA region start address.
func (r *Region) Start() uint {
	return r.start
}

// End returns the DMA region end address.
func (r *Region) End() uint {
	return r.start + r.size
}

// Size returns the DMA region size.
func (r *Region) Size() uint {
	return r.size
}

// Reserve allocates a slice of bytes for DMA purposes, by placing its data
// within the DMA region, with optional alignment. It returns the slice
// along with its data allocation address. The buffer can be freed up with
// Release().
func (r *Region) Reserve(size int, align int) (addr uint, buf []byte) {
	if size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint(size), uint(align))
	b.res = true

	r.usedBlocks[b.addr] = b

	return b.addr, b.slice()
}

// Reserved returns whether a slice of bytes is allocated within the DMA
// region, used to determine whether a buffer was previously obtained from
// this package with Reserve().
func (r *Region) Reserved(buf []byte) (res bool, addr uint) {
	if len(buf) == 0 {
		return false, 0
	}

	ptr := sliceAddr(buf)
	res = ptr >= r.start && ptr+uint(len(buf)) <= r.start+r.size

	return res, ptr
}

// Alloc reserves a memory region for DMA purposes, copying over a buffer
// and returning its allocation address, with optional alignment. The
// region can be freed up with Free().
func (r *Region) Alloc(buf []byte, align int) (addr uint) {
	size := len(buf)

	if size == 0 {
		return 0
	}

	if res, addr := r.Reserved(buf); res {
		return addr
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint(size), uint(align))
	b.write(0, buf)

	r.usedBlocks[b.addr] = b

	return b.addr
}

// Read reads exactly len(buf) bytes from a memory region address into buf.
// The region must have been previously allocated with Alloc() or Reserve().
func (r *Region) Read(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	if res, _ := r.Reserved(buf); res {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		panic("dma: read of unallocated pointer")
	}

	if uint(off+size) > b.size {
		panic("dma: invalid read parameters")
	}

	b.read(uint(off), buf)
}

// Write writes buffer contents to a memory region address, the region must
// have been previously allocated with Alloc().
func (r *Region) Write(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if uint(off+size) > b.size {
		panic("dma: invalid write parameters")
	}

	b.write(uint(off), buf)
}

// Free frees the memory region stored at the passed address, the region
// must have been previously allocated with Alloc().
func (r *Region) Free(addr uint) {
	r.freeBlock(addr, false)
}

// Release frees the memory region stored at the passed address, the
// region must have been previously allocated with Reserve().
func (r *Region) Release(addr uint) {
	r.freeBlock(addr, true)
}

func (r *Region) defrag() {
	var prevBlock *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prevBlock != nil {
			if prevBlock.addr+prevBlock.size == b.addr {
				prevBlock.size += b.size
				defer r.freeBlocks.Remove(e)
				continue
			}
		}

		prevBlock = e.Value.(*block)
	}
}

func (r *Region) alloc(size uint, align uint) *block {
	var e *list.Element
	var freeBlock *block
	var pad uint

	if align == 0 {
		// force word alignment
		align = 4
	}

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)

		if b.size >= size+pad {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		panic("dma: out of memory")
	}

	defer r.freeBlocks.Remove(e)

	if rem := freeBlock.size - (size + pad); rem != 0 {
		newBlockAfter := &block{
			addr: freeBlock.addr + pad + size,
			size: rem,
		}

		freeBlock.size = size + pad
		r.freeBlocks.InsertAfter(newBlockAfter, e)
	}

	if pad != 0 {
		newBlockBefore := &block{
			addr: freeBlock.addr,
			size: pad,
		}

		freeBlock.addr += pad
		freeBlock.size -= pad
		r.freeBlocks.InsertBefore(newBlockBefore, e)
	}

	return freeBlock
}

func (r *Region) free(usedBlock *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > usedBlock.addr {
			r.freeBlocks.InsertBefore(usedBlock, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(usedBlock)
	r.defrag()
}

func (r *Region) freeBlock(addr uint, res bool) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, addr)
}
