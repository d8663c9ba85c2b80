// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/usbarmory/xhci/internal/dma"
)

// TRBsPerSegment is the number of TRB slots in a page-sized ring
// segment. In a Ring the last slot holds the segment's Link TRB; an
// EventRing segment has no Link TRB and uses every slot.
const TRBsPerSegment = 256

// segment is one page-sized, DMA-backed array of TRBs. Segments never
// move for the lifetime of a ring; all TRB reads/writes go through the
// dma package so that the bytes a real host controller would observe
// are exactly the bytes this driver reads back.
type segment struct {
	addr uint
}

func (s *segment) readTRB(idx int) TRB {
	buf := make([]byte, TRBSize)
	dma.Read(s.addr, idx*TRBSize, buf)
	return ParseTRB(buf)
}

func (s *segment) writeTRB(idx int, t TRB) {
	dma.Write(s.addr, idx*TRBSize, t.Bytes())
}

// cursor locates a TRB slot within an ordered list of segments.
type cursor struct {
	seg int
	idx int
}

// Ring is the producer/consumer circular buffer of TRBs described in
// spec.md C1. A transfer ring has exactly one producer (the scheduler)
// and one consumer (the host controller); a command ring has one
// producer (the command engine) and one consumer (the controller); an
// event ring is the consumer-only variant implemented in event.go.
type Ring struct {
	mu sync.Mutex

	segs    []*segment
	enqueue cursor
	dequeue uint64 // physical address, mirrored from completion events
	pcs     bool   // Producer Cycle State
}

// NewRing allocates a ring with a single segment and writes its
// self-pointing Link TRB, matching trb_ring.c's xhci_trb_ring_init.
func NewRing() (*Ring, error) {
	r := &Ring{pcs: true}

	seg, err := allocSegment()
	if err != nil {
		return nil, err
	}

	r.segs = []*segment{seg}
	r.linkSegment(0, true)

	// An empty ring has enqueue == dequeue (spec.md §3 "Invariant:
	// enqueue ≠ dequeue or the ring is considered empty"); both start
	// at the first slot of the first segment.
	r.dequeue = r.PhysAddr(cursor{})

	return r, nil
}

// Fini releases every segment's backing DMA allocation.
func (r *Ring) Fini() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seg := range r.segs {
		dma.Free(seg.addr)
	}

	r.segs = nil
}

func allocSegment() (*segment, error) {
	buf := make([]byte, TRBsPerSegment*TRBSize)
	addr := dma.Alloc(buf, 16)

	if addr == 0 {
		return nil, ErrOutOfMemory
	}

	return &segment{addr: addr}, nil
}

// linkSegment (re)writes the Link TRB occupying the last slot of
// segment i, pointing it at segment (i+1)%len(segs). toggle marks the
// final segment's Link TRB, whose traversal flips PCS on wrap.
func (r *Ring) linkSegment(i int, toggle bool) {
	next := r.segs[(i+1)%len(r.segs)]
	link := NewLinkTRB(uint64(next.addr), toggle)
	r.segs[i].writeTRB(TRBsPerSegment-1, link)
}

// PhysAddr returns the physical address of the TRB at a cursor.
func (r *Ring) PhysAddr(c cursor) uint64 {
	return uint64(r.segs[c.seg].addr) + uint64(c.idx*TRBSize)
}

// ReadTRB returns the TRB at a given physical address on this ring,
// used by tests that emulate the host controller's consumption side
// and need to read back what the driver enqueued.
func (r *Ring) ReadTRB(phys uint64) (TRB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seg := range r.segs {
		if phys < uint64(seg.addr) || phys >= uint64(seg.addr)+TRBsPerSegment*TRBSize {
			continue
		}

		idx := int((phys - uint64(seg.addr)) / TRBSize)
		return seg.readTRB(idx), true
	}

	return TRB{}, false
}

// Dequeue returns the ring's current dequeue pointer, as last published
// by a completion event.
func (r *Ring) Dequeue() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dequeue
}

// SetDequeue updates the ring's dequeue pointer. Per spec.md's
// resolution of the "racy ep.ring.dequeue" open question, callers must
// confine calls to the single event-dispatch goroutine.
func (r *Ring) SetDequeue(addr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dequeue = addr
}

// advance steps a cursor forward by one TRB slot, resolving Link TRBs
// transparently, and returns the new cursor with the resulting PCS
// (flipped if a Toggle Cycle Link TRB was crossed). It does not write
// anything; it is used identically by the dry run and by the replay.
func (r *Ring) advance(c cursor, pcs bool) (cursor, bool) {
	c.idx++

	if c.idx < TRBsPerSegment-1 {
		return c, pcs
	}

	// landed on (or past) the segment's Link TRB slot
	link := r.segs[c.seg].readTRB(TRBsPerSegment - 1)

	if link.ToggleCycle() {
		pcs = !pcs
	}

	c.seg = (c.seg + 1) % len(r.segs)
	c.idx = 0

	return c, pcs
}

// Enqueue places a whole TD (a contiguous, chain-bit-linked array of
// TRBs) onto the ring, or fails atomically with ErrRingFull. This is
// the dry-run-then-replay algorithm of spec.md §4.1: the enqueue
// pointer and PCS are only mutated once every TRB in the TD is known
// to fit without overtaking the dequeue pointer.
func (r *Ring) Enqueue(td []TRB) (phys uint64, err error) {
	if len(td) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.enqueue
	pcs := r.pcs

	// dry run: count the advance, including any Link TRBs traversed,
	// and fail before writing anything if the ring would fill.
	for range td {
		next, nextPCS := r.advance(c, pcs)

		if r.PhysAddr(next) == r.dequeue {
			return 0, ErrRingFull
		}

		c, pcs = next, nextPCS
	}

	// replay: write each TRB of the TD with cycle = PCS at the time it
	// occupies that slot, then follow exactly the same path taken by
	// the dry run. The Link TRB's cycle bit is (re)written only after
	// the TRB preceding it in program order is fully written, so the
	// host controller never observes a Link TRB advertising a segment
	// it should not yet follow (on weakly ordered hardware this would
	// additionally require an explicit store barrier between the two
	// writes; this emulation's sequential dma.Write calls make program
	// order and visibility order coincide).
	phys = r.PhysAddr(r.enqueue)
	c = r.enqueue
	pcs = r.pcs

	for i, trb := range td {
		trb.SetChainBit(i < len(td)-1)
		trb.SetCycle(pcs)
		r.segs[c.seg].writeTRB(c.idx, trb)

		next, nextPCS := r.advance(c, pcs)

		if next.seg != c.seg || next.idx != c.idx+1 {
			// crossed a Link TRB
			link := r.segs[c.seg].readTRB(TRBsPerSegment - 1)
			link.SetCycle(pcs)
			r.segs[c.seg].writeTRB(TRBsPerSegment-1, link)
		}

		c, pcs = next, nextPCS
	}

	r.enqueue = c
	r.pcs = pcs

	return phys, nil
}
