// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/usbarmory/xhci/internal/dma"
)

// ERSTEntrySize is the fixed size, in bytes, of one Event Ring Segment
// Table entry: a 64-bit segment base address and a 16-bit segment TRB
// count, padded to 16 bytes.
const ERSTEntrySize = 16

// EventRing is the consumer-only ring described in spec.md C2. Its
// segments are written exclusively by the host controller; the driver
// only ever advances its own dequeue cursor and publishes it back via
// ERDP.
type EventRing struct {
	mu sync.Mutex

	segs     []*segment
	erstAddr uint
	deq      cursor
	ccs      bool // Consumer Cycle State
}

// NewEventRing allocates a single-segment event ring and its ERST,
// matching trb_ring.c's xhci_event_ring_init.
func NewEventRing() (*EventRing, error) {
	e := &EventRing{ccs: true}

	buf := make([]byte, TRBsPerSegment*TRBSize)
	addr := dma.Alloc(buf, 64*1024)

	if addr == 0 {
		return nil, ErrOutOfMemory
	}

	e.segs = []*segment{{addr: addr}}

	erst := make([]byte, ERSTEntrySize)
	erstAddr := dma.Alloc(erst, ERSTEntrySize)

	if erstAddr == 0 {
		dma.Free(addr)
		return nil, ErrOutOfMemory
	}

	e.erstAddr = erstAddr
	e.writeERSTEntry(0, addr, TRBsPerSegment)

	return e, nil
}

func (e *EventRing) writeERSTEntry(i int, segAddr uint, trbCount int) {
	buf := make([]byte, ERSTEntrySize)
	buf[0] = byte(segAddr)
	buf[1] = byte(segAddr >> 8)
	buf[2] = byte(segAddr >> 16)
	buf[3] = byte(segAddr >> 24)
	buf[4] = byte(uint64(segAddr) >> 32)
	buf[5] = byte(uint64(segAddr) >> 40)
	buf[6] = byte(uint64(segAddr) >> 48)
	buf[7] = byte(uint64(segAddr) >> 56)
	buf[8] = byte(trbCount)
	buf[9] = byte(trbCount >> 8)
	dma.Write(e.erstAddr, i*ERSTEntrySize, buf)
}

// ERSTBase returns the physical address of the ERST, published to the
// ERSTBA runtime register.
func (e *EventRing) ERSTBase() uint64 {
	return uint64(e.erstAddr)
}

// ERSTSize returns the number of ERST entries, published to ERSTSZ.
func (e *EventRing) ERSTSize() uint16 {
	return uint16(len(e.segs))
}

// DequeuePhys returns the physical address to publish to ERDP.
func (e *EventRing) DequeuePhys() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(e.segs[e.deq.seg].addr) + uint64(e.deq.idx*TRBSize)
}

// Fini releases the event ring's and ERST's DMA allocations.
func (e *EventRing) Fini() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, seg := range e.segs {
		dma.Free(seg.addr)
	}

	dma.Free(e.erstAddr)
	e.segs = nil
}

// Dequeue pops the next event off the ring, or returns false if the
// host controller has produced none since the last call (spec.md C2:
// a TRB is a valid event iff its cycle bit equals CCS).
func (e *EventRing) Dequeue() (TRB, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trb := e.segs[e.deq.seg].readTRB(e.deq.idx)

	if trb.Cycle() != e.ccs {
		return TRB{}, false
	}

	e.deq.idx++

	if e.deq.idx >= TRBsPerSegment {
		e.deq.idx = 0
		e.deq.seg++

		if e.deq.seg >= len(e.segs) {
			e.deq.seg = 0
			e.ccs = !e.ccs
		}
	}

	return trb, true
}

// WriteEvent writes a TRB directly into the event ring's backing
// memory at the given segment/slot, with its cycle bit set to the
// value the host controller would use. It exists so tests can emulate
// the host controller's side of event production without real
// hardware; production code never calls it.
func (e *EventRing) WriteEvent(seg, idx int, trb TRB, cycle bool) {
	trb.SetCycle(cycle)
	e.segs[seg].writeTRB(idx, trb)
}

// SegmentAddr returns the physical base address of event ring segment
// i, for test setup.
func (e *EventRing) SegmentAddr(i int) uint {
	return e.segs[i].addr
}
