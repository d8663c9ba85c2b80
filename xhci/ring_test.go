// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"errors"
	"testing"
)

func normalTD() []TRB {
	t := TRB{}
	t.SetType(TRBNormal)
	t.SetIOC(true)
	return []TRB{t}
}

// TestRingEnqueueOrdersTRBs exercises invariant 1: every TD enqueued
// successfully is observed, in order, with the cycle bit matching PCS
// at enqueue time.
func TestRingEnqueueOrdersTRBs(t *testing.T) {
	r, err := NewRing()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Fini()

	for i := 0; i < 5; i++ {
		phys, err := r.Enqueue(normalTD())
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}

		trb, ok := r.ReadTRB(phys)
		if !ok {
			t.Fatalf("enqueue %d: TRB not readable at %#x", i, phys)
		}

		if !trb.Cycle() {
			t.Fatalf("enqueue %d: expected cycle bit set (PCS starts true)", i)
		}

		if trb.Type() != TRBNormal {
			t.Fatalf("enqueue %d: type = %d, want Normal", i, trb.Type())
		}
	}
}

// TestRingFullBeforeOvertakingDequeue exercises invariant 2 and
// boundary behavior 11: a TD that would exactly fill the ring is
// rejected with ErrRingFull, one TRB less succeeds.
func TestRingFullBeforeOvertakingDequeue(t *testing.T) {
	r, err := NewRing()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Fini()

	// One segment has TRBsPerSegment-1 non-Link slots; a ring is full
	// one enqueue before the enqueue pointer would again equal the
	// dequeue pointer, so capacity is (TRBsPerSegment-1)-1.
	capacity := TRBsPerSegment - 2

	for i := 0; i < capacity; i++ {
		if _, err := r.Enqueue(normalTD()); err != nil {
			t.Fatalf("enqueue %d should have succeeded: %v", i, err)
		}
	}

	if _, err := r.Enqueue(normalTD()); !errors.Is(err, ErrRingFull) {
		t.Fatalf("enqueue that would fill the ring: err = %v, want ErrRingFull", err)
	}
}

// TestRingWrapTogglesCycleOnce exercises S4 (ring wrap) and invariant
// 3 (cycle-bit parity): after exactly one wrap, PCS has toggled once.
func TestRingWrapTogglesCycleOnce(t *testing.T) {
	r, err := NewRing()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Fini()

	// Fill the ring to capacity (TRBsPerSegment-2, as established by
	// TestRingFullBeforeOvertakingDequeue) without crossing the Link
	// TRB yet.
	capacity := TRBsPerSegment - 2

	for i := 0; i < capacity; i++ {
		if _, err := r.Enqueue(normalTD()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// Simulate the HC draining everything produced so far: the
	// dequeue pointer catches up to the enqueue pointer, which the
	// ring represents as dequeue == enqueue (the empty-ring sentinel).
	r.SetDequeue(r.PhysAddr(r.enqueue))

	if !r.pcs {
		t.Fatal("PCS should not have toggled yet")
	}

	// One more enqueue fills the last non-Link slot and moves the
	// enqueue cursor across the Link TRB back to segment 0 slot 0,
	// toggling PCS exactly once.
	if _, err := r.Enqueue(normalTD()); err != nil {
		t.Fatalf("enqueue into the last slot: %v", err)
	}

	if r.pcs {
		t.Fatal("PCS should have toggled after crossing the Link TRB")
	}

	// The enqueue after that lands at segment 0 slot 0.
	phys, err := r.Enqueue(normalTD())
	if err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}

	trb, ok := r.ReadTRB(phys)
	if !ok {
		t.Fatal("TRB not readable after wrap")
	}

	// the ring started with PCS=true; having wrapped exactly once, the
	// freshly written TRB must carry PCS=false.
	if trb.Cycle() {
		t.Fatal("expected PCS to have toggled after wrapping once")
	}

	if want := r.PhysAddr(cursor{seg: 0, idx: 0}); phys != want {
		t.Fatalf("wrapped TRB at phys=%#x, want segment 0 slot 0 (%#x)", phys, want)
	}
}

// TestRingMultiTRBTDContiguous exercises boundary behavior 12: a
// multi-TRB TD is placed contiguously, each non-final TRB carrying the
// chain bit.
func TestRingMultiTRBTDContiguous(t *testing.T) {
	r, err := NewRing()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Fini()

	setup := TRB{}
	setup.SetType(TRBSetupStage)

	data := TRB{}
	data.SetType(TRBDataStage)

	status := TRB{}
	status.SetType(TRBStatusStage)

	phys, err := r.Enqueue([]TRB{setup, data, status})
	if err != nil {
		t.Fatal(err)
	}

	for i, wantType := range []int{TRBSetupStage, TRBDataStage, TRBStatusStage} {
		trb, ok := r.ReadTRB(phys + uint64(i*TRBSize))
		if !ok {
			t.Fatalf("TRB %d not found at expected contiguous slot", i)
		}

		if trb.Type() != wantType {
			t.Fatalf("TRB %d: type = %d, want %d", i, trb.Type(), wantType)
		}

		if i < 2 && !trb.ChainBit() {
			t.Fatalf("TRB %d: expected chain bit set", i)
		}
	}
}
