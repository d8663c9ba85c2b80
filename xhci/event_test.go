// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "testing"

// TestEventRingDequeueOrder exercises invariant 4: a TRB is only a
// valid event once its cycle bit matches CCS, and events drain in the
// order the host controller wrote them.
func TestEventRingDequeueOrder(t *testing.T) {
	e, err := NewEventRing()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Fini()

	if _, ok := e.Dequeue(); ok {
		t.Fatal("Dequeue on an empty ring should report no event")
	}

	for i := 0; i < 3; i++ {
		trb := TRB{}
		trb.SetType(TRBTransferEvent)
		trb.SetSlotID(uint8(i + 1))
		e.WriteEvent(0, i, trb, true)
	}

	for i := 0; i < 3; i++ {
		trb, ok := e.Dequeue()
		if !ok {
			t.Fatalf("event %d: expected a valid event", i)
		}

		if trb.SlotID() != uint8(i+1) {
			t.Fatalf("event %d: slot = %d, want %d", i, trb.SlotID(), i+1)
		}
	}

	if _, ok := e.Dequeue(); ok {
		t.Fatal("Dequeue past the last written event should report no event")
	}
}

// TestEventRingWrapTogglesCCS exercises the consumer-side counterpart
// of S4: once the dequeue cursor wraps past the single segment, CCS
// flips so that TRBs written with the old cycle value are no longer
// mistaken for fresh events.
func TestEventRingWrapTogglesCCS(t *testing.T) {
	e, err := NewEventRing()
	if err != nil {
		t.Fatal(err)
	}
	defer e.Fini()

	for i := 0; i < TRBsPerSegment; i++ {
		trb := TRB{}
		trb.SetType(TRBTransferEvent)
		e.WriteEvent(0, i, trb, true)
	}

	for i := 0; i < TRBsPerSegment; i++ {
		if _, ok := e.Dequeue(); !ok {
			t.Fatalf("event %d: expected a valid event before wrap", i)
		}
	}

	if e.ccs {
		t.Fatal("expected CCS to have toggled after consuming a full segment")
	}

	// a slot written with the old (now stale) cycle value must not be
	// observed as a fresh event until CCS flips back.
	stale := TRB{}
	stale.SetType(TRBTransferEvent)
	e.WriteEvent(0, 0, stale, true)

	if _, ok := e.Dequeue(); ok {
		t.Fatal("stale-cycle TRB should not be observed as a new event")
	}
}
