// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "testing"

// TestDeviceContextSlotRoundTrip exercises the DCBAA-addressed device
// context block of spec.md §6: a written slot context reads back
// unchanged through the DMA-backed storage.
func TestDeviceContextSlotRoundTrip(t *testing.T) {
	dc, err := NewDeviceContext(Context32)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Free()

	sc := SlotContext{
		RouteString:    0x1234,
		Speed:          4,
		ContextEntries: 3,
		RootHubPort:    2,
		TTHubSlotID:    7,
		TTPortNum:      1,
		SlotState:      2,
	}

	dc.WriteSlot(&sc)
	got := dc.ReadSlot()

	if got != sc {
		t.Fatalf("ReadSlot() = %+v, want %+v", got, sc)
	}
}

// TestDeviceContextEndpointRoundTrip exercises endpoint context storage
// at an arbitrary DCI.
func TestDeviceContextEndpointRoundTrip(t *testing.T) {
	dc, err := NewDeviceContext(Context32)
	if err != nil {
		t.Fatal(err)
	}
	defer dc.Free()

	ec := EndpointContext{
		MaxPSize:  512,
		MaxBurst:  3,
		EPType:    4,
		Interval:  8,
		TRDequeue: 0xdeadbeef00 | 1,
	}

	dc.WriteEndpoint(3, &ec)
	got := dc.ReadEndpoint(3)

	if got != ec {
		t.Fatalf("ReadEndpoint(3) = %+v, want %+v", got, ec)
	}
}

// TestInputContextOverlaysDeviceContext exercises §6's layout: an
// input context's embedded device context lives one context-size
// entry past the input control context, and the two bitmaps don't
// collide with slot/endpoint storage.
func TestInputContextOverlaysDeviceContext(t *testing.T) {
	ic, err := NewInputContext(Context32)
	if err != nil {
		t.Fatal(err)
	}
	defer ic.Free()

	ic.SetAddFlags(0x3)
	ic.SetDropFlags(0x1)

	sc := SlotContext{RouteString: 0x42, ContextEntries: 1}
	ic.WriteSlot(&sc)

	if got := ic.ReadSlot(); got != sc {
		t.Fatalf("ReadSlot() = %+v, want %+v", got, sc)
	}
}
