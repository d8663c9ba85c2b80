// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"testing"
	"time"

	"github.com/usbarmory/xhci/internal/dma"
)

// newTestController builds a Controller whose command engine is backed
// by a fake host controller goroutine that replies Success to every
// doorbell ring, enough to exercise the slot/endpoint bookkeeping of
// enumerate/remove without real MMIO registers.
func newTestController(t *testing.T) *Controller {
	t.Helper()

	c := &Controller{
		regs:          &Registers{CSZ: Context32, MaxSlots: MaxSlots, MaxPorts: 1},
		devicesBySlot: make(map[uint8]*Device),
		devicesByPort: make(map[int]*Device),
	}

	dcbaa := make([]byte, 8*(MaxSlots+1))
	dcbaaAddr := dma.Alloc(dcbaa, 64)
	if dcbaaAddr == 0 {
		t.Fatal("failed to allocate DCBAA")
	}
	c.dcbaaAddr = dcbaaAddr

	cmds, err := NewCommandEngine(func() {})
	if err != nil {
		t.Fatal(err)
	}
	c.cmds = cmds
	t.Cleanup(cmds.Fini)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	var nextSlot uint8 = 1

	cmds.doorbell = func() {
		go func() {
			time.Sleep(time.Millisecond)

			cmds.pendMu.Lock()
			cmd := cmds.pending
			cmds.pendMu.Unlock()

			if cmd == nil {
				return
			}

			evt := TRB{}
			evt.SetType(TRBCommandCompEvt)
			evt.Status = uint32(CompletionSuccess) << 24

			if cmd.trb.Type() == TRBEnableSlot {
				evt.SetSlotID(nextSlot)
				nextSlot++
			} else {
				evt.SetSlotID(cmd.trb.SlotID())
			}

			cmds.Complete(evt)
		}()
	}

	return c
}

// TestEnumerateRegistersDeviceAndEndpoint0 exercises spec.md §4.5's
// happy path: a successful enumeration leaves the device online, with
// EP0 running and the slot/port tables populated.
func TestEnumerateRegistersDeviceAndEndpoint0(t *testing.T) {
	c := newTestController(t)

	dev, err := c.enumerate(context.Background(), 0, SpeedSuper, nil, 0)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	if !dev.Online() {
		t.Fatal("device should be online after enumerate")
	}

	ep0 := dev.Endpoint(1)
	if ep0 == nil {
		t.Fatal("EP0 should be registered")
	}

	if ep0.State() != EndpointRunning {
		t.Fatalf("EP0 state = %d, want Running", ep0.State())
	}

	if c.DeviceBySlot(dev.SlotID) != dev {
		t.Fatal("device not registered in devicesBySlot")
	}

	if c.DeviceByPort(0) != dev {
		t.Fatal("device not registered in devicesByPort")
	}
}

// TestRemoveUnregistersDevice exercises the teardown half of C5: after
// remove, the device no longer appears in either lookup table and its
// endpoints are cleared.
func TestRemoveUnregistersDevice(t *testing.T) {
	c := newTestController(t)

	dev, err := c.enumerate(context.Background(), 1, SpeedHigh, nil, 0)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}

	c.remove(context.Background(), dev)

	if c.DeviceBySlot(dev.SlotID) != nil {
		t.Fatal("device should no longer be registered by slot after remove")
	}

	if c.DeviceByPort(1) != nil {
		t.Fatal("device should no longer be registered by port after remove")
	}

	if dev.Online() {
		t.Fatal("device should be offline after remove")
	}

	if dev.Endpoint(1) != nil {
		t.Fatal("EP0 should be cleared after remove")
	}
}

// TestRouteStringAppend exercises spec.md §4.5 step 2's route string
// derivation across tiers.
func TestRouteStringAppend(t *testing.T) {
	cases := []struct {
		parent uint32
		tier   int
		port   int
		want   uint32
	}{
		{parent: 0, tier: 1, port: 3, want: 0},       // root-hub-direct device carries no nibble
		{parent: 0, tier: 2, port: 3, want: 0x3},      // first hub tier: port in the low nibble
		{parent: 0x3, tier: 3, port: 5, want: 0x53},  // second hub tier: next nibble up
	}

	for i, tc := range cases {
		got := routeStringAppend(tc.parent, tc.tier, tc.port)
		if got != tc.want {
			t.Fatalf("case %d: routeStringAppend(%#x, %d, %d) = %#x, want %#x", i, tc.parent, tc.tier, tc.port, got, tc.want)
		}
	}
}
