// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"testing"
	"unsafe"

	"github.com/usbarmory/xhci/internal/reg"
)

// fakeOpRegsPages keeps every page allocated by fakeOpRegs reachable
// for the process lifetime, the same non-moving-heap assumption
// internal/dma.InitPinned relies on to stand in for physically
// addressed memory in hosted tests.
var fakeOpRegsPages [][]byte

// fakeOpRegs backs a Registers' operational register block with a
// pinned Go byte slice.
func fakeOpRegs(t *testing.T, numPorts int) *Registers {
	t.Helper()

	size := int(PORTSC_BASE) + numPorts*int(PORT_STRIDE)
	page := make([]byte, size)
	fakeOpRegsPages = append(fakeOpRegsPages, page)
	addr := uint(uintptr(unsafe.Pointer(&page[0])))

	return &Registers{opBase: addr, CSZ: Context32, MaxSlots: MaxSlots, MaxPorts: uint32(numPorts)}
}

// TestHandlePortChangeEnumeratesUSB3Connect exercises S4/boundary
// behavior 13: a Port Status Change Event with CSC set for a connected
// USB3 port at link state 0 drives enumeration directly (no reset
// round-trip).
func TestHandlePortChangeEnumeratesUSB3Connect(t *testing.T) {
	c := newTestController(t)
	c.regs = fakeOpRegs(t, 1)
	c.rh = newRootHub(c)

	portAddr := c.regs.portBase(0) + PORTSC_OFF
	val := uint32(1<<PORTSC_CCS) | (4 << PORTSC_SPEED) | (1 << PORTSC_CSC)
	reg.Write(portAddr, val)

	c.rh.handlePortChange(context.Background())

	dev := c.DeviceByPort(0)
	if dev == nil {
		t.Fatal("expected a device to be enumerated on port 0")
	}

	if dev.Speed != SpeedSuper {
		t.Fatalf("dev.Speed = %v, want SpeedSuper", dev.Speed)
	}
}

// TestHandlePortChangeUSB2DefersToReset exercises the two-phase USB2
// path: CSC alone does not enumerate a USB2 port, only the deferred
// PRC event does.
func TestHandlePortChangeUSB2DefersToReset(t *testing.T) {
	c := newTestController(t)
	c.regs = fakeOpRegs(t, 1)
	c.rh = newRootHub(c)

	portAddr := c.regs.portBase(0) + PORTSC_OFF

	// PSIV 3 = High speed (USB2) in the default PSIV table.
	connect := uint32(1<<PORTSC_CCS) | (3 << PORTSC_SPEED) | (1 << PORTSC_CSC)
	reg.Write(portAddr, connect)

	c.rh.handlePortChange(context.Background())

	if c.DeviceByPort(0) != nil {
		t.Fatal("USB2 port should not enumerate before its reset completes")
	}

	c.rh.mu.Lock()
	pending := c.rh.pendingReset[0]
	c.rh.mu.Unlock()

	if !pending {
		t.Fatal("expected port 0 to be marked pending reset")
	}

	// simulate the reset completing: CCS still set, PRC now set.
	resetDone := uint32(1<<PORTSC_CCS) | (3 << PORTSC_SPEED) | (1 << PORTSC_PRC)
	reg.Write(portAddr, resetDone)

	c.rh.handlePortChange(context.Background())

	if c.DeviceByPort(0) == nil {
		t.Fatal("expected enumeration to complete after the deferred reset event")
	}
}

// TestHandlePortChangeDisconnect exercises S5: a disconnect removes the
// device registered on that port.
func TestHandlePortChangeDisconnect(t *testing.T) {
	c := newTestController(t)
	c.regs = fakeOpRegs(t, 1)
	c.rh = newRootHub(c)

	dev, err := c.enumerate(context.Background(), 0, SpeedSuper, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	portAddr := c.regs.portBase(0) + PORTSC_OFF
	disconnect := uint32(1 << PORTSC_CSC) // CCS now 0: no longer connected
	reg.Write(portAddr, disconnect)

	c.rh.handlePortChange(context.Background())

	if c.DeviceBySlot(dev.SlotID) != nil {
		t.Fatal("device should have been removed on disconnect")
	}
}
