// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"sync"
)

// PSIVEntry maps a Protocol Speed ID to a concrete speed, populated
// from the HC's Supported Protocol capability structures (spec.md
// §4.6). A minimal USB 2/3 table is built in; controllers with
// nonstandard PSIVs can override it with SetPSIVTable.
type PSIVEntry struct {
	PSIV  uint8
	Speed Speed
	USB3  bool
}

var defaultPSIVTable = []PSIVEntry{
	{PSIV: 1, Speed: SpeedFull, USB3: false},
	{PSIV: 2, Speed: SpeedLow, USB3: false},
	{PSIV: 3, Speed: SpeedHigh, USB3: false},
	{PSIV: 4, Speed: SpeedSuper, USB3: true},
}

// RootHub is the port monitor of spec.md C6: it reads PORTSC, reacts
// to connect/disconnect/reset/link-state changes, and drives C5
// enumeration.
type RootHub struct {
	mu sync.Mutex

	ctrl      *Controller
	psivTable []PSIVEntry

	// pendingReset records USB2 ports that were reset and are awaiting
	// the deferred PRC event before enumeration proceeds (the
	// two-phase USB2 handling of original_source/rh.c's
	// handle_connected_device, restored in SPEC_FULL).
	pendingReset map[int]bool
}

func newRootHub(c *Controller) *RootHub {
	return &RootHub{
		ctrl:         c,
		psivTable:    defaultPSIVTable,
		pendingReset: make(map[int]bool),
	}
}

// NumPorts returns the root hub's port count, as reported by the
// controller's HCSPARAMS1 capability register.
func (rh *RootHub) NumPorts() int {
	return int(rh.ctrl.regs.MaxPorts)
}

// SetPSIVTable overrides the PSIV-to-speed lookup table built from a
// controller's Supported Protocol capabilities.
func (rh *RootHub) SetPSIVTable(t []PSIVEntry) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.psivTable = t
}

func (rh *RootHub) lookupSpeed(psiv uint8) (Speed, bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	for _, e := range rh.psivTable {
		if e.PSIV == psiv {
			return e.Speed, e.USB3
		}
	}

	return SpeedUnknown, false
}

// AvailableBandwidth issues a Get Port Bandwidth command for a slot and
// returns the reported value (original_source/rh.c's
// get_hub_available_bandwidth, supplemented per SPEC_FULL to back a
// diagnostics query).
func (rh *RootHub) AvailableBandwidth(ctx context.Context, slot uint8) (uint32, error) {
	evt, err := rh.ctrl.cmds.Submit(ctx, getPortBandwidthCmd(slot))
	if err != nil {
		return 0, err
	}

	return uint32(evt.Parameter), nil
}

// handlePortChange scans every root-hub port and acknowledges every
// change bit found, per spec.md §4.6 ("on every Port Status Change
// Event... the monitor scans all ports because one event may coalesce
// multiple changes") and testable boundary behavior 13.
func (rh *RootHub) handlePortChange(ctx context.Context) {
	regs := rh.ctrl.regs

	for port := 0; port < int(regs.MaxPorts); port++ {
		portsc := regs.PORTSC(port)
		changes := portsc & PORTChangeMask

		if changes == 0 {
			continue
		}

		regs.AckPortChanges(port)

		if changes&(1<<PORTSC_CSC) != 0 {
			rh.handleConnectChange(ctx, port, portsc)
		}

		if changes&(1<<PORTSC_PRC) != 0 {
			rh.handlePortResetChange(ctx, port)
		}
	}
}

func (rh *RootHub) handleConnectChange(ctx context.Context, port int, portsc uint32) {
	connected := portsc&(1<<PORTSC_CCS) != 0

	if !connected {
		rh.handleDisconnected(ctx, port)
		return
	}

	rh.handleConnected(ctx, port, portsc)
}

// handleConnected implements original_source/rh.c's
// handle_connected_device: USB3 ports at link-state 0 enumerate
// directly; link-state 5 is an enable failure; USB2 ports must be
// reset first, with enumeration deferred to the PRC event.
func (rh *RootHub) handleConnected(ctx context.Context, port int, portsc uint32) {
	psiv := uint8((portsc >> PORTSC_SPEED) & 0xf)
	speed, usb3 := rh.lookupSpeed(psiv)

	if usb3 {
		linkState := (portsc >> PORTSC_PLS) & 0xf

		switch linkState {
		case 0:
			if _, err := rh.ctrl.enumerate(ctx, port, speed, nil, port); err != nil {
				rh.ctrl.debugf("port %d: enumerate failed: %v", port, err)
			}
		case 5:
			rh.ctrl.debugf("port %d: USB3 port couldn't be enabled (link state 5)", port)
		default:
			rh.ctrl.debugf("port %d: unexpected USB3 link state %d", port, linkState)
		}

		return
	}

	rh.mu.Lock()
	rh.pendingReset[port] = true
	rh.mu.Unlock()

	rh.ctrl.regs.SetPortReset(port)
}

// handlePortResetChange completes the deferred USB2 enumeration begun
// by handleConnected.
func (rh *RootHub) handlePortResetChange(ctx context.Context, port int) {
	rh.mu.Lock()
	pending := rh.pendingReset[port]
	delete(rh.pendingReset, port)
	rh.mu.Unlock()

	if !pending {
		return
	}

	portsc := rh.ctrl.regs.PORTSC(port)

	if portsc&(1<<PORTSC_CCS) == 0 {
		return
	}

	psiv := uint8((portsc >> PORTSC_SPEED) & 0xf)
	speed, _ := rh.lookupSpeed(psiv)

	if _, err := rh.ctrl.enumerate(ctx, port, speed, nil, port); err != nil {
		rh.ctrl.debugf("port %d: enumerate failed after reset: %v", port, err)
	}
}

// handleDisconnected implements original_source/rh.c's
// handle_disconnected_device via the C5 remove path.
func (rh *RootHub) handleDisconnected(ctx context.Context, port int) {
	dev := rh.ctrl.DeviceByPort(port)
	if dev == nil {
		return
	}

	rh.ctrl.remove(ctx, dev)
}
