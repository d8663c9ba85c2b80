// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MaxSlots bounds the slot id space (1..MaxSlots): it is the largest
// value a controller's HCSPARAMS1.MaxSlots field can report.
const MaxSlots = 255

// Speed is the negotiated USB link speed, looked up via PSIV (spec.md
// §4.6, "Port speed is looked up by the port's PSIV index").
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// Device is the per-attached-device state of spec.md C5.
type Device struct {
	mu sync.Mutex

	SlotID      uint8
	Port        int
	RouteString uint32
	Tier        int
	Speed       Speed
	USB3        bool

	// TT bookkeeping: set when this device is low/full-speed behind a
	// high-speed hub (spec.md §4.5 step 1).
	TTHubSlot uint8
	TTPort    uint8

	online bool

	// dc points at the DeviceContext entries embedded inside input
	// (input.DeviceContext), at offset +csz from input's own
	// allocation base. input is retained so remove() can free the
	// whole block at its real base address rather than dc's offset
	// one (dma.Free keys on the exact Alloc base).
	dc    *DeviceContext
	input *InputContext

	eps [MaxEndpointContexts + 1]*Endpoint // index by DCI, DCI 0 unused

	activeEndpointCount int

	ctrl *Controller
}

// Online reports whether the device accepts new endpoint creation and
// new transfer submissions.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// Endpoint returns the endpoint registered at DCI, or nil.
func (d *Device) Endpoint(dci uint8) *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eps[dci]
}

// routeStringAppend derives a device's route string from its parent's,
// placing port&0xF at the nibble for the new tier (spec.md §4.5 step
// 2). tier is the new device's tier (parent tier + 1); tier 1 (devices
// directly on the root hub) carries no nibble of its own.
func routeStringAppend(parentRoute uint32, tier int, port int) uint32 {
	if tier < 2 {
		return parentRoute
	}

	shift := uint((tier - 2) * 4)
	nibble := uint32(port) & 0xf

	return parentRoute | (nibble << shift)
}

// enumerate implements spec.md §4.5 Enumerate(device): determine TT,
// derive the route string, Enable Slot, build slot+EP0 input context,
// create EP0, Address Device, register the slot. Each step pushes a
// rollback action; on any failure the ladder unwinds in reverse,
// leaking no partial state (spec.md's reverse "err_added/err_prepared/
// err_ep/err_slot" ladder, expressed here as deferred unwind funcs).
func (c *Controller) enumerate(ctx context.Context, port int, speed Speed, parent *Device, parentPort int) (dev *Device, err error) {
	var unwind []func()

	defer func() {
		if err != nil {
			for i := len(unwind) - 1; i >= 0; i-- {
				unwind[i]()
			}
		}
	}()

	dev = &Device{
		Port:  port,
		Speed: speed,
		USB3:  speed == SpeedSuper,
		ctrl:  c,
	}

	if parent != nil {
		dev.Tier = parent.Tier + 1
		dev.RouteString = routeStringAppend(parent.RouteString, dev.Tier, parentPort)

		if parent.Speed == SpeedHigh && (speed == SpeedLow || speed == SpeedFull) {
			dev.TTHubSlot = parent.SlotID
			dev.TTPort = uint8(parentPort)
		} else {
			dev.TTHubSlot = parent.TTHubSlot
			dev.TTPort = parent.TTPort
		}
	} else {
		dev.Tier = 1
	}

	evt, err := c.cmds.Submit(ctx, enableSlotCmd())
	if err != nil {
		return nil, errors.Wrap(err, "enable slot")
	}

	slot := evt.SlotID()
	dev.SlotID = slot

	unwind = append(unwind, func() {
		c.cmds.Submit(ctx, disableSlotCmd(slot))
	})

	input, err := NewInputContext(c.regs.CSZ)
	if err != nil {
		return nil, errors.Wrap(err, "input context")
	}

	unwind = append(unwind, input.Free)

	ep0, err := NewEndpoint(dev, 1, EndpointControl, DirOut, defaultMaxPacket(speed))
	if err != nil {
		return nil, errors.Wrap(err, "ep0")
	}

	unwind = append(unwind, ep0.ring.Fini)

	dev.eps[1] = ep0
	dev.activeEndpointCount = 1

	// dev is the named result and is nil by the time the unwind runs
	// after a failed return, so the closure keeps its own reference.
	owner := dev
	unwind = append(unwind, func() {
		owner.mu.Lock()
		owner.eps[1] = nil
		owner.activeEndpointCount = 0
		owner.mu.Unlock()
	})

	input.SetAddFlags((1 << 0) | (1 << 1)) // slot context + EP0
	input.WriteSlot(&SlotContext{
		RouteString:    dev.RouteString,
		Speed:          speedToPSIVClass(speed),
		ContextEntries: 1,
		RootHubPort:    uint8(port),
		TTHubSlotID:    dev.TTHubSlot,
		TTPortNum:      dev.TTPort,
	})
	ep0ctx := ep0.contextValue()
	input.WriteEndpoint(1, &ep0ctx)

	if _, err := c.cmds.Submit(ctx, addressDeviceCmd(slot, input.Addr())); err != nil {
		return nil, errors.Wrap(err, "address device")
	}

	dev.dc = input.DeviceContext
	dev.input = input
	ep0.SetState(EndpointRunning)
	c.SetDCBAASlot(slot, dev.dc.Addr())

	unwind = append(unwind, func() {
		c.SetDCBAASlot(slot, 0)
	})

	c.mu.Lock()
	if c.devicesBySlot[slot] != nil {
		c.mu.Unlock()
		return nil, errors.New("slot already occupied")
	}
	c.devicesBySlot[slot] = dev
	c.devicesByPort[port] = dev
	c.mu.Unlock()

	unwind = append(unwind, func() {
		c.mu.Lock()
		delete(c.devicesBySlot, slot)
		delete(c.devicesByPort, port)
		c.mu.Unlock()
	})

	dev.mu.Lock()
	dev.online = true
	dev.mu.Unlock()

	return dev, nil
}

func defaultMaxPacket(s Speed) uint16 {
	switch s {
	case SpeedSuper:
		return 512
	case SpeedHigh:
		return 64
	case SpeedLow:
		return 8
	default:
		return 64
	}
}

func speedToPSIVClass(s Speed) uint8 {
	switch s {
	case SpeedLow:
		return 2
	case SpeedFull:
		return 1
	case SpeedHigh:
		return 3
	case SpeedSuper:
		return 4
	default:
		return 0
	}
}

// remove implements spec.md §4.5 Remove(device): mark offline, abort
// every active transfer (best-effort), unregister endpoints, Disable
// Slot, free the device context, clear DCBAA and devicesBySlot/Port.
func (c *Controller) remove(ctx context.Context, dev *Device) {
	dev.mu.Lock()
	dev.online = false
	dev.mu.Unlock()

	for dci := 1; dci <= MaxEndpointContexts; dci++ {
		ep := dev.Endpoint(uint8(dci))
		if ep == nil {
			continue
		}

		ep.AbortActive(ctx, c.cmds, dev.SlotID)
	}

	for dci := 1; dci <= MaxEndpointContexts; dci++ {
		ep := dev.Endpoint(uint8(dci))
		if ep == nil {
			continue
		}

		ep.ring.Fini()

		dev.mu.Lock()
		dev.eps[dci] = nil
		dev.activeEndpointCount--
		dev.mu.Unlock()
	}

	c.cmds.Submit(ctx, disableSlotCmd(dev.SlotID))
	c.SetDCBAASlot(dev.SlotID, 0)

	if dev.input != nil {
		dev.input.Free()
	}

	c.mu.Lock()
	delete(c.devicesBySlot, dev.SlotID)
	delete(c.devicesByPort, dev.Port)
	c.mu.Unlock()
}
