// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"

	"github.com/pkg/errors"
)

// BusOps is the capability set a USB class driver layered above this
// controller consumes (spec.md §6 "External upper-layer contracts
// consumed"). original_source/bus.c exposes the same operations as a
// function-pointer vtable (xhci_bus_ops); SPEC_FULL models it as a Go
// interface instead (spec.md §9: "model this as a capability set over
// the bus abstraction... multiple controller families can share the
// bus contract without inheritance").
type BusOps interface {
	EnumerateDevice(ctx context.Context, port int, speed Speed) (*Device, error)
	RemoveDevice(ctx context.Context, dev *Device)
	Online(dev *Device) error
	Offline(dev *Device) error

	CreateEndpoint(dev *Device, dci uint8, typ EndpointType, dir Direction, maxPacket uint16, params EndpointParams) (*Endpoint, error)
	DestroyEndpoint(dev *Device, dci uint8)
	RegisterEndpoint(dev *Device, dci uint8, ep *Endpoint) error
	UnregisterEndpoint(dev *Device, dci uint8)
	FindEndpoint(dev *Device, dci uint8) (*Endpoint, error)

	RequestAddress(ctx context.Context, port int, speed Speed) (*Device, error)
	ReleaseAddress(ctx context.Context, dev *Device)

	ScheduleBatch(ctx context.Context, dev *Device, dci uint8, batch *Batch) error
}

var _ BusOps = (*Controller)(nil)

// EnumerateDevice implements BusOps by calling into the Device/Slot
// Manager's enumerate algorithm directly (used by tests and by callers
// that already know a port's speed, bypassing the root-hub monitor).
func (c *Controller) EnumerateDevice(ctx context.Context, port int, speed Speed) (*Device, error) {
	return c.enumerate(ctx, port, speed, nil, port)
}

// RemoveDevice implements BusOps.
func (c *Controller) RemoveDevice(ctx context.Context, dev *Device) {
	c.remove(ctx, dev)
}

// Online marks a device online, allowing new endpoint creation and
// transfer submission (spec.md §4.5, driven by Configure-Device).
func (c *Controller) Online(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.online = true
	return nil
}

// Offline marks a device offline (driven by Deconfigure-Device).
func (c *Controller) Offline(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.online = false
	return nil
}

// CreateEndpoint allocates a new endpoint (ring + state), used at
// Set-Configuration/Set-Interface time for endpoints other than EP0.
// params carries the descriptor fields (bInterval, wMaxPacketSize's
// burst/mult for USB3, stream support) that only apply beyond EP0.
func (c *Controller) CreateEndpoint(dev *Device, dci uint8, typ EndpointType, dir Direction, maxPacket uint16, params EndpointParams) (*Endpoint, error) {
	if !dev.Online() {
		return nil, errors.Wrap(ErrNotPresent, "device offline")
	}

	ep, err := NewEndpoint(dev, dci, typ, dir, maxPacket)
	if err != nil {
		return nil, err
	}

	ep.MaxBurst = params.MaxBurst
	ep.Mult = params.Mult
	ep.Interval = params.Interval
	ep.MaxStreams = params.MaxStreams

	return ep, nil
}

// DestroyEndpoint releases the ring of the endpoint registered at dci.
// It does not unregister the endpoint, and does nothing if no endpoint
// is registered there, so it must be called before UnregisterEndpoint.
func (c *Controller) DestroyEndpoint(dev *Device, dci uint8) {
	ep := dev.Endpoint(dci)
	if ep == nil {
		return
	}

	ep.ring.Fini()
}

// RegisterEndpoint installs ep at dev's DCI slot, enforcing spec.md
// invariant 6: at most one endpoint per device per DCI is non-null.
func (c *Controller) RegisterEndpoint(dev *Device, dci uint8, ep *Endpoint) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.eps[dci] != nil {
		return errors.Wrap(ErrBusy, "DCI already registered")
	}

	dev.eps[dci] = ep
	dev.activeEndpointCount++

	return nil
}

// UnregisterEndpoint removes an endpoint from dev's DCI slot,
// decrementing activeEndpointCount (spec.md invariant 6).
func (c *Controller) UnregisterEndpoint(dev *Device, dci uint8) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.eps[dci] == nil {
		return
	}

	dev.eps[dci] = nil
	dev.activeEndpointCount--
}

// FindEndpoint looks up an endpoint by DCI, or ErrNotPresent.
func (c *Controller) FindEndpoint(dev *Device, dci uint8) (*Endpoint, error) {
	ep := dev.Endpoint(dci)
	if ep == nil {
		return nil, ErrNotPresent
	}
	return ep, nil
}

// RequestAddress is not supported beyond the controller's own default-
// address enumeration sequence: spec.md §7 lists "address request !=
// default" under NotSupported.
func (c *Controller) RequestAddress(ctx context.Context, port int, speed Speed) (*Device, error) {
	return nil, errors.Wrap(ErrNotSupported, "non-default address request")
}

// ReleaseAddress is a synonym for RemoveDevice at the bus-contract
// level.
func (c *Controller) ReleaseAddress(ctx context.Context, dev *Device) {
	c.remove(ctx, dev)
}

// ScheduleBatch implements BusOps: it looks up the endpoint and
// schedules the batch on it (spec.md §4.7: a Set-Configuration or
// Set-Interface setup packet requires a Configure Endpoint command
// before the TD is enqueued, S6).
func (c *Controller) ScheduleBatch(ctx context.Context, dev *Device, dci uint8, batch *Batch) error {
	if !dev.Online() {
		return errors.Wrap(ErrNotPresent, "device offline")
	}

	ep, err := c.FindEndpoint(dev, dci)
	if err != nil {
		return err
	}

	if configureEndpointNeeded(batch) {
		input, err := NewInputContext(c.regs.CSZ)
		if err != nil {
			return err
		}
		defer input.Free()

		sc := dev.dc.ReadSlot()
		if int(sc.ContextEntries) < int(dci) {
			sc.ContextEntries = dci
		}

		input.SetAddFlags((1 << 0) | (1 << dci))
		input.WriteSlot(&sc)

		epCtx := ep.contextValue()
		input.WriteEndpoint(int(dci), &epCtx)

		if _, err := c.cmds.Submit(ctx, configureEndpointCmd(dev.SlotID, input.Addr())); err != nil {
			return err
		}
	}

	return ep.Schedule(batch)
}

// configureEndpointNeeded mirrors original_source/transfers.c's
// configure_endpoint_needed: true for Set-Configuration and
// Set-Interface setup packets.
func configureEndpointNeeded(batch *Batch) bool {
	if len(batch.Setup) != 8 {
		return false
	}

	bRequest := batch.Setup[1]

	return bRequest == 0x09 || bRequest == 0x0b // SET_CONFIGURATION, SET_INTERFACE
}
