// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

// TestRegisterEndpointRejectsDuplicateDCI exercises invariant 6: at
// most one endpoint may be registered per DCI.
func TestRegisterEndpointRejectsDuplicateDCI(t *testing.T) {
	c := newTestController(t)

	dev := &Device{}

	ep1, err := NewEndpoint(dev, 2, EndpointBulk, DirOut, 512)
	if err != nil {
		t.Fatal(err)
	}
	defer ep1.ring.Fini()

	ep2, err := NewEndpoint(dev, 2, EndpointBulk, DirIn, 512)
	if err != nil {
		t.Fatal(err)
	}
	defer ep2.ring.Fini()

	if err := c.RegisterEndpoint(dev, 2, ep1); err != nil {
		t.Fatalf("first RegisterEndpoint: %v", err)
	}

	if err := c.RegisterEndpoint(dev, 2, ep2); !errors.Is(err, ErrBusy) {
		t.Fatalf("second RegisterEndpoint: err = %v, want ErrBusy", err)
	}

	c.UnregisterEndpoint(dev, 2)

	if err := c.RegisterEndpoint(dev, 2, ep2); err != nil {
		t.Fatalf("RegisterEndpoint after Unregister: %v", err)
	}
}

// TestScheduleBatchIssuesConfigureEndpointFirst exercises S6: a
// Set-Configuration setup packet must drive a Configure Endpoint
// command before the batch's TD is enqueued.
func TestScheduleBatchIssuesConfigureEndpointFirst(t *testing.T) {
	c := newTestController(t)

	dev, err := c.enumerate(context.Background(), 0, SpeedHigh, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	ep0 := dev.Endpoint(1)
	ep0.SetState(EndpointRunning)

	// SET_CONFIGURATION(1): bmRequestType=0x00, bRequest=0x09
	setup := []byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}

	batch := &Batch{Setup: setup}

	if err := c.ScheduleBatch(context.Background(), dev, 1, batch); err != nil {
		t.Fatalf("ScheduleBatch: %v", err)
	}

	// enumerate left Enable Slot and Address Device in command ring
	// slots 0 and 1; ScheduleBatch's command follows them.
	cmd, ok := c.cmds.ring.ReadTRB(c.cmds.ring.PhysAddr(cursor{idx: 2}))
	if !ok || cmd.Type() != TRBConfigureEP {
		t.Fatalf("command ring slot 2: type = %d, want Configure Endpoint (%d)", cmd.Type(), TRBConfigureEP)
	}

	if !ep0.Active() {
		t.Fatal("expected the control transfer to have been scheduled")
	}
}

// TestCreateEndpointAppliesParams exercises the USB3/interrupt
// descriptor fields (bInterval, burst, mult, streams) threaded through
// CreateEndpoint into the endpoint's hardware context.
func TestCreateEndpointAppliesParams(t *testing.T) {
	c := newTestController(t)

	dev, err := c.enumerate(context.Background(), 0, SpeedSuper, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	ep, err := c.CreateEndpoint(dev, 3, EndpointInterrupt, DirIn, 1024, EndpointParams{
		Interval: 4,
		MaxBurst: 2,
		Mult:     1,
	})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	defer ep.ring.Fini()

	ctx := ep.contextValue()

	if ctx.Interval != 4 || ctx.MaxBurst != 2 || ctx.Mult != 1 {
		t.Fatalf("contextValue() = %+v, want Interval=4 MaxBurst=2 Mult=1", ctx)
	}

	// Interrupt IN per epTypeCode's xHCI mapping (base 3, +4 for IN).
	if ctx.EPType != 7 {
		t.Fatalf("EPType = %d, want 7 (Interrupt In)", ctx.EPType)
	}
}

// TestScheduleBatchOfflineDeviceFails ensures a device marked offline
// (e.g. between Remove's mark-offline step and slot teardown) cannot
// have new batches scheduled against it.
func TestScheduleBatchOfflineDeviceFails(t *testing.T) {
	c := newTestController(t)

	dev, err := c.enumerate(context.Background(), 0, SpeedHigh, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	c.Offline(dev)

	err = c.ScheduleBatch(context.Background(), dev, 1, &Batch{})
	if !errors.Is(err, ErrNotPresent) {
		t.Fatalf("err = %v, want ErrNotPresent", err)
	}
}
