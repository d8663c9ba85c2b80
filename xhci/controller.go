// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/usbarmory/xhci/internal/dma"
)

// Config configures a Controller at Init. MMIOBase is the address at
// which the xHCI capability register block is mapped into this
// process; registers are accessed by dereferencing it directly.
type Config struct {
	MMIOBase uint
	Debug    bool
}

// Controller is the top-level object owning the DCBAA, the command and
// event engines, and the devicesBySlot/devicesByPort tables (spec.md
// §9: "Model them as fields of a long-lived controller object with a
// single owner").
type Controller struct {
	mu sync.Mutex

	cfg  Config
	regs *Registers

	cmds   *CommandEngine
	events *EventRing

	dcbaaAddr uint

	devicesBySlot map[uint8]*Device
	devicesByPort map[int]*Device

	rh *RootHub

	// portEvents signals the port monitor goroutine started by
	// StartPortMonitor. It is buffered and coalescing: a Port Status
	// Change Event only needs to guarantee "scan the ports again", not
	// deliver one signal per event (spec.md §4.6 already has the
	// monitor re-scan every port on each wakeup).
	portEvents chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func (c *Controller) debugf(format string, args ...interface{}) {
	if c.cfg.Debug {
		log.Printf("xhci: "+format, args...)
	}
}

// Init brings up the controller: reset, allocate the command and event
// rings, the DCBAA, program the operational/runtime registers, and
// start the event dispatch loop. It does not start the root hub port
// monitor; call StartPortMonitor for that.
func Init(cfg Config) (*Controller, error) {
	c := &Controller{
		cfg:           cfg,
		regs:          NewRegisters(cfg.MMIOBase),
		devicesBySlot: make(map[uint8]*Device),
		devicesByPort: make(map[int]*Device),
		portEvents:    make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}

	if !c.regs.Reset() {
		return nil, errors.Wrap(ErrTimeout, "host controller reset")
	}

	events, err := NewEventRing()
	if err != nil {
		return nil, err
	}
	c.events = events

	cmds, err := NewCommandEngine(func() {
		c.regs.RingDoorbell(0, 0)
	})
	if err != nil {
		events.Fini()
		return nil, err
	}
	c.cmds = cmds

	dcbaa := make([]byte, 8*(MaxSlots+1))
	dcbaaAddr := dma.Alloc(dcbaa, 64)
	if dcbaaAddr == 0 {
		cmds.Fini()
		events.Fini()
		return nil, ErrOutOfMemory
	}
	c.dcbaaAddr = dcbaaAddr

	c.regs.SetDCBAAP(uint64(dcbaaAddr))
	c.regs.SetCRCR(cmds.RingAddr())
	c.regs.SetConfig(c.regs.MaxSlots)
	c.regs.EnableInterrupter0(events)
	c.regs.Run()

	c.rh = newRootHub(c)

	c.wg.Add(1)
	go c.eventLoop()

	return c, nil
}

// Close stops the controller, the event dispatch loop, and releases
// the command/event rings and the DCBAA.
func (c *Controller) Close() {
	close(c.stop)
	c.wg.Wait()

	c.regs.Stop()

	c.cmds.Fini()
	c.events.Fini()
	dma.Free(c.dcbaaAddr)
}

// eventLoop is the single consumer of the event ring (spec.md §5:
// "Event ring: single consumer"). It routes Command Completion Events
// to the command engine and Transfer Events to the owning endpoint,
// and wakes the port monitor goroutine for Port Status Change Events.
//
// Port Status Change Events must never be handled inline here: the
// root-hub monitor's enumeration path (handlePortChange ->
// handleConnected -> enumerate) submits commands and blocks on their
// Command Completion Events, which this same loop is the only
// dequeuer of. Handling a port change synchronously would park
// eventLoop inside CommandEngine.Submit, starving the very dequeue
// that Submit is waiting on, and every hot-plug enumeration would
// stall until CommandTimeout.
func (c *Controller) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		evt, ok := c.events.Dequeue()
		if !ok {
			continue
		}

		switch evt.Type() {
		case TRBCommandCompEvt:
			c.cmds.Complete(evt)
		case TRBTransferEvent:
			c.dispatchTransferEvent(evt)
		case TRBPortStatusEvt:
			select {
			case c.portEvents <- struct{}{}:
			default:
			}
		default:
			c.debugf("unhandled event type %d", evt.Type())
		}

		c.regs.AckInterrupter0(c.events)
	}
}

// StartPortMonitor starts the goroutine that reacts to Port Status
// Change Events by scanning the root hub's ports and driving
// enumeration/removal. It runs independently of eventLoop so that a
// port change's command submissions never block event dispatch (see
// eventLoop's doc comment). Init does not call this itself; callers
// that want hot-plug support must call it once after Init.
func (c *Controller) StartPortMonitor() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-c.stop:
				return
			case <-c.portEvents:
				c.rh.handlePortChange(context.Background())
			}
		}
	}()
}

// SetDCBAASlot writes (or clears, with addr 0) DCBAA[slot], the
// physical address of a slot's device context (spec.md invariant 5:
// DCBAA[slot] is non-zero iff a device with that slot id is in the
// Addressed or Configured state).
func (c *Controller) SetDCBAASlot(slot uint8, addr uint64) {
	buf := make([]byte, 8)
	buf[0] = byte(addr)
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 24)
	buf[4] = byte(addr >> 32)
	buf[5] = byte(addr >> 40)
	buf[6] = byte(addr >> 48)
	buf[7] = byte(addr >> 56)
	dma.Write(c.dcbaaAddr, int(slot)*8, buf)
}

func (c *Controller) dispatchTransferEvent(evt TRB) {
	c.mu.Lock()
	dev := c.devicesBySlot[evt.SlotID()]
	c.mu.Unlock()

	if dev == nil {
		c.debugf("transfer event for unknown slot %d", evt.SlotID())
		return
	}

	ep := dev.Endpoint(evt.EndpointID())
	if ep == nil {
		c.debugf("transfer event for unknown DCI %d on slot %d", evt.EndpointID(), evt.SlotID())
		return
	}

	ep.OnCompletion(evt)
}

// DeviceBySlot returns the device registered at a slot id, or nil.
func (c *Controller) DeviceBySlot(slot uint8) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devicesBySlot[slot]
}

// DeviceByPort returns the device attached to a root-hub port, or nil.
func (c *Controller) DeviceByPort(port int) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devicesByPort[port]
}

// RootHub returns the controller's root-hub/port-monitor (C6).
func (c *Controller) RootHub() *RootHub {
	return c.rh
}
