// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// CommandTimeout bounds how long a submitted command waits for its
// completion event before the host controller is considered degraded.
const CommandTimeout = 5 * time.Second

// command is an outstanding command descriptor: its input TRB, and the
// slot into which the matching completion event is delivered.
type command struct {
	trb  TRB
	done chan TRB
}

// CommandEngine serializes commands onto the command ring and routes
// completion events from the event consumer back to their caller
// (spec.md C3). Only one command may be in flight at a time; concurrent
// callers queue on mu.
type CommandEngine struct {
	mu      sync.Mutex
	ring    *Ring
	doorbell func()
	limiter *rate.Limiter

	pending *command
	pendMu  sync.Mutex
}

// NewCommandEngine builds a command engine over a freshly allocated
// command ring. ringDoorbell rings the slot 0 / EP 0 doorbell.
func NewCommandEngine(ringDoorbell func()) (*CommandEngine, error) {
	ring, err := NewRing()
	if err != nil {
		return nil, errors.Wrap(err, "command ring")
	}

	return &CommandEngine{
		ring:     ring,
		doorbell: ringDoorbell,
		// RingFull is retried at a bounded rate rather than spinning:
		// at most 50 resubmissions/second, bursting up to 5.
		limiter: rate.NewLimiter(rate.Limit(50), 5),
	}, nil
}

// RingAddr returns the address of the command ring's first TRB slot
// (segment 0, slot 0), used to program CRCR at controller init.
func (c *CommandEngine) RingAddr() uint64 {
	return c.ring.PhysAddr(cursor{})
}

// Submit enqueues a command TRB and blocks until the event consumer
// delivers the matching Command Completion Event, a timeout elapses,
// or ctx is canceled. RingFull is retried with a rate-limited backoff
// (the command ring only ever holds one outstanding command, so a full
// ring indicates the previous command has not yet drained).
func (c *CommandEngine) Submit(ctx context.Context, trb TRB) (TRB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := &command{trb: trb, done: make(chan TRB, 1)}

	var phys uint64
	var err error

	for {
		phys, err = c.ring.Enqueue([]TRB{trb})
		if err == nil {
			break
		}

		if !errors.Is(err, ErrRingFull) {
			return TRB{}, err
		}

		if werr := c.limiter.Wait(ctx); werr != nil {
			return TRB{}, werr
		}
	}

	c.pendMu.Lock()
	c.pending = cmd
	c.pendMu.Unlock()

	c.doorbell()

	timer := time.NewTimer(CommandTimeout)
	defer timer.Stop()

	select {
	case evt := <-cmd.done:
		if evt.CompletionCode() != CompletionSuccess {
			return evt, errors.Wrapf(ErrHcError, "command at %#x: completion code %d", phys, evt.CompletionCode())
		}
		return evt, nil
	case <-timer.C:
		return TRB{}, ErrTimeout
	case <-ctx.Done():
		return TRB{}, ctx.Err()
	}
}

// Complete is called by the event consumer with a Command Completion
// Event; it moves the command ring's dequeue pointer to the completed
// command TRB and wakes the blocked Submit call, if any.
func (c *CommandEngine) Complete(evt TRB) {
	c.ring.SetDequeue(evt.Parameter)

	c.pendMu.Lock()
	cmd := c.pending
	c.pending = nil
	c.pendMu.Unlock()

	if cmd == nil {
		return
	}

	cmd.done <- evt
}

// Fini releases the command ring.
func (c *CommandEngine) Fini() {
	c.ring.Fini()
}

// Convenience constructors for the commands the core issues (spec.md
// §4.3's "Commands used by the core").

func enableSlotCmd() TRB {
	t := TRB{}
	t.SetType(TRBEnableSlot)
	return t
}

func disableSlotCmd(slot uint8) TRB {
	t := TRB{}
	t.SetType(TRBDisableSlot)
	t.SetSlotID(slot)
	return t
}

func addressDeviceCmd(slot uint8, inputCtxAddr uint64) TRB {
	t := TRB{Parameter: inputCtxAddr}
	t.SetType(TRBAddressDevice)
	t.SetSlotID(slot)
	return t
}

func configureEndpointCmd(slot uint8, inputCtxAddr uint64) TRB {
	t := TRB{Parameter: inputCtxAddr}
	t.SetType(TRBConfigureEP)
	t.SetSlotID(slot)
	return t
}

func evaluateContextCmd(slot uint8, inputCtxAddr uint64) TRB {
	t := TRB{Parameter: inputCtxAddr}
	t.SetType(TRBEvaluateCtx)
	t.SetSlotID(slot)
	return t
}

func stopEndpointCmd(slot uint8, dci uint8) TRB {
	t := TRB{}
	t.SetType(TRBStopEP)
	t.SetSlotID(slot)
	t.SetEndpointID(dci)
	return t
}

func resetEndpointCmd(slot uint8, dci uint8) TRB {
	t := TRB{}
	t.SetType(TRBResetEP)
	t.SetSlotID(slot)
	t.SetEndpointID(dci)
	return t
}

func setTRDequeuePointerCmd(slot uint8, dci uint8, addr uint64, dcs bool) TRB {
	param := addr &^ 1
	if dcs {
		param |= 1
	}

	t := TRB{Parameter: param}
	t.SetType(TRBSetTRDequeue)
	t.SetSlotID(slot)
	t.SetEndpointID(dci)
	return t
}

func getPortBandwidthCmd(slot uint8) TRB {
	t := TRB{}
	t.SetType(TRBGetPortBW)
	t.SetSlotID(slot)
	return t
}

func noOpCommandTRB() TRB {
	t := TRB{}
	t.SetType(TRBNoOpCommand)
	return t
}
