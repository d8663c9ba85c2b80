// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// EndpointType enumerates the transfer types a control/bulk/interrupt/
// isoch endpoint may be configured for (spec.md §3).
type EndpointType int

const (
	EndpointControl EndpointType = iota
	EndpointIsoch
	EndpointBulk
	EndpointInterrupt
)

// EndpointState is the per-endpoint state machine of spec.md §4.4.
type EndpointState int

const (
	EndpointDisabled EndpointState = iota
	EndpointRunning
	EndpointHalted
	EndpointStopped
	EndpointError
)

// Direction is the endpoint's data direction.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// Batch is a transfer request/response, the external contract of
// spec.md §6 ("Transfer batch"): direction, endpoint, buffer, optional
// setup packet, completion callback, transferred size, and error.
type Batch struct {
	Direction    Direction
	Setup        []byte // 8 bytes, non-nil for control transfers
	Buffer       []byte
	Transferred  int
	Err          error
	OnCompletion func(*Batch)

	bounceAddr uint
	td         []TRB
}

// EndpointParams carries the descriptor-derived fields of an Endpoint
// Context that only apply beyond EP0 (spec.md §6): bInterval, and the
// USB3 burst/mult/stream fields from the SuperSpeed Endpoint Companion
// Descriptor.
type EndpointParams struct {
	Interval   uint8
	MaxBurst   uint8
	Mult       uint8
	MaxStreams uint16
}

// Endpoint is the per-endpoint state of spec.md C4: one transfer ring,
// at most one active transfer, and the hardware context block mirror
// maintained in context.go.
type Endpoint struct {
	mu sync.Mutex

	DCI         uint8
	Type        EndpointType
	Dir         Direction
	MaxPacket   uint16
	MaxBurst    uint8
	Mult        uint8
	MaxStreams  uint16
	Interval    uint8

	state  EndpointState
	ring   *Ring
	active *Batch

	device *Device

	xferCount prometheus.Counter
}

// NewEndpoint allocates an endpoint's transfer ring. Exactly one
// transfer may be active on it at any time (spec.md invariant 7).
func NewEndpoint(dev *Device, dci uint8, typ EndpointType, dir Direction, maxPacket uint16) (*Endpoint, error) {
	ring, err := NewRing()
	if err != nil {
		return nil, errors.Wrap(err, "endpoint ring")
	}

	return &Endpoint{
		DCI:       dci,
		Type:      typ,
		Dir:       dir,
		MaxPacket: maxPacket,
		state:     EndpointDisabled,
		ring:      ring,
		device:    dev,
		xferCount: xferCounter.WithLabelValues(dci2label(dci)),
	}, nil
}

// contextValue builds the hardware-visible Endpoint Context for this
// endpoint's current configuration (spec.md §6), used both at EP0
// creation time (Address Device) and for later endpoints (Configure
// Endpoint).
func (e *Endpoint) contextValue() EndpointContext {
	return EndpointContext{
		EPType:     epTypeCode(e.Type, e.Dir),
		MaxPSize:   e.MaxPacket,
		MaxBurst:   e.MaxBurst,
		Mult:       e.Mult,
		Interval:   e.Interval,
		MaxStreams: uint8(e.MaxStreams),
		TRDequeue:  e.ring.PhysAddr(cursor{}) | 1,
	}
}

func dci2label(dci uint8) string {
	if dci == 1 {
		return "ep0"
	}
	return "ep"
}

// State returns the endpoint's current state machine position.
func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the endpoint's state (Configure-Endpoint, Stop-
// Endpoint, completion codes, and Reset-Endpoint are the only drivers
// of this transition per spec.md §4.4).
func (e *Endpoint) SetState(s EndpointState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Active reports whether a transfer is currently active on this
// endpoint (the active-transfer pointer is non-nil iff activated).
func (e *Endpoint) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Schedule constructs a TD for batch according to its transfer type
// (see transfer.go's buildXxxTD helpers), activates the endpoint, and
// enqueues the TD, all under the endpoint's guard. It does not ring the
// endpoint's doorbell, and no other code in this package rings a
// transfer-ring doorbell either.
func (e *Endpoint) Schedule(batch *Batch) error {
	e.mu.Lock()

	if e.active != nil {
		e.mu.Unlock()
		return ErrBusy
	}

	if e.state != EndpointRunning && e.state != EndpointDisabled {
		e.mu.Unlock()
		return errors.Wrapf(ErrHcError, "endpoint in state %d", e.state)
	}

	td, bounceAddr, err := buildTD(e, batch)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	batch.td = td
	batch.bounceAddr = bounceAddr

	if _, err := e.ring.Enqueue(td); err != nil {
		releaseBounce(bounceAddr)
		e.mu.Unlock()
		return err
	}

	e.active = batch
	e.state = EndpointRunning
	e.mu.Unlock()

	return nil
}

// AbortActive issues a best-effort Stop-Endpoint for the active
// transfer. If the transfer has already completed, this is a no-op
// (spec.md §5 "Cancellation").
func (e *Endpoint) AbortActive(ctx context.Context, cmds *CommandEngine, slot uint8) {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	if active == nil {
		return
	}

	cmds.Submit(ctx, stopEndpointCmd(slot, e.DCI))
}

// OnCompletion is invoked by the event dispatcher with a Transfer
// Event; it must only ever be called from the single event-dispatch
// goroutine (spec.md §9's resolution of the racy-dequeue open
// question). It updates the ring dequeue pointer, computes the
// residual, classifies the completion code, deactivates the endpoint,
// and finalizes the batch.
func (e *Endpoint) OnCompletion(evt TRB) {
	e.mu.Lock()
	batch := e.active
	e.mu.Unlock()

	if batch == nil {
		return
	}

	e.ring.SetDequeue(evt.Parameter)

	batch.Transferred = len(batch.Buffer) - int(evt.TransferLength())

	switch evt.CompletionCode() {
	case CompletionSuccess, CompletionShortPacket:
		batch.Err = nil
	case CompletionStallErr:
		batch.Err = errors.Wrap(ErrHcError, "stall")
		e.SetState(EndpointHalted)
	default:
		batch.Err = errors.Wrapf(ErrHcError, "completion code %d", evt.CompletionCode())
		e.SetState(EndpointHalted)
	}

	if batch.Direction == DirIn && batch.Err == nil && batch.bounceAddr != 0 {
		copyFromBounce(batch)
	}

	releaseBounce(batch.bounceAddr)

	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()

	e.xferCount.Inc()

	if batch.OnCompletion != nil {
		batch.OnCompletion(batch)
	}
}

// ResetToggle and SetToggle are unimplemented by design: for xHCI the
// host controller manages data toggles internally (spec.md §9).
func (e *Endpoint) ResetToggle() error { return ErrNotSupported }
func (e *Endpoint) SetToggle(bool) error { return ErrNotSupported }

var xferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "xhci",
	Name:      "endpoint_transfers_total",
	Help:      "Completed transfers per endpoint class.",
}, []string{"endpoint"})

func init() {
	prometheus.MustRegister(xferCounter)
}
