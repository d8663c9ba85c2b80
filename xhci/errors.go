// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/pkg/errors"

// Sentinel errors forming the driver's error taxonomy. Callers compare
// against these with errors.Is; internal call sites attach context with
// errors.Wrap so the sentinel survives unwrapping.
var (
	// ErrOutOfMemory is returned when a DMA or ordinary allocation fails.
	ErrOutOfMemory = errors.New("xhci: out of memory")

	// ErrRingFull is returned by a TRB ring enqueue that would overtake
	// the dequeue pointer. The caller may retry after ring progress.
	ErrRingFull = errors.New("xhci: ring full")

	// ErrBusy is returned when an endpoint already has an active transfer.
	ErrBusy = errors.New("xhci: endpoint busy")

	// ErrHcError is returned when a command or transfer completes with a
	// non-success completion code.
	ErrHcError = errors.New("xhci: host controller error")

	// ErrLinkInvalid is returned when a USB3 port is found in an
	// unexpected link state during enumeration.
	ErrLinkInvalid = errors.New("xhci: invalid link state")

	// ErrNotSupported is returned for isochronous transfers, non-default
	// address requests, stream operations, and toggle get/set.
	ErrNotSupported = errors.New("xhci: not supported")

	// ErrTimeout is returned when a command does not complete within
	// the bounded interval; the controller is considered degraded.
	ErrTimeout = errors.New("xhci: command timeout")

	// ErrNotPresent is returned on a slot or endpoint lookup miss.
	ErrNotPresent = errors.New("xhci: not present")
)
