// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"github.com/pkg/errors"

	"github.com/usbarmory/xhci/internal/dma"
)

// buildTD constructs the TD for batch according to the endpoint's
// transfer type (spec.md §4.7) and, for OUT transfers, copies the
// caller's data into a driver-owned bounce buffer the hardware DMAs
// from/into. It returns the TD and the bounce buffer's physical
// address (0 if none was needed).
func buildTD(ep *Endpoint, batch *Batch) ([]TRB, uint, error) {
	switch ep.Type {
	case EndpointControl:
		return buildControlTD(batch)
	case EndpointBulk, EndpointInterrupt:
		return buildBulkTD(batch)
	case EndpointIsoch:
		return nil, 0, ErrNotSupported
	default:
		return nil, 0, ErrNotSupported
	}
}

// allocBounce reserves a bounce buffer sized to hold buf, copying OUT
// data in immediately; IN buffers are left zeroed for the hardware to
// fill.
func allocBounce(batch *Batch) (addr uint, err error) {
	if len(batch.Buffer) == 0 {
		return 0, nil
	}

	bounce := make([]byte, len(batch.Buffer))

	if batch.Direction == DirOut {
		copy(bounce, batch.Buffer)
	}

	addr = dma.Alloc(bounce, 0)

	if addr == 0 {
		return 0, ErrOutOfMemory
	}

	return addr, nil
}

func releaseBounce(addr uint) {
	if addr != 0 {
		dma.Free(addr)
	}
}

func copyFromBounce(batch *Batch) {
	if batch.bounceAddr == 0 {
		return
	}

	n := batch.Transferred
	if n > len(batch.Buffer) {
		n = len(batch.Buffer)
	}

	dma.Read(batch.bounceAddr, 0, batch.Buffer[:n])
}

// setupTransferType returns the Transfer Type field (TRT) of the Setup
// Stage TRB: 0 = no data stage, 2 = OUT data stage, 3 = IN data stage.
func setupTransferType(batch *Batch) uint32 {
	if len(batch.Buffer) == 0 {
		return 0
	}

	if batch.Direction == DirIn {
		return 3
	}

	return 2
}

// buildControlTD builds the Setup/Data/Status sequence of spec.md
// §4.7: Setup Stage (IDT=1, 8-byte immediate, TRT from direction and
// wLength), optional Data Stage (buffer address, length, direction),
// Status Stage (IOC=1, direction opposite to data).
func buildControlTD(batch *Batch) ([]TRB, uint, error) {
	if len(batch.Setup) != 8 {
		return nil, 0, errors.Wrap(ErrNotSupported, "control transfer without an 8-byte setup packet")
	}

	var td []TRB

	setup := TRB{}
	setup.SetType(TRBSetupStage)
	setup.SetChainBit(true)
	// IDT (Immediate Data, control bit 6): the setup packet is carried
	// directly in Parameter rather than as a DMA pointer.
	setup.Control |= 1 << 6
	setup.Parameter = parseSetupPacket(batch.Setup)
	setup.Status = uint32(len(batch.Setup))
	setTRT(&setup, setupTransferType(batch))

	td = append(td, setup)

	bounceAddr, err := allocBounce(batch)
	if err != nil {
		return nil, 0, err
	}

	if len(batch.Buffer) > 0 {
		data := TRB{Parameter: uint64(bounceAddr)}
		data.SetType(TRBDataStage)
		data.SetChainBit(true)
		data.Status = uint32(len(batch.Buffer))

		if batch.Direction == DirIn {
			data.Control |= 1 << 16 // DIR = IN
		}

		td = append(td, data)
	}

	status := TRB{}
	status.SetType(TRBStatusStage)
	status.SetIOC(true)

	// status stage direction is opposite of the data stage; with no
	// data stage it is IN (per xHCI, status is always IN for a
	// no-data control transfer in this driver's usage).
	if batch.Direction == DirOut || len(batch.Buffer) == 0 {
		status.Control |= 1 << 16 // DIR = IN
	}

	td = append(td, status)

	return td, bounceAddr, nil
}

// buildBulkTD builds a single Normal TRB TD (spec.md §4.7: one Normal
// TRB per TD for Bulk and Interrupt transfers).
func buildBulkTD(batch *Batch) ([]TRB, uint, error) {
	bounceAddr, err := allocBounce(batch)
	if err != nil {
		return nil, 0, err
	}

	normal := TRB{Parameter: uint64(bounceAddr)}
	normal.SetType(TRBNormal)
	normal.SetIOC(true)
	normal.Status = uint32(len(batch.Buffer))

	return []TRB{normal}, bounceAddr, nil
}

func setTRT(t *TRB, trt uint32) {
	t.Control = (t.Control &^ (0x3 << 16)) | ((trt & 0x3) << 16)
}

func parseSetupPacket(setup []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(setup); i++ {
		v |= uint64(setup[i]) << (8 * i)
	}
	return v
}
