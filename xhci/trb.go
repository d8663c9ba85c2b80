// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci implements a driver for USB 3-capable xHCI host
// controllers: the producer/consumer TRB ring protocol, the command and
// event engines, per-device slot and endpoint state, and root-hub port
// monitoring.
package xhci

import (
	"encoding/binary"

	"github.com/usbarmory/xhci/internal/bits"
)

// TRBSize is the fixed size, in bytes, of every Transfer Request Block.
const TRBSize = 16

// TRB types (control[10:15]).
const (
	TRBNormal         = 1
	TRBSetupStage     = 2
	TRBDataStage      = 3
	TRBStatusStage    = 4
	TRBIsoch          = 5
	TRBLink           = 6
	TRBEventData      = 7
	TRBNoOpTransfer   = 8
	TRBEnableSlot     = 9
	TRBDisableSlot    = 10
	TRBAddressDevice  = 11
	TRBConfigureEP    = 12
	TRBEvaluateCtx    = 13
	TRBResetEP        = 14
	TRBStopEP         = 15
	TRBSetTRDequeue   = 16
	TRBResetDevice    = 17
	TRBGetPortBW      = 21
	TRBNoOpCommand    = 23
	TRBTransferEvent  = 32
	TRBCommandCompEvt = 33
	TRBPortStatusEvt  = 34
)

// Completion codes (status[24:31] of event TRBs).
const (
	CompletionSuccess       = 1
	CompletionDataBufferErr = 2
	CompletionBabbleErr     = 3
	CompletionUSBTransErr   = 4
	CompletionTRBErr        = 5
	CompletionStallErr      = 6
	CompletionShortPacket   = 13
)

// TRB is the fixed 16-byte record that underlies every ring: transfer,
// command, and event rings all carry the same layout, with the control
// field's type tag (bits 10-15) selecting interpretation of parameter
// and status.
type TRB struct {
	// Parameter carries a physical address, an 8-byte immediate (Setup
	// Stage), or command-specific input, depending on Type().
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Cycle returns the TRB's cycle bit (control bit 0).
func (t *TRB) Cycle() bool {
	return bits.Get(&t.Control, 0)
}

// SetCycle sets or clears the cycle bit.
func (t *TRB) SetCycle(c bool) {
	bits.SetTo(&t.Control, 0, c)
}

// Type returns the TRB type tag (control bits 10-15).
func (t *TRB) Type() int {
	return int(bits.GetN(&t.Control, 10, 0x3f))
}

// SetType sets the TRB type tag.
func (t *TRB) SetType(typ int) {
	bits.SetN(&t.Control, 10, 0x3f, uint32(typ))
}

// ChainBit reports whether the chain bit (control bit 4) linking this
// TRB to the next TRB of the same TD is set.
func (t *TRB) ChainBit() bool {
	return bits.Get(&t.Control, 4)
}

// SetChainBit sets or clears the chain bit.
func (t *TRB) SetChainBit(c bool) {
	bits.SetTo(&t.Control, 4, c)
}

// IOC reports the Interrupt On Completion bit (control bit 5).
func (t *TRB) IOC() bool {
	return bits.Get(&t.Control, 5)
}

// SetIOC sets or clears the Interrupt On Completion bit.
func (t *TRB) SetIOC(c bool) {
	bits.SetTo(&t.Control, 5, c)
}

// ToggleCycle reports the Toggle Cycle bit (control bit 1), valid only
// on Link TRBs: it marks the Link TRB that wraps the ring back to its
// first segment, at which point the producer flips its cycle state.
func (t *TRB) ToggleCycle() bool {
	return bits.Get(&t.Control, 1)
}

// SetToggleCycle sets or clears the Toggle Cycle bit.
func (t *TRB) SetToggleCycle(c bool) {
	bits.SetTo(&t.Control, 1, c)
}

// CompletionCode returns the completion code of an event TRB (status
// bits 24-31).
func (t *TRB) CompletionCode() int {
	return int(bits.GetN(&t.Status, 24, 0xff))
}

// TransferLength returns the residual transfer length reported by a
// Transfer Event TRB (status bits 0-23).
func (t *TRB) TransferLength() uint32 {
	return t.Status & 0xffffff
}

// SlotID returns the slot id carried in the control field of command
// and event TRBs (control bits 24-31).
func (t *TRB) SlotID() uint8 {
	return uint8(bits.GetN(&t.Control, 24, 0xff))
}

// SetSlotID sets the slot id field.
func (t *TRB) SetSlotID(id uint8) {
	bits.SetN(&t.Control, 24, 0xff, uint32(id))
}

// EndpointID returns the DCI carried in the control field of a Transfer
// Event TRB (control bits 16-20).
func (t *TRB) EndpointID() uint8 {
	return uint8(bits.GetN(&t.Control, 16, 0x1f))
}

// SetEndpointID sets the DCI field.
func (t *TRB) SetEndpointID(dci uint8) {
	bits.SetN(&t.Control, 16, 0x1f, uint32(dci))
}

// Bytes encodes the TRB into its 16-byte little-endian wire form.
func (t *TRB) Bytes() []byte {
	buf := make([]byte, TRBSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(buf[8:12], t.Status)
	binary.LittleEndian.PutUint32(buf[12:16], t.Control)
	return buf
}

// ParseTRB decodes a 16-byte little-endian wire form into a TRB.
func ParseTRB(buf []byte) TRB {
	var t TRB
	t.Parameter = binary.LittleEndian.Uint64(buf[0:8])
	t.Status = binary.LittleEndian.Uint32(buf[8:12])
	t.Control = binary.LittleEndian.Uint32(buf[12:16])
	return t
}

// NewLinkTRB builds a Link TRB pointing at the physical address of the
// next segment.
func NewLinkTRB(next uint64, toggleCycle bool) TRB {
	t := TRB{Parameter: next}
	t.SetType(TRBLink)
	t.SetToggleCycle(toggleCycle)
	return t
}
