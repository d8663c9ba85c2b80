// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"

	"github.com/usbarmory/xhci/internal/dma"
)

// ContextSize is the size, in bytes, of one Slot/Endpoint/Input context
// entry. It is 32 bytes normally, or 64 bytes when HCCPARAMS.CSZ is set
// (spec.md §6).
type ContextSize int

const (
	Context32 ContextSize = 32
	Context64 ContextSize = 64
)

// MaxEndpointContexts is the number of endpoint context slots following
// the slot context in a device context (DCI 1..31).
const MaxEndpointContexts = 31

// SlotContext mirrors the xHCI Slot Context fields this driver needs.
type SlotContext struct {
	RouteString    uint32 // 20 bits
	Speed          uint8
	ContextEntries uint8 // highest valid DCI
	RootHubPort    uint8
	NumPorts       uint8
	TTHubSlotID    uint8
	TTPortNum      uint8
	SlotState      uint8 // 0=Disabled/Enabled, 1=Default, 2=Addressed, 3=Configured
}

// EndpointContext mirrors the xHCI Endpoint Context fields this driver
// needs.
type EndpointContext struct {
	EPState    uint8 // 0=Disabled,1=Running,2=Halted,3=Stopped,4=Error
	MaxPSize   uint16
	MaxBurst   uint8
	EPType     uint8
	Interval   uint8
	MaxStreams uint8
	Mult       uint8
	TRDequeue  uint64 // ring dequeue pointer | DCS bit
}

// encodeSlotContext writes sc into a ContextSize-byte buffer at buf[0:].
func encodeSlotContext(buf []byte, sc *SlotContext) {
	var w0, w1, w2, w3 uint32

	w0 |= sc.RouteString & 0xfffff
	w0 |= uint32(sc.Speed&0xf) << 20
	w0 |= uint32(sc.ContextEntries&0x1f) << 27

	w1 |= uint32(sc.RootHubPort) << 16
	w1 |= uint32(sc.NumPorts) << 24

	w2 |= uint32(sc.TTHubSlotID) << 0
	w2 |= uint32(sc.TTPortNum) << 8

	w3 |= uint32(sc.SlotState&0x1f) << 27

	binary.LittleEndian.PutUint32(buf[0:4], w0)
	binary.LittleEndian.PutUint32(buf[4:8], w1)
	binary.LittleEndian.PutUint32(buf[8:12], w2)
	binary.LittleEndian.PutUint32(buf[12:16], w3)
}

func decodeSlotContext(buf []byte) SlotContext {
	w0 := binary.LittleEndian.Uint32(buf[0:4])
	w1 := binary.LittleEndian.Uint32(buf[4:8])
	w2 := binary.LittleEndian.Uint32(buf[8:12])
	w3 := binary.LittleEndian.Uint32(buf[12:16])

	return SlotContext{
		RouteString:    w0 & 0xfffff,
		Speed:          uint8((w0 >> 20) & 0xf),
		ContextEntries: uint8((w0 >> 27) & 0x1f),
		RootHubPort:    uint8((w1 >> 16) & 0xff),
		NumPorts:       uint8((w1 >> 24) & 0xff),
		TTHubSlotID:    uint8(w2 & 0xff),
		TTPortNum:      uint8((w2 >> 8) & 0xff),
		SlotState:      uint8((w3 >> 27) & 0x1f),
	}
}

// encodeEndpointContext writes ec into a ContextSize-byte buffer.
func encodeEndpointContext(buf []byte, ec *EndpointContext) {
	var w0, w1 uint32

	w0 |= uint32(ec.EPState & 0x7)
	w0 |= uint32(ec.Mult&0x3) << 8
	w0 |= uint32(ec.MaxStreams&0x1f) << 10
	w0 |= uint32(ec.Interval) << 16

	w1 |= uint32(ec.EPType&0x7) << 3
	w1 |= uint32(ec.MaxBurst) << 8
	w1 |= uint32(ec.MaxPSize) << 16

	binary.LittleEndian.PutUint32(buf[0:4], w0)
	binary.LittleEndian.PutUint32(buf[4:8], w1)
	binary.LittleEndian.PutUint64(buf[8:16], ec.TRDequeue)
}

func decodeEndpointContext(buf []byte) EndpointContext {
	w0 := binary.LittleEndian.Uint32(buf[0:4])
	w1 := binary.LittleEndian.Uint32(buf[4:8])
	trd := binary.LittleEndian.Uint64(buf[8:16])

	return EndpointContext{
		EPState:    uint8(w0 & 0x7),
		Mult:       uint8((w0 >> 8) & 0x3),
		MaxStreams: uint8((w0 >> 10) & 0x1f),
		Interval:   uint8((w0 >> 16) & 0xff),
		EPType:     uint8((w1 >> 3) & 0x7),
		MaxBurst:   uint8((w1 >> 8) & 0xff),
		MaxPSize:   uint16((w1 >> 16) & 0xffff),
		TRDequeue:  trd,
	}
}

// epTypeCode maps an endpoint's type and direction to the xHCI
// Endpoint Type field (spec.md §6): 4 is Control (bidirectional); the
// other six values distinguish Isoch/Bulk/Interrupt by direction.
func epTypeCode(typ EndpointType, dir Direction) uint8 {
	if typ == EndpointControl {
		return 4
	}

	var base uint8
	switch typ {
	case EndpointIsoch:
		base = 1
	case EndpointBulk:
		base = 2
	case EndpointInterrupt:
		base = 3
	}

	if dir == DirIn {
		base += 4
	}

	return base
}

// DeviceContext is the HC-visible block addressed by DCBAA[slot]: a
// Slot Context followed by up to 31 Endpoint Contexts (spec.md §3, §6).
type DeviceContext struct {
	addr uint
	size ContextSize
	// base is the DMA allocation holding this context (addr itself,
	// or the enclosing InputContext's address).
	base uint
}

// NewDeviceContext allocates a zeroed device context block sized for
// csz (32 or 64 bytes per entry, 32 entries total: slot + 31 EPs).
func NewDeviceContext(csz ContextSize) (*DeviceContext, error) {
	buf := make([]byte, int(csz)*(MaxEndpointContexts+1))
	addr := dma.Alloc(buf, 64)

	if addr == 0 {
		return nil, ErrOutOfMemory
	}

	return &DeviceContext{addr: addr, size: csz, base: addr}, nil
}

// Addr returns the device context's physical address, as stored in
// DCBAA[slot].
func (d *DeviceContext) Addr() uint64 {
	return uint64(d.addr)
}

// Free releases the device context's DMA allocation.
func (d *DeviceContext) Free() {
	dma.Free(d.addr)
}

func (d *DeviceContext) entryOffset(dci int) int {
	return int(d.addr-d.base) + dci*int(d.size)
}

// WriteSlot writes the slot context (DCI 0).
func (d *DeviceContext) WriteSlot(sc *SlotContext) {
	buf := make([]byte, d.size)
	encodeSlotContext(buf, sc)
	dma.Write(d.base, d.entryOffset(0), buf)
}

// ReadSlot reads back the slot context.
func (d *DeviceContext) ReadSlot() SlotContext {
	buf := make([]byte, d.size)
	dma.Read(d.base, d.entryOffset(0), buf)
	return decodeSlotContext(buf)
}

// WriteEndpoint writes the endpoint context at the given DCI (1..31).
func (d *DeviceContext) WriteEndpoint(dci int, ec *EndpointContext) {
	buf := make([]byte, d.size)
	encodeEndpointContext(buf, ec)
	dma.Write(d.base, d.entryOffset(dci), buf)
}

// ReadEndpoint reads back the endpoint context at the given DCI.
func (d *DeviceContext) ReadEndpoint(dci int) EndpointContext {
	buf := make([]byte, d.size)
	dma.Read(d.base, d.entryOffset(dci), buf)
	return decodeEndpointContext(buf)
}

// InputContext wraps a device context with the Input Control Context
// that precedes it, used by Address/Configure/Evaluate-Context
// commands (one extra context-sized entry: Add/Drop Context flags).
type InputContext struct {
	addr uint
	size ContextSize
	*DeviceContext
}

// NewInputContext allocates an input context: one Input Control
// Context entry followed by the device context entries.
func NewInputContext(csz ContextSize) (*InputContext, error) {
	total := int(csz) * (MaxEndpointContexts + 2)
	buf := make([]byte, total)
	addr := dma.Alloc(buf, 64)

	if addr == 0 {
		return nil, ErrOutOfMemory
	}

	dc := &DeviceContext{addr: addr + uint(csz), size: csz, base: addr}

	return &InputContext{addr: addr, size: csz, DeviceContext: dc}, nil
}

// Addr returns the input context's physical address, the parameter of
// Address/Configure/Evaluate-Context commands.
func (i *InputContext) Addr() uint64 {
	return uint64(i.addr)
}

// Free releases the input context's DMA allocation (covers both the
// control entry and the trailing device context).
func (i *InputContext) Free() {
	dma.Free(i.addr)
}

// SetAddFlags writes the Input Control Context's Add Context bitmap
// (bit N set = context entry N is affected by this command).
func (i *InputContext) SetAddFlags(mask uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, mask)
	dma.Write(i.addr, 4, buf)
}

// SetDropFlags writes the Input Control Context's Drop Context bitmap.
func (i *InputContext) SetDropFlags(mask uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, mask)
	dma.Write(i.addr, 0, buf)
}
