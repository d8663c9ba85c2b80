// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"time"

	"github.com/usbarmory/xhci/internal/reg"
)

// Capability register offsets from the MMIO base (xHCI 1.2 §5.3).
const (
	CAPLENGTH  = 0x00
	HCIVERSION = 0x02
	HCSPARAMS1 = 0x04
	HCSPARAMS2 = 0x08
	HCSPARAMS3 = 0x0c
	HCCPARAMS1 = 0x10
	DBOFF      = 0x14
	RTSOFF     = 0x18
	HCCPARAMS2 = 0x1c

	// HCSPARAMS1 fields
	HCSPARAMS1_MAXSLOTS = 0
	HCSPARAMS1_MAXINTRS = 8
	HCSPARAMS1_MAXPORTS = 24

	// HCCPARAMS1 fields
	HCCPARAMS1_AC64 = 0
	HCCPARAMS1_CSZ  = 2
)

// Operational register offsets, relative to (cap_base + CAPLENGTH),
// xHCI 1.2 §5.4.
const (
	USBCMD  = 0x00
	USBSTS  = 0x04
	PAGESIZE = 0x08
	DNCTRL  = 0x14
	CRCR    = 0x18 // 64-bit
	DCBAAP  = 0x30 // 64-bit
	CONFIG  = 0x38

	// first port register block
	PORTSC_BASE = 0x400
	PORT_STRIDE = 0x10

	PORTSC_OFF     = 0x0
	PORTPMSC_OFF   = 0x4
	PORTLI_OFF     = 0x8
	PORTHLPMC_OFF  = 0xc

	// USBCMD bits
	USBCMD_RS    = 0 // Run/Stop
	USBCMD_HCRST = 1 // Host Controller Reset
	USBCMD_INTE  = 2 // Interrupter Enable

	// USBSTS bits
	USBSTS_HCH  = 0 // HC Halted
	USBSTS_HSE  = 2 // Host System Error
	USBSTS_EINT = 3 // Event Interrupt
	USBSTS_CNR  = 11 // Controller Not Ready

	// CRCR bits
	CRCR_RCS = 0 // Ring Cycle State

	// PORTSC bits (xHCI 1.2 §5.4.8)
	PORTSC_CCS  = 0  // Current Connect Status
	PORTSC_PED  = 1  // Port Enabled/Disabled
	PORTSC_PR   = 4  // Port Reset
	PORTSC_PLS  = 5  // Port Link State (4 bits)
	PORTSC_PP   = 9  // Port Power
	PORTSC_SPEED = 10 // Port Speed (4 bits)
	PORTSC_CSC  = 17 // Connect Status Change
	PORTSC_PEC  = 18 // Port Enabled Change
	PORTSC_WRC  = 19 // Warm Port Reset Change
	PORTSC_OCC  = 20 // Over-current Change
	PORTSC_PRC  = 21 // Port Reset Change
	PORTSC_PLC  = 22 // Port Link State Change
	PORTSC_CEC  = 23 // Config Error Change
)

// Runtime register offsets, relative to (cap_base + RTSOFF), xHCI 1.2
// §5.5. Interrupter N's block starts at 0x20 + N*0x20.
const (
	IR0_IMAN   = 0x20
	IR0_IMOD   = 0x24
	IR0_ERSTSZ = 0x28
	IR0_ERSTBA = 0x30 // 64-bit
	IR0_ERDP   = 0x38 // 64-bit

	IMAN_IP = 0 // Interrupt Pending
	IMAN_IE = 1 // Interrupt Enable

	ERDP_EHB = 3 // Event Handler Busy
)

// PORTChangeMask is the set of PORTSC change bits a single Port Status
// Change Event may coalesce (spec.md §4.6); the monitor scans every
// port and acknowledges every set bit in it.
const PORTChangeMask = (1 << PORTSC_CSC) | (1 << PORTSC_PEC) | (1 << PORTSC_WRC) |
	(1 << PORTSC_OCC) | (1 << PORTSC_PRC) | (1 << PORTSC_PLC) | (1 << PORTSC_CEC)

// Registers caches the resolved addresses of an xHCI controller's
// register blocks, following the teacher's convention of resolving
// offsets once at Init() rather than recomputing them on every access.
type Registers struct {
	capBase uint
	opBase  uint
	rtBase  uint
	dbBase  uint

	MaxSlots uint32
	MaxPorts uint32
	CSZ      ContextSize
}

// NewRegisters resolves every register block base address from the
// capability registers at capBase.
func NewRegisters(capBase uint) *Registers {
	r := &Registers{capBase: capBase}

	caplen := uint(reg.Read(capBase+CAPLENGTH) & 0xff)
	r.opBase = capBase + caplen
	r.rtBase = capBase + uint(reg.Read(capBase+RTSOFF))
	r.dbBase = capBase + uint(reg.Read(capBase+DBOFF))

	hcs1 := reg.Read(capBase + HCSPARAMS1)
	r.MaxSlots = hcs1 & 0xff
	r.MaxPorts = (hcs1 >> HCSPARAMS1_MAXPORTS) & 0xff

	if reg.Get(capBase+HCCPARAMS1, HCCPARAMS1_CSZ, 1) != 0 {
		r.CSZ = Context64
	} else {
		r.CSZ = Context32
	}

	return r
}

// Reset performs the Host Controller Reset and waits for USBSTS.CNR to
// clear.
func (r *Registers) Reset() bool {
	reg.Set(r.opBase+USBCMD, USBCMD_HCRST)
	return reg.WaitFor(2*time.Second, r.opBase+USBSTS, USBSTS_CNR, 1, 0)
}

// Run sets USBCMD.RS, starting the controller's ring processing.
func (r *Registers) Run() {
	reg.Set(r.opBase+USBCMD, USBCMD_RS)
}

// Stop clears USBCMD.RS and waits for USBSTS.HCH.
func (r *Registers) Stop() {
	reg.Clear(r.opBase+USBCMD, USBCMD_RS)
	reg.Wait(r.opBase+USBSTS, USBSTS_HCH, 1, 1)
}

// SetDCBAAP programs the Device Context Base Address Array Pointer.
func (r *Registers) SetDCBAAP(addr uint64) {
	reg.Write64(r.opBase+DCBAAP, addr)
}

// SetCRCR programs the Command Ring Control Register with the initial
// RCS bit set (the command ring always starts with PCS=1).
func (r *Registers) SetCRCR(addr uint64) {
	reg.Write64(r.opBase+CRCR, addr|1)
}

// SetConfig programs CONFIG.MaxSlotsEn.
func (r *Registers) SetConfig(maxSlots uint32) {
	reg.Write(r.opBase+CONFIG, maxSlots&0xff)
}

// EnableInterrupter0 programs ERSTSZ/ERSTBA/ERDP for interrupter 0 and
// sets IMAN.IE, then USBCMD.INTE.
func (r *Registers) EnableInterrupter0(evts *EventRing) {
	reg.Write(r.rtBase+IR0_ERSTSZ, uint32(evts.ERSTSize()))
	reg.Write64(r.rtBase+IR0_ERSTBA, evts.ERSTBase())
	reg.Write64(r.rtBase+IR0_ERDP, evts.DequeuePhys())
	reg.Set(r.rtBase+IR0_IMAN, IMAN_IE)
	reg.Set(r.opBase+USBCMD, USBCMD_INTE)
}

// AckInterrupter0 publishes the event ring's dequeue pointer and clears
// the handler-busy bit, per spec.md §4.2.
func (r *Registers) AckInterrupter0(evts *EventRing) {
	addr := evts.DequeuePhys() | (1 << ERDP_EHB)
	reg.Write64(r.rtBase+IR0_ERDP, addr)
	reg.Set(r.opBase+USBSTS, USBSTS_EINT)
}

// RingDoorbell writes the given target (DCI, or 0 for the command
// ring) to slot n's doorbell register.
func (r *Registers) RingDoorbell(slot uint8, target uint8) {
	reg.Write(r.dbBase+uint(slot)*4, uint32(target))
}

func (r *Registers) portBase(port int) uint {
	return r.opBase + PORTSC_BASE + uint(port)*PORT_STRIDE
}

// PORTSC returns the raw PORTSC value for a 0-indexed port.
func (r *Registers) PORTSC(port int) uint32 {
	return reg.Read(r.portBase(port) + PORTSC_OFF)
}

// WritePORTSC writes val back to PORTSC, preserving the write-1-to-
// clear semantics of the change bits the caller explicitly sets.
func (r *Registers) WritePORTSC(port int, val uint32) {
	reg.Write(r.portBase(port)+PORTSC_OFF, val)
}

// AckPortChanges writes back the change bits currently set on a port
// (write-1-to-clear), preserving every other field (CCS/PED/PP/PLS/
// Speed) at its current value so the write-back cannot itself mutate
// port state it did not intend to touch.
func (r *Registers) AckPortChanges(port int) uint32 {
	val := r.PORTSC(port)
	changes := val & PORTChangeMask
	r.WritePORTSC(port, (val &^ PORTChangeMask)|changes)
	return changes
}

// SetPortReset sets PORTSC.PR on the given port.
func (r *Registers) SetPortReset(port int) {
	reg.Set(r.portBase(port)+PORTSC_OFF, PORTSC_PR)
}
