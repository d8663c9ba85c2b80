// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"unsafe"
)

// As sync/atomic does not provide 16-bit support, note that these
// functions do not enforce memory ordering. Nothing in this module calls
// them: the ERST segment-count field is written through internal/dma.

func Get16(addr uint, pos int, mask int) uint16 {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	return (*reg >> pos) & uint16(mask)
}

func SetN16(addr uint, pos int, mask int, val uint16) {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	*reg = (*reg & (^(uint16(mask) << pos))) | (val << pos)
}

func Read16(addr uint) uint16 {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	return *reg
}

func Write16(addr uint, val uint16) {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	*reg = val
}
