// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"os"
	"testing"

	"github.com/usbarmory/xhci/internal/dma"
)

// TestMain backs the global DMA region with a pinned Go byte slice,
// exactly as a hosted (non-bare-metal) build of this driver would
// (internal/dma.InitPinned), so every test in this package can call
// NewRing/NewEventRing/NewDeviceContext without real hardware.
func TestMain(m *testing.M) {
	dma.InitPinned(4 * 1024 * 1024)
	os.Exit(m.Run())
}
