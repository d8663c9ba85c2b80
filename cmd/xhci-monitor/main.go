// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command xhci-monitor maps a PCI xHCI controller's BAR0 via /dev/mem,
// brings the controller up, and serves a diagnostics dashboard over
// HTTP until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbarmory/xhci/example"
	"github.com/usbarmory/xhci/internal/dma"
	"github.com/usbarmory/xhci/xhci"
)

// mappedBARs keeps mmap'd regions reachable for the process lifetime;
// unix.Munmap is never called since the controller owns this memory
// until process exit.
var mappedBARs [][]byte

func mapBAR(path string, offset int64, size int) (uint, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_SYNC, 0)
	if err != nil {
		return 0, err
	}
	defer syscall.Close(fd)

	mem, err := unix.Mmap(fd, offset, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return 0, err
	}

	mappedBARs = append(mappedBARs, mem)

	return uint(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func main() {
	var (
		devMem  = flag.String("devmem", "/dev/mem", "physical memory device")
		barOff  = flag.Int64("bar-offset", 0, "xHCI capability register physical offset")
		barSize = flag.Int("bar-size", 64*1024, "BAR window size")
		listen  = flag.String("listen", "127.0.0.1:8080", "diagnostics HTTP listen address")
		debug   = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log.SetFlags(0)

	capBase, err := mapBAR(*devMem, *barOff, *barSize)
	if err != nil {
		log.Fatalf("xhci-monitor: mmap: %v", err)
	}

	dma.InitPinned(4 * 1024 * 1024)

	ctrl, err := xhci.Init(xhci.Config{
		MMIOBase: capBase,
		Debug:    *debug,
	})
	if err != nil {
		log.Fatalf("xhci-monitor: controller init: %v", err)
	}
	defer ctrl.Close()

	ctrl.StartPortMonitor()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := example.StartWebServer(ctx, ctrl, "xhci-monitor", *listen); err != nil {
		log.Printf("xhci-monitor: web server: %v", err)
	}
}
