// https://github.com/usbarmory/xhci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package example provides a diagnostics dashboard for a running
// Controller, served over plain HTTP: per-port device state, the
// Prometheus metrics (completed-transfer counts), and debugcharts'
// Go runtime charts. It shows no ring occupancy or command latency.
package example

import (
	"context"
	"fmt"
	"html"
	"log"
	"net"
	"net/http"

	_ "github.com/mkevac/debugcharts"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usbarmory/xhci/xhci"
)

func setupStaticWebAssets(banner string) {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body><p>%s</p><ul>", html.EscapeString(banner))
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`, "/ports", "/ports")
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`, "/metrics", "/metrics")
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`, "/debug/charts", "/debug/charts")
		fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`, "/debug/pprof", "/debug/pprof")
		fmt.Fprint(w, "</ul></body></html>")
	})
}

func setupPortStatus(c *xhci.Controller) {
	http.HandleFunc("/ports", func(w http.ResponseWriter, r *http.Request) {
		for port := 0; port < c.RootHub().NumPorts(); port++ {
			dev := c.DeviceByPort(port)

			if dev == nil {
				fmt.Fprintf(w, "port %d: empty\n", port)
				continue
			}

			fmt.Fprintf(w, "port %d: slot %d online=%v speed=%v\n", port, dev.SlotID, dev.Online(), dev.Speed)
		}
	})
}

// StartWebServer registers the diagnostics handlers (static index,
// port status, Prometheus metrics, and debugcharts, imported for its
// side-effecting registration on http.DefaultServeMux exactly as the
// teacher's dashboard does) and serves them at addr. It blocks until
// ctx is canceled or the listener fails.
func StartWebServer(ctx context.Context, c *xhci.Controller, banner string, addr string) error {
	setupStaticWebAssets(banner)
	setupPortStatus(c)

	http.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Printf("starting diagnostics web server at %s", addr)

	srv := &http.Server{Addr: addr}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.Serve(listener)
}
