package gateway

import (
	"time"

	"github.com/danmuck/wisund/internal/devices/capture"
	"github.com/danmuck/wisund/internal/devices/serial"
	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/router"
)

// Diag is the diagnostics snapshot served over HTTP.
type Diag struct {
	Mode        string           `json:"mode"`
	Ready       bool             `json:"ready"`
	Degraded    []string         `json:"degraded,omitempty"`
	ConsoleAddr string           `json:"console_addr,omitempty"`
	Session     string           `json:"console_session,omitempty"`
	Echo        bool             `json:"echo"`
	Router      router.Stats     `json:"router"`
	Endpoints   []endpoint.Stats `json:"endpoints"`
	Serial      *SerialDiag      `json:"serial,omitempty"`
	Capture     *CaptureDiag     `json:"capture,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

type SerialDiag struct {
	ReadErrors  int `json:"read_errors"`
	WriteErrors int `json:"write_errors"`
}

type CaptureDiag struct {
	Enabled bool   `json:"enabled"`
	Written uint64 `json:"written"`
	Skipped uint64 `json:"skipped"`
}

func (g *Gateway) Diag() Diag {
	g.mu.Lock()
	degraded := append([]string(nil), g.degraded...)
	g.mu.Unlock()

	d := Diag{
		Mode:        g.cfg.Mode(),
		Ready:       g.Ready(),
		Degraded:    degraded,
		ConsoleAddr: g.ConsoleAddr(),
		Session:     g.console.Session(),
		Echo:        g.console.Echo(),
		Router:      g.router.Stats(),
		Endpoints:   []endpoint.Stats{g.consoleEP.Stats()},
		Timestamp:   time.Now().UTC(),
	}
	for _, a := range g.devices {
		d.Endpoints = append(d.Endpoints, a.ep.Stats())
		switch dev := a.ep.Device().(type) {
		case *serial.Device:
			r, w := dev.Errors()
			d.Serial = &SerialDiag{ReadErrors: r, WriteErrors: w}
		case *capture.Device:
			d.Capture = &CaptureDiag{
				Enabled: dev.Enabled(),
				Written: dev.Written(),
				Skipped: dev.Skipped(),
			}
		}
	}
	return d
}
