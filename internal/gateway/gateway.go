// Package gateway assembles the routing fabric: it opens the devices, binds
// each to an endpoint, registers the forwarding rules and owns the
// start/stop ordering.
//
// Shutdown order:
//   - cancel the run context: every Produce returns, the console stops
//   - release and join the router so dispatch drains into the inboxes,
//     then close dispatch
//   - release every endpoint so its inbox drains into the device
//   - join the endpoint goroutines and close the devices
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/wisund/internal/devices/capture"
	"github.com/danmuck/wisund/internal/devices/console"
	"github.com/danmuck/wisund/internal/devices/serial"
	"github.com/danmuck/wisund/internal/devices/sim"
	"github.com/danmuck/wisund/internal/devices/tun"
	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/router"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Option func(*Gateway)

// WithRadio uses dev instead of opening the serial port or simulator.
func WithRadio(dev endpoint.Device) Option {
	return func(g *Gateway) { g.radioDev = dev }
}

// WithTUN uses dev instead of opening the TUN interface.
func WithTUN(dev endpoint.Device) Option {
	return func(g *Gateway) { g.tunDev = dev }
}

// WithCapture uses dev writing to out instead of opening the capture file.
func WithCapture(dev endpoint.Device, out io.Writer) Option {
	return func(g *Gateway) {
		g.captureDev = dev
		g.captureOut = out
	}
}

// WithStdio sets the streams used when the console runs in stdio mode.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(g *Gateway) {
		g.stdin = in
		g.stdout = out
	}
}

// attached is one endpoint plus the output its rx-loop writes to.
type attached struct {
	ep  *endpoint.Endpoint
	out io.Writer
}

type Gateway struct {
	cfg    Config
	router *router.Router

	console    *console.Device
	consoleEP  *endpoint.Endpoint
	radioDev   endpoint.Device
	tunDev     endpoint.Device
	captureDev endpoint.Device
	captureOut io.Writer
	stdin      io.Reader
	stdout     io.Writer

	devices []attached
	closers []io.Closer

	running     atomic.Bool
	ready       atomic.Bool
	mu          sync.Mutex
	consoleAddr string
	degraded    []string
}

// New opens the devices and registers the rule table. The radio (or
// simulator) is required; an unavailable TUN or capture sink is logged and
// left out together with its rules.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{cfg: cfg, router: router.New()}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.build(); err != nil {
		_ = g.closeDevices()
		return nil, err
	}
	log.Info().Msgf(
		"gateway.New ready mode=%s rules=%d endpoints=%d degraded=%v",
		cfg.Mode(),
		g.router.RuleCount(),
		len(g.devices)+1,
		g.degraded,
	)
	return g, nil
}

func (g *Gateway) build() error {
	g.console = console.New(console.Options{Echo: g.cfg.Echo, Routed: g.consoleRouted})
	con, err := endpoint.New("console", g.router.In(), g.console)
	if err != nil {
		return err
	}
	g.consoleEP = con

	radio, err := g.openRadio()
	if err != nil {
		return err
	}
	radioEP, err := g.attach(g.radioName(), radio, nil)
	if err != nil {
		return err
	}

	if g.cfg.Simulate {
		return g.addRules(
			rule{con, radioEP, frame.IsPlain},
			rule{radioEP, con, frame.IsPlain},
		)
	}

	rules := []rule{
		{con, radioEP, frame.IsPlain},
		{radioEP, con, frame.IsPlain},
	}
	if tunEP, ok := g.openOptional("tun", g.openTUN); ok {
		rules = append(rules,
			rule{tunEP, radioEP, router.Always},
			rule{radioEP, tunEP, frame.IsRaw},
		)
	}
	if capEP, ok := g.openOptional("capture", g.openCapture); ok {
		rules = append(rules,
			rule{con, capEP, frame.IsControl},
			rule{radioEP, capEP, frame.IsCapture},
		)
	}
	return g.addRules(rules...)
}

type rule struct {
	src   router.Node
	dst   router.Destination
	match router.Predicate
}

func (g *Gateway) addRules(rules ...rule) error {
	for _, r := range rules {
		if err := g.router.AddRule(r.src, r.dst, r.match); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) radioName() string {
	if g.cfg.Simulate {
		return "sim"
	}
	return "serial"
}

func (g *Gateway) openRadio() (endpoint.Device, error) {
	if g.radioDev != nil {
		return g.radioDev, nil
	}
	if g.cfg.Simulate {
		return sim.New(sim.Options{Latency: g.cfg.SimLatency}), nil
	}
	dev, err := serial.Open(serial.Options{
		Path:      g.cfg.SerialPort,
		Baud:      g.cfg.Baud,
		SendDelay: g.cfg.SendDelay,
		Raw:       g.cfg.Raw,
		Verbose:   g.cfg.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: radio: %w", err)
	}
	return dev, nil
}

func (g *Gateway) openTUN() (endpoint.Device, io.Writer, error) {
	if g.tunDev != nil {
		return g.tunDev, nil, nil
	}
	dev, err := tun.Open(tun.Options{
		Name:    g.cfg.TunName,
		Strict:  g.cfg.Strict,
		Verbose: g.cfg.Verbose,
		Setup:   g.cfg.TunSetup,
	})
	if err != nil {
		return nil, nil, err
	}
	return dev, nil, nil
}

func (g *Gateway) openCapture() (endpoint.Device, io.Writer, error) {
	if g.captureDev != nil {
		return g.captureDev, g.captureOut, nil
	}
	f, err := capture.OpenFile(g.cfg.CaptureFile)
	if err != nil {
		return nil, nil, err
	}
	g.closers = append(g.closers, f)
	return capture.New(capture.Options{LinkType: g.cfg.CaptureLinkType}), f, nil
}

// openOptional attaches a device whose absence only degrades the gateway.
func (g *Gateway) openOptional(name string, open func() (endpoint.Device, io.Writer, error)) (*endpoint.Endpoint, bool) {
	dev, out, err := open()
	if err != nil {
		if errors.Is(err, endpoint.ErrUnavailable) {
			log.Warn().Msgf("gateway.build %s unavailable, continuing without it err=%v", name, err)
		} else {
			log.Error().Msgf("gateway.build %s failed, continuing without it err=%v", name, err)
		}
		g.degraded = append(g.degraded, name)
		return nil, false
	}
	ep, err := g.attach(name, dev, out)
	if err != nil {
		log.Error().Msgf("gateway.build %s attach failed err=%v", name, err)
		g.degraded = append(g.degraded, name)
		return nil, false
	}
	return ep, true
}

func (g *Gateway) attach(name string, dev endpoint.Device, out io.Writer) (*endpoint.Endpoint, error) {
	ep, err := endpoint.New(name, g.router.In(), dev)
	if err != nil {
		return nil, err
	}
	if c, ok := dev.(io.Closer); ok {
		g.closers = append(g.closers, c)
	}
	g.devices = append(g.devices, attached{ep: ep, out: out})
	return ep, nil
}

// Run starts every loop and serves the console until an operator quits or
// ctx is done, then shuts the fabric down in order.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.router.Hold()
	for _, d := range g.devices {
		d.ep.Hold()
	}

	var eps errgroup.Group
	for _, d := range g.devices {
		d := d
		eps.Go(func() error {
			if err := d.ep.Run(runCtx, nil, d.out); err != nil {
				return fmt.Errorf("gateway: %s: %w", d.ep.Name(), err)
			}
			return nil
		})
	}
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		g.router.Run()
	}()
	g.ready.Store(true)
	log.Info().Msgf("gateway.Gateway.Run started mode=%s", g.cfg.Mode())

	consoleErr := g.serveConsole(runCtx)

	g.ready.Store(false)
	cancel()
	g.router.ReleaseHold()
	<-routerDone
	g.router.Close()
	for _, d := range g.devices {
		d.ep.ReleaseHold()
	}
	g.consoleEP.Close()
	err := multierr.Combine(consoleErr, eps.Wait(), g.closeDevices())
	st := g.router.Stats()
	log.Info().Msgf(
		"gateway.Gateway.Run stopped dispatched=%d delivered=%d unrouted=%d failed=%d err=%v",
		st.Dispatched,
		st.Delivered,
		st.Unrouted,
		st.Failed,
		err,
	)
	return err
}

func (g *Gateway) closeDevices() error {
	var err error
	for i := len(g.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, g.closers[i].Close())
	}
	g.closers = nil
	return err
}

func (g *Gateway) Config() Config { return g.cfg }

// Ready reports whether the fabric is running.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// ConsoleAddr is the bound console listener address once listening.
func (g *Gateway) ConsoleAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consoleAddr
}

// consoleRouted reports whether a console frame matches any rule.
func (g *Gateway) consoleRouted(f frame.Frame) bool {
	return g.router.Routes(g.consoleEP.Address(), f)
}
