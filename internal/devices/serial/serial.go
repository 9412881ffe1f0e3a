// Package serial is the radio endpoint: SLIP framed frames over a tty.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/wisund/internal/backoff"
	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/rs/zerolog/log"
)

var ErrNoPort = errors.New("serial: port not open")

// Port is the byte transport under the device. *os.File and net.Conn both
// satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Opener (re)opens the underlying port.
type Opener func() (Port, error)

type Options struct {
	Path        string
	Baud        int
	SendDelay   time.Duration
	Raw         bool
	Verbose     bool
	ReadTimeout time.Duration
	MaxFrame    int
	Backoff     backoff.Config
}

func DefaultOptions() Options {
	return Options{
		Baud:        115200,
		ReadTimeout: 500 * time.Millisecond,
		MaxFrame:    2048,
		Backoff:     backoff.DefaultConfig(),
	}
}

// Device implements endpoint.Device for the radio link.
type Device struct {
	opts Options
	open Opener

	mu   sync.Mutex
	port Port
	dec  *Decoder

	readErrors  int
	writeErrors int
}

var _ endpoint.Device = (*Device)(nil)

// Open opens the tty at opts.Path. Failure wraps endpoint.ErrUnavailable.
func Open(opts Options) (*Device, error) {
	opts = withDefaults(opts)
	opener := func() (Port, error) {
		return openTTY(opts.Path, opts.Baud)
	}
	port, err := opener()
	if err != nil {
		return nil, fmt.Errorf("%w: serial %s: %v", endpoint.ErrUnavailable, opts.Path, err)
	}
	log.Info().Msgf("serial.Open ok path=%q baud=%d raw=%v", opts.Path, opts.Baud, opts.Raw)
	return newDevice(opts, port, opener), nil
}

// NewWithPort wraps an already open port. open may be nil, in which case a
// read failure ends Produce instead of reopening.
func NewWithPort(opts Options, port Port, open Opener) *Device {
	return newDevice(withDefaults(opts), port, open)
}

func newDevice(opts Options, port Port, open Opener) *Device {
	return &Device{
		opts: opts,
		open: open,
		port: port,
		dec:  NewDecoder(opts.MaxFrame),
	}
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Baud <= 0 {
		opts.Baud = def.Baud
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = def.MaxFrame
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff = def.Backoff
	}
	return opts
}

// Produce reads radio bytes and publishes every decoded frame. It reopens
// the port with backoff on read failures.
func (d *Device) Produce(ctx context.Context, _ io.Reader, pub endpoint.Publisher) error {
	buf := make([]byte, 1600)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		port := d.current()
		if port == nil {
			if err := d.reopen(ctx, &attempt); err != nil {
				return err
			}
			continue
		}
		_ = port.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
		n, err := port.Read(buf)
		if n > 0 {
			attempt = 0
			d.publish(buf[:n], pub)
		}
		if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.mu.Lock()
		d.readErrors++
		d.mu.Unlock()
		log.Warn().Msgf("serial.Device.Produce read failed path=%q err=%v", d.opts.Path, err)
		if d.open == nil {
			return err
		}
		d.drop(port)
		if err := d.reopen(ctx, &attempt); err != nil {
			return err
		}
	}
}

func (d *Device) publish(chunk []byte, pub endpoint.Publisher) {
	var frames []frame.Frame
	if d.opts.Raw {
		frames = []frame.Frame{frame.New(chunk...)}
	} else {
		frames = d.dec.Feed(chunk)
	}
	for _, f := range frames {
		if d.opts.Verbose {
			log.Debug().Msgf("serial.Device rx frame=%s", f)
		}
		if err := pub.Push(f); err != nil {
			log.Warn().Msgf("serial.Device.Produce push failed frame=%s err=%v", f, err)
		}
	}
}

// Consume writes one frame to the radio and then waits the send delay.
func (d *Device) Consume(_ io.Writer, f frame.Frame) error {
	port := d.current()
	if port == nil {
		return ErrNoPort
	}
	payload := f.Bytes()
	if !d.opts.Raw {
		payload = Encode(f)
	}
	if d.opts.Verbose {
		log.Debug().Msgf("serial.Device tx frame=%s", f)
	}
	if _, err := port.Write(payload); err != nil {
		d.mu.Lock()
		d.writeErrors++
		d.mu.Unlock()
		return fmt.Errorf("serial: write: %w", err)
	}
	d.mu.Lock()
	delay := d.opts.SendDelay
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Errors reports transient read and write failure counts.
func (d *Device) Errors() (read, write int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readErrors, d.writeErrors
}

func (d *Device) current() Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *Device) drop(port Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == port {
		_ = d.port.Close()
		d.port = nil
	}
}

func (d *Device) reopen(ctx context.Context, attempt *int) error {
	if d.open == nil {
		return ErrNoPort
	}
	for {
		*attempt++
		if err := backoff.Wait(ctx, d.opts.Backoff, *attempt); err != nil {
			return err
		}
		port, err := d.open()
		if err != nil {
			log.Warn().Msgf("serial.Device.reopen failed path=%q attempt=%d err=%v", d.opts.Path, *attempt, err)
			continue
		}
		d.mu.Lock()
		d.port = port
		d.dec = NewDecoder(d.opts.MaxFrame)
		d.mu.Unlock()
		log.Info().Msgf("serial.Device.reopen ok path=%q attempt=%d", d.opts.Path, *attempt)
		return nil
	}
}
