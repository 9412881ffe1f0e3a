// Package tun is the host IPv6 endpoint. Reads are reassembled into whole
// packets before they are published; routed raw frames are written as-is.
package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/danmuck/wisund/internal/tools"
	"github.com/rs/zerolog/log"
)

// maxPending caps a reassembly buffer: largest IPv6 payload plus prefix.
const maxPending = 65535 + 44

type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type Options struct {
	Name string

	// Strict accepts only complete IPv6 packets; otherwise every read is
	// published as soon as it arrives.
	Strict     bool
	Verbose    bool
	ReadWindow time.Duration
	Setup      []string
	Runner     tools.CommandRunner
}

func DefaultOptions() Options {
	return Options{
		Name:       "tun0",
		Strict:     true,
		ReadWindow: 500 * time.Millisecond,
		Runner:     tools.ExecRunner{Timeout: 5 * time.Second},
	}
}

type Device struct {
	opts Options
	port Port
}

var _ endpoint.Device = (*Device)(nil)

// Open attaches to the named TUN interface and runs the setup commands.
// Failure wraps endpoint.ErrUnavailable.
func Open(opts Options) (*Device, error) {
	opts = withDefaults(opts)
	port, err := openTUN(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: tun %s: %v", endpoint.ErrUnavailable, opts.Name, err)
	}
	if err := tools.RunLines(opts.Runner, opts.Name, opts.Setup); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: tun %s setup: %v", endpoint.ErrUnavailable, opts.Name, err)
	}
	log.Info().Msgf("tun.Open ok name=%q strict=%v setup=%d", opts.Name, opts.Strict, len(opts.Setup))
	return &Device{opts: opts, port: port}, nil
}

func NewWithPort(opts Options, port Port) *Device {
	return &Device{opts: withDefaults(opts), port: port}
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.ReadWindow <= 0 {
		opts.ReadWindow = def.ReadWindow
	}
	if opts.Runner == nil {
		opts.Runner = def.Runner
	}
	return opts
}

// Produce publishes every complete packet read from the interface. A
// partial packet that sees no more data within the read window is dropped.
func (d *Device) Produce(ctx context.Context, _ io.Reader, pub endpoint.Publisher) error {
	buf := make([]byte, 1600)
	var msg frame.Frame
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = d.port.SetReadDeadline(time.Now().Add(d.opts.ReadWindow))
		n, err := d.port.Read(buf)
		if n > 0 {
			msg.Append(frame.FromBuffer(buf, n))
			d.trace(msg)
			if frame.IsCompleteIPv6(msg, d.opts.Strict) {
				if err := pub.Push(msg); err != nil {
					log.Warn().Msgf("tun.Device.Produce push failed err=%v", err)
				}
				msg = frame.Frame{}
			} else if msg.Len() > maxPending {
				log.Warn().Msgf("tun.Device.Produce dropping oversized partial len=%d", msg.Len())
				msg = frame.Frame{}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if msg.Len() > 0 {
				log.Debug().Msgf("tun.Device.Produce partial timeout len=%d", msg.Len())
			}
			msg = frame.Frame{}
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tun: read: %w", err)
		}
	}
}

// Consume writes one raw frame to the interface.
func (d *Device) Consume(_ io.Writer, f frame.Frame) error {
	if f.Len() == 0 {
		return nil
	}
	if _, err := d.port.Write(f.Bytes()); err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	return d.port.Close()
}

func (d *Device) trace(msg frame.Frame) {
	if !d.opts.Verbose || msg.Len() < 10 {
		return
	}
	b := msg.Bytes()
	log.Debug().Msgf(
		"tun.Device size=%x ethertype=%02x%02x ipv6ver=%x reported_size=%x",
		msg.Len(),
		b[2],
		b[3],
		b[4]&0xf0,
		frame.DeclaredIPv6Length(msg),
	)
}
