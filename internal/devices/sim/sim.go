// Package sim stands in for the radio when the daemon runs without
// hardware. Commands it consumes are answered by a Responder after a
// configurable latency.
package sim

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/rs/zerolog/log"
)

// Responder maps one command frame to the replies the simulated radio
// sends back. An empty result means no reply.
type Responder func(cmd frame.Frame) []frame.Frame

// Echo answers every command with an untagged copy of its bytes.
func Echo(cmd frame.Frame) []frame.Frame {
	return []frame.Frame{frame.New(cmd.Bytes()...)}
}

type Options struct {
	Latency   time.Duration
	Responder Responder
	Backlog   int
}

func DefaultOptions() Options {
	return Options{
		Latency:   10 * time.Millisecond,
		Responder: Echo,
		Backlog:   64,
	}
}

type Device struct {
	opts    Options
	pending chan frame.Frame
	dropped atomic.Uint64
}

var _ endpoint.Device = (*Device)(nil)

func New(opts Options) *Device {
	def := DefaultOptions()
	if opts.Responder == nil {
		opts.Responder = def.Responder
	}
	if opts.Backlog <= 0 {
		opts.Backlog = def.Backlog
	}
	if opts.Latency < 0 {
		opts.Latency = 0
	}
	return &Device{opts: opts, pending: make(chan frame.Frame, opts.Backlog)}
}

// Produce publishes queued replies, each after the configured latency.
func (d *Device) Produce(ctx context.Context, _ io.Reader, pub endpoint.Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reply := <-d.pending:
			if d.opts.Latency > 0 {
				t := time.NewTimer(d.opts.Latency)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if err := pub.Push(reply); err != nil {
				log.Warn().Msgf("sim.Device.Produce push failed err=%v", err)
			}
		}
	}
}

// Consume queues the responder's replies to f. Replies beyond the backlog
// are dropped.
func (d *Device) Consume(_ io.Writer, f frame.Frame) error {
	for _, reply := range d.opts.Responder(f) {
		select {
		case d.pending <- reply:
		default:
			d.dropped.Add(1)
			log.Warn().Msgf("sim.Device.Consume backlog full dropped=%d", d.dropped.Load())
		}
	}
	return nil
}

func (d *Device) Dropped() uint64 { return d.dropped.Load() }
