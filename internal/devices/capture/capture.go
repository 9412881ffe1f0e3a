// Package capture is the packet-capture sink. Capture frames routed from
// the radio are written as pcap records; control frames from the console
// toggle recording and flush the output.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

// Control sub-commands carried after the 0x06 header.
const (
	CmdEnable byte = 0x02
	CmdFlush  byte = 0x03
)

// LinkTypeIEEE802154 is IEEE 802.15.4 with FCS, the radio's native framing.
const LinkTypeIEEE802154 uint32 = 195

type Options struct {
	LinkType uint32
	Snaplen  uint32

	// Disabled starts the sink with recording off until an enable command.
	Disabled bool
	// Buffered skips the per-record flush; output is flushed on CmdFlush
	// and Close only.
	Buffered bool

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		LinkType: LinkTypeIEEE802154,
		Snaplen:  65535,
		Now:      time.Now,
	}
}

type Device struct {
	opts Options

	mu      sync.Mutex
	enabled bool
	target  io.Writer
	buf     *bufio.Writer
	pcap    *pcapgo.Writer

	written atomic.Uint64
	skipped atomic.Uint64
}

var _ endpoint.Device = (*Device)(nil)

func New(opts Options) *Device {
	def := DefaultOptions()
	if opts.LinkType == 0 {
		opts.LinkType = def.LinkType
	}
	if opts.Snaplen == 0 {
		opts.Snaplen = def.Snaplen
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Device{opts: opts, enabled: !opts.Disabled}
}

// OpenFile opens a capture file or fifo for writing. A fifo blocks here
// until a reader attaches.
func OpenFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: capture: empty file name", endpoint.ErrUnavailable)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: capture: %v", endpoint.ErrUnavailable, err)
	}
	log.Info().Msgf("capture.OpenFile ok path=%q", path)
	return f, nil
}

// Produce has no external input; it parks until ctx is done.
func (d *Device) Produce(ctx context.Context, _ io.Reader, _ endpoint.Publisher) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *Device) Consume(out io.Writer, f frame.Frame) error {
	switch {
	case frame.IsControl(f):
		return d.control(out, f.Payload())
	case frame.IsCapture(f):
		return d.record(out, f.Payload())
	default:
		log.Debug().Msgf("capture.Device.Consume ignoring frame=%s", f)
		return nil
	}
}

func (d *Device) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Written counts pcap records; Skipped counts capture frames seen while
// recording was off.
func (d *Device) Written() uint64 { return d.written.Load() }
func (d *Device) Skipped() uint64 { return d.skipped.Load() }

// Close flushes any buffered records.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf == nil {
		return nil
	}
	return d.buf.Flush()
}

func (d *Device) control(out io.Writer, args []byte) error {
	if len(args) == 0 {
		return fmt.Errorf("capture: empty control frame")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch args[0] {
	case CmdEnable:
		on := len(args) > 1 && args[1] != 0
		d.enabled = on
		log.Info().Msgf("capture.Device.control enabled=%v", on)
		return nil
	case CmdFlush:
		if err := d.writerLocked(out); err != nil {
			return err
		}
		return d.buf.Flush()
	default:
		return fmt.Errorf("capture: unknown control command 0x%02x", args[0])
	}
}

func (d *Device) record(out io.Writer, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		d.skipped.Add(1)
		return nil
	}
	if err := d.writerLocked(out); err != nil {
		return err
	}
	if uint32(len(data)) > d.opts.Snaplen {
		data = data[:d.opts.Snaplen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     d.opts.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := d.pcap.WritePacket(ci, data); err != nil {
		return fmt.Errorf("capture: write record: %w", err)
	}
	d.written.Add(1)
	if d.opts.Buffered {
		return nil
	}
	return d.buf.Flush()
}

// writerLocked binds the pcap writer to out, writing the file header the
// first time a given output is seen.
func (d *Device) writerLocked(out io.Writer) error {
	if out == nil {
		return fmt.Errorf("capture: nil output")
	}
	if d.pcap != nil && d.target == out {
		return nil
	}
	if d.buf != nil {
		_ = d.buf.Flush()
	}
	d.target = out
	d.buf = bufio.NewWriter(out)
	d.pcap = pcapgo.NewWriter(d.buf)
	if err := d.pcap.WriteFileHeader(d.opts.Snaplen, layers.LinkType(d.opts.LinkType)); err != nil {
		d.pcap = nil
		return fmt.Errorf("capture: write header: %w", err)
	}
	return nil
}
