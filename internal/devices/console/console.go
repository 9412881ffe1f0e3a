// Package console is the operator endpoint. Each session reads a line
// command language from its input and renders routed frames to its output.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxLine = 4096

type Options struct {
	// Echo mirrors every rendered frame to the process log.
	Echo bool

	// Routed reports whether a frame pushed by the console has a
	// destination. Nil treats every frame as routed.
	Routed func(frame.Frame) bool
}

// BusyReply is the single line a listener sends to a connection it turns
// away while another session is active.
const BusyReply = "error: console busy"

type Device struct {
	routed  func(frame.Frame) bool
	echo    atomic.Bool
	quit    atomic.Bool
	reset   atomic.Bool
	session atomic.Value
}

var _ endpoint.Device = (*Device)(nil)

func New(opts Options) *Device {
	d := &Device{routed: opts.Routed}
	d.echo.Store(opts.Echo)
	d.session.Store("")
	return d
}

// SetEcho changes the echo setting and returns the previous one.
func (d *Device) SetEcho(on bool) bool {
	return d.echo.Swap(on)
}

func (d *Device) Echo() bool { return d.echo.Load() }

// QuitRequested reports whether an operator asked the daemon to stop.
func (d *Device) QuitRequested() bool { return d.quit.Load() }

// ResetRequested reports whether the last session ended with reset.
func (d *Device) ResetRequested() bool { return d.reset.Load() }

// Session is the id of the current or most recent session.
func (d *Device) Session() string {
	s, _ := d.session.Load().(string)
	return s
}

// Produce runs one session: every input line is parsed and executed until
// the input ends, quit or reset is entered, or ctx is done. The endpoint is
// released on the way out so its rx-loop drains and Run returns.
func (d *Device) Produce(ctx context.Context, in io.Reader, pub endpoint.Publisher) error {
	defer pub.ReleaseHold()
	if in == nil {
		return fmt.Errorf("console: nil input")
	}
	id := uuid.NewString()
	d.session.Store(id)
	d.reset.Store(false)
	log.Info().Str("session", id).Msg("console.Device.Produce session start")
	defer log.Info().Str("session", id).Msg("console.Device.Produce session end")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 256), maxLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("console: read: %w", err)
			}
			return nil
		case line := <-lines:
			if done := d.execute(line, pub); done {
				return nil
			}
		}
	}
}

// Consume renders one frame: loopback frames as their text, everything
// else as hex.
func (d *Device) Consume(out io.Writer, f frame.Frame) error {
	text := render(f)
	if d.echo.Load() {
		log.Info().Msgf("console.Device rx %s", text)
	}
	if out == nil {
		return nil
	}
	if _, err := io.WriteString(out, text+"\n"); err != nil {
		return fmt.Errorf("console: write: %w", err)
	}
	return nil
}

func render(f frame.Frame) string {
	if frame.IsLoopback(f) {
		return string(f.Payload())
	}
	return f.String()
}
