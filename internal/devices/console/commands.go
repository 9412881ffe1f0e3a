package console

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/danmuck/wisund/internal/devices/capture"
	"github.com/danmuck/wisund/internal/endpoint"
	"github.com/danmuck/wisund/internal/frame"
	"github.com/rs/zerolog/log"
)

const helpText = `commands:
  send <hex>              send a frame to the radio
  ctl <hex>               send a control frame to the capture sink (0x06 prefix added)
  capture on|off|flush    control the capture sink (radio mode only)
  self <text>             loop text back to this console
  echo on|off             mirror console output to the daemon log
  reset                   end this session
  quit                    end this session and stop the daemon
  help                    show this text`

// execute runs one command line. It reports true when the session should
// end.
func (d *Device) execute(line string, pub endpoint.Publisher) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "send":
		data, err := parseHex(args)
		if err != nil {
			d.reply(pub, "error: %v", err)
			return false
		}
		d.push(pub, frame.New(data...))
	case "ctl":
		data, err := parseHex(args)
		if err != nil {
			d.reply(pub, "error: %v", err)
			return false
		}
		d.push(pub, frame.New(append([]byte{frame.HeaderControl}, data...)...))
	case "capture":
		f, err := captureCommand(args)
		if err != nil {
			d.reply(pub, "error: %v", err)
			return false
		}
		d.push(pub, f)
	case "self":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		_ = pub.Inject(frame.New(append([]byte{frame.HeaderLoopback}, text...)...))
	case "echo":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			d.reply(pub, "usage: echo on|off")
			return false
		}
		prev := d.SetEcho(args[0] == "on")
		d.reply(pub, "echo %s (was %s)", args[0], onOff(prev))
	case "reset":
		d.reset.Store(true)
		d.quit.Store(false)
		return true
	case "quit", "exit":
		d.quit.Store(true)
		return true
	case "help", "?":
		d.reply(pub, "%s", helpText)
	default:
		d.reply(pub, "error: unknown command %q (try help)", cmd)
	}
	return false
}

func (d *Device) push(pub endpoint.Publisher, f frame.Frame) {
	if d.routed != nil && !d.routed(f) {
		d.reply(pub, "error: no route for frame %s", f)
		return
	}
	if err := pub.Push(f); err != nil {
		log.Warn().Msgf("console.Device.push failed frame=%s err=%v", f, err)
		d.reply(pub, "error: %v", err)
	}
}

// reply loops a text line back to this session's output.
func (d *Device) reply(pub endpoint.Publisher, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = pub.Inject(frame.New(append([]byte{frame.HeaderLoopback}, msg...)...))
}

func captureCommand(args []string) (frame.Frame, error) {
	if len(args) != 1 {
		return frame.Frame{}, fmt.Errorf("usage: capture on|off|flush")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		return frame.New(frame.HeaderControl, capture.CmdEnable, 0x01), nil
	case "off":
		return frame.New(frame.HeaderControl, capture.CmdEnable, 0x00), nil
	case "flush":
		return frame.New(frame.HeaderControl, capture.CmdFlush), nil
	default:
		return frame.Frame{}, fmt.Errorf("usage: capture on|off|flush")
	}
}

// parseHex accepts "0a0b", "0a 0b" or "0x0a 0x0b".
func parseHex(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing hex bytes")
	}
	var sb strings.Builder
	for _, a := range args {
		a = strings.TrimPrefix(strings.ToLower(a), "0x")
		sb.WriteString(a)
	}
	data, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("bad hex: %w", err)
	}
	return data, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
