package serial

import "github.com/danmuck/wisund/internal/frame"

// SLIP framing bytes (RFC 1055).
const (
	slipEnd    byte = 0xC0
	slipEsc    byte = 0xDB
	slipEscEnd byte = 0xDC
	slipEscEsc byte = 0xDD
)

// Encode wraps f in SLIP framing with a leading and trailing END byte.
func Encode(f frame.Frame) []byte {
	out := make([]byte, 0, f.Len()+4)
	out = append(out, slipEnd)
	for _, b := range f.Bytes() {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// Decoder reassembles frames from an arbitrarily chunked SLIP byte stream.
type Decoder struct {
	cur      frame.Frame
	escaped  bool
	overflow bool
	maxLen   int
	dropped  int
}

func NewDecoder(maxLen int) *Decoder {
	return &Decoder{maxLen: maxLen}
}

// Feed consumes chunk and returns every frame completed by it. Empty frames
// between back-to-back END bytes are skipped.
func (d *Decoder) Feed(chunk []byte) []frame.Frame {
	var out []frame.Frame
	for _, b := range chunk {
		if d.escaped {
			d.escaped = false
			switch b {
			case slipEscEnd:
				b = slipEnd
			case slipEscEsc:
				b = slipEsc
			}
			d.put(b)
			continue
		}
		switch b {
		case slipEnd:
			if d.overflow {
				d.overflow = false
			} else if d.cur.Len() > 0 {
				out = append(out, d.cur.Clone())
			}
			d.cur.Reset()
		case slipEsc:
			d.escaped = true
		default:
			d.put(b)
		}
	}
	return out
}

// Dropped counts frames discarded for exceeding the size limit.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) put(b byte) {
	if d.overflow {
		return
	}
	if d.maxLen > 0 && d.cur.Len() >= d.maxLen {
		d.dropped++
		d.overflow = true
		d.cur.Reset()
		return
	}
	d.cur.AppendBytes(b)
}
