// Package frame defines the byte message that moves through the routing
// fabric and the header-byte predicates used by forwarding rules.
package frame

import (
	"encoding/hex"
)

// Header bytes of the frame wire convention.
const (
	HeaderRaw      byte = 0x00
	HeaderControl  byte = 0x06
	HeaderCapture  byte = 0x31
	HeaderLoopback byte = 0xED
)

// Address identifies the endpoint a frame came from. Zero means untagged.
type Address uint64

// Frame is one protocol message. The zero value is an empty, untagged frame.
type Frame struct {
	data   []byte
	source Address
}

// New builds a frame holding a copy of b.
func New(b ...byte) Frame {
	data := make([]byte, len(b))
	copy(data, b)
	return Frame{data: data}
}

// FromBuffer builds a frame from the first n bytes of buf.
func FromBuffer(buf []byte, n int) Frame {
	if n < 0 {
		n = 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	return New(buf[:n]...)
}

// Append grows f by the bytes of other; used to reassemble partial reads.
func (f *Frame) Append(other Frame) {
	f.data = append(f.data, other.data...)
}

// AppendBytes grows f by b.
func (f *Frame) AppendBytes(b ...byte) {
	f.data = append(f.data, b...)
}

// Reset drops the content and source tag.
func (f *Frame) Reset() {
	f.data = f.data[:0]
	f.source = 0
}

func (f Frame) Len() int {
	return len(f.data)
}

// Bytes returns the frame content. Callers must not modify it.
func (f Frame) Bytes() []byte {
	return f.data
}

// Header returns the first byte and false when the frame is empty.
func (f Frame) Header() (byte, bool) {
	if len(f.data) == 0 {
		return 0, false
	}
	return f.data[0], true
}

// Payload returns the bytes after the header byte.
func (f Frame) Payload() []byte {
	if len(f.data) < 2 {
		return nil
	}
	return f.data[1:]
}

func (f Frame) Source() Address {
	return f.source
}

// WithSource returns f tagged with src. A frame that already carries a
// source keeps it.
func (f Frame) WithSource(src Address) Frame {
	if f.source != 0 {
		return f
	}
	f.source = src
	return f
}

// Clone returns a deep copy, source tag included.
func (f Frame) Clone() Frame {
	out := New(f.data...)
	out.source = f.source
	return out
}

func (f Frame) Equal(other Frame) bool {
	if len(f.data) != len(other.data) {
		return false
	}
	for i := range f.data {
		if f.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// String renders two lower-case hex digits per byte.
func (f Frame) String() string {
	return hex.EncodeToString(f.data)
}

func (f Frame) hasHeader(h byte) bool {
	return len(f.data) > 0 && f.data[0] == h
}
