package frame

// IPv6 completeness layout of a TUN read: 4 byte packet-info prefix
// (flags, ethertype) followed by the 40 byte IPv6 header.
const (
	ipv6MinLen      = 45
	ipv6HeaderBytes = 44
)

func IsRaw(f Frame) bool {
	return f.hasHeader(HeaderRaw)
}

func IsCapture(f Frame) bool {
	return f.hasHeader(HeaderCapture)
}

func IsControl(f Frame) bool {
	return f.hasHeader(HeaderControl)
}

func IsLoopback(f Frame) bool {
	return f.hasHeader(HeaderLoopback)
}

// IsPlain matches everything that is not raw, capture or control.
// An empty frame is plain.
func IsPlain(f Frame) bool {
	return !IsRaw(f) && !IsCapture(f) && !IsControl(f)
}

// IsCompleteIPv6 reports whether f holds one whole IPv6 packet with its
// packet-info prefix. With strict false every frame is accepted.
func IsCompleteIPv6(f Frame, strict bool) bool {
	if !strict {
		return true
	}
	b := f.data
	if len(b) < ipv6MinLen {
		return false
	}
	if b[2] != 0x86 || b[3] != 0xdd {
		return false
	}
	if b[4]&0xf0 != 0x60 {
		return false
	}
	return int(b[8])*256+int(b[9])+ipv6HeaderBytes == len(b)
}

// DeclaredIPv6Length is the total frame length announced by the IPv6
// payload-length field, or -1 when f is too short to carry one.
func DeclaredIPv6Length(f Frame) int {
	if len(f.data) < 10 {
		return -1
	}
	return int(f.data[8])*256 + int(f.data[9]) + ipv6HeaderBytes
}
