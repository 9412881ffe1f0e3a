package gateway

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/wisund/internal/devices/capture"
)

var (
	ErrNoSerialPort  = errors.New("gateway: serial port required")
	ErrNoConsoleAddr = errors.New("gateway: console address required")
	ErrRunning       = errors.New("gateway: already running")
)

// Config carries every runtime setting of the daemon. Devices receive the
// relevant subset at construction.
type Config struct {
	SerialPort string
	Baud       int
	SendDelay  time.Duration
	Raw        bool
	Verbose    bool
	Strict     bool
	Echo       bool

	CaptureFile     string
	CaptureLinkType uint32

	TunName  string
	TunSetup []string

	// ConsoleAddr is the TCP console listen address. With ConsoleStdio
	// the console runs on the process stdin/stdout instead.
	ConsoleAddr  string
	ConsoleStdio bool

	// Simulate replaces the radio with the simulator and runs without TUN
	// or capture.
	Simulate   bool
	SimLatency time.Duration
}

func DefaultConfig() Config {
	return Config{
		Baud:            115200,
		CaptureLinkType: capture.LinkTypeIEEE802154,
		TunName:         "tun0",
		ConsoleAddr:     ":5555",
		SimLatency:      10 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if !c.Simulate && strings.TrimSpace(c.SerialPort) == "" {
		return ErrNoSerialPort
	}
	if !c.ConsoleStdio && strings.TrimSpace(c.ConsoleAddr) == "" {
		return ErrNoConsoleAddr
	}
	return nil
}

// Mode names the rule table in use.
func (c Config) Mode() string {
	if c.Simulate {
		return "simulator"
	}
	return "radio"
}
