package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wisund/internal/gateway"
)

type daemonConfig struct {
	Gateway      gateway.Config
	HTTPAddr     string
	HTTPToken    string
	WebRoot      string
	DiagInterval time.Duration
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Gateway:      gateway.DefaultConfig(),
		DiagInterval: time.Second,
	}
}

type fileConfig struct {
	SerialPort      string   `toml:"serial_port"`
	Baud            int      `toml:"baud"`
	CaptureFile     string   `toml:"capture_file"`
	CaptureLinkType uint32   `toml:"capture_linktype"`
	TunName         string   `toml:"tun_name"`
	TunSetup        []string `toml:"tun_setup"`
	Strict          bool     `toml:"strict"`
	Raw             bool     `toml:"raw"`
	Verbose         bool     `toml:"verbose"`
	Echo            bool     `toml:"echo"`
	SendDelay       string   `toml:"send_delay"`
	ConsoleAddr     string   `toml:"console_addr"`
	ConsoleStdio    bool     `toml:"console_stdio"`
	HTTPAddr        string   `toml:"http_addr"`
	HTTPToken       string   `toml:"http_token"`
	WebRoot         string   `toml:"web_root"`
	Simulate        bool     `toml:"simulate"`
	DiagInterval    string   `toml:"diag_interval"`
}

// loadDaemonConfig overlays the keys present in the file onto cfg.
func loadDaemonConfig(path string, cfg daemonConfig) (daemonConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load wisund config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load wisund config: unknown keys %v", undecoded)
	}

	gw := &cfg.Gateway
	if meta.IsDefined("serial_port") {
		gw.SerialPort = strings.TrimSpace(raw.SerialPort)
	}
	if meta.IsDefined("baud") {
		if raw.Baud <= 0 {
			return daemonConfig{}, fmt.Errorf("parse baud: must be positive, got %d", raw.Baud)
		}
		gw.Baud = raw.Baud
	}
	if meta.IsDefined("capture_file") {
		gw.CaptureFile = strings.TrimSpace(raw.CaptureFile)
	}
	if meta.IsDefined("capture_linktype") {
		gw.CaptureLinkType = raw.CaptureLinkType
	}
	if meta.IsDefined("tun_name") {
		if name := strings.TrimSpace(raw.TunName); name != "" {
			gw.TunName = name
		}
	}
	if meta.IsDefined("tun_setup") {
		gw.TunSetup = normalizeLines(raw.TunSetup)
	}
	if meta.IsDefined("strict") {
		gw.Strict = raw.Strict
	}
	if meta.IsDefined("raw") {
		gw.Raw = raw.Raw
	}
	if meta.IsDefined("verbose") {
		gw.Verbose = raw.Verbose
	}
	if meta.IsDefined("echo") {
		gw.Echo = raw.Echo
	}
	if meta.IsDefined("send_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SendDelay))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse send_delay: %w", err)
		}
		gw.SendDelay = d
	}
	if meta.IsDefined("console_addr") {
		gw.ConsoleAddr = strings.TrimSpace(raw.ConsoleAddr)
	}
	if meta.IsDefined("console_stdio") {
		gw.ConsoleStdio = raw.ConsoleStdio
	}
	if meta.IsDefined("simulate") {
		gw.Simulate = raw.Simulate
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("http_token") {
		cfg.HTTPToken = strings.TrimSpace(raw.HTTPToken)
	}
	if meta.IsDefined("web_root") {
		cfg.WebRoot = strings.TrimSpace(raw.WebRoot)
	}
	if meta.IsDefined("diag_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DiagInterval))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse diag_interval: %w", err)
		}
		cfg.DiagInterval = d
	}
	return cfg, nil
}

func normalizeLines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, line := range in {
		v := strings.TrimSpace(line)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
