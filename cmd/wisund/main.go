package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/wisund/internal/control"
	"github.com/danmuck/wisund/internal/gateway"
	"github.com/danmuck/wisund/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var version = "0.3.0"

const usageText = `Usage: wisund [flags] serialport capfilename

serialport is the device name of the radio port e.g. /dev/serial0
capfilename is the name of the capture file or fifo; can also be /dev/null

Flags:
`

func main() {
	cfg, exit, err := parseArgs(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wisund: %v\n", err)
		os.Exit(2)
	}
	if exit {
		return
	}

	logging.ConfigureRuntime()
	logging.SetVerbose(cfg.Gateway.Verbose)
	if err := serve(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "wisund: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs builds the daemon config from defaults, an optional config
// file and the command line, in that order. exit is true when the process
// should stop without serving.
func parseArgs(args []string, stdout io.Writer) (daemonConfig, bool, error) {
	fs := flag.NewFlagSet("wisund", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", "", "path to a TOML config file")
	showVersion := fs.Bool("V", false, "print version and quit")
	echo := fs.Bool("e", false, "echo packets")
	verbose := fs.Bool("v", false, "enable verbose mode")
	raw := fs.Bool("r", false, "raw packets")
	delayMS := fs.Int("d", 0, "delay (in milliseconds) after each radio frame")
	strict := fs.Bool("s", false, "strict packet checking")
	simulate := fs.Bool("sim", false, "replace the radio with the simulator")
	cli := fs.Bool("cli", false, "run the console on stdin/stdout instead of TCP")
	consoleAddr := fs.String("console", "", "console listen address")
	httpAddr := fs.String("http", "", "HTTP control plane address (empty disables)")
	webRoot := fs.String("webroot", "", "static web UI directory")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return daemonConfig{}, true, nil
		}
		return daemonConfig{}, false, err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "wisund v%s\n", version)
		return daemonConfig{}, true, nil
	}

	cfg := defaultDaemonConfig()
	if *configPath != "" {
		loaded, err := loadDaemonConfig(*configPath, cfg)
		if err != nil {
			return daemonConfig{}, false, err
		}
		cfg = loaded
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	gw := &cfg.Gateway
	if set["e"] {
		gw.Echo = *echo
	}
	if set["v"] {
		gw.Verbose = *verbose
	}
	if set["r"] {
		gw.Raw = *raw
	}
	if set["d"] {
		if *delayMS < 0 {
			return daemonConfig{}, false, fmt.Errorf("-d must not be negative")
		}
		gw.SendDelay = time.Duration(*delayMS) * time.Millisecond
	}
	if set["s"] {
		gw.Strict = *strict
	}
	if set["sim"] {
		gw.Simulate = *simulate
	}
	if set["cli"] {
		gw.ConsoleStdio = *cli
	}
	if set["console"] {
		gw.ConsoleAddr = *consoleAddr
	}
	if set["http"] {
		cfg.HTTPAddr = *httpAddr
	}
	if set["webroot"] {
		cfg.WebRoot = *webRoot
	}

	if fs.NArg() > 0 {
		gw.SerialPort = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		gw.CaptureFile = fs.Arg(1)
	}
	if fs.NArg() > 2 {
		return daemonConfig{}, false, fmt.Errorf("unexpected arguments %v", fs.Args()[2:])
	}
	if err := gw.Validate(); err != nil {
		fs.Usage()
		return daemonConfig{}, false, err
	}
	return cfg, false, nil
}

// serve runs the gateway and, when configured, the HTTP control plane
// until a signal arrives or an operator quits from the console.
func serve(cfg daemonConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(cfg.Gateway)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(runCtx)
	grp.Go(func() error {
		defer cancel()
		return g.Run(gctx)
	})
	if cfg.HTTPAddr != "" {
		srv := control.New(control.Options{
			Name:         "wisund",
			Version:      version,
			Addr:         cfg.HTTPAddr,
			ConsoleAddr:  dialAddr(cfg.Gateway),
			WebRoot:      cfg.WebRoot,
			Token:        cfg.HTTPToken,
			DiagInterval: cfg.DiagInterval,
			Diag:         func() any { return g.Diag() },
			Ready:        g.Ready,
		})
		grp.Go(func() error { return srv.Serve(gctx) })
	}
	err = grp.Wait()
	log.Info().Msgf("wisund stopped err=%v", err)
	return err
}

// dialAddr turns the console listen address into one the control plane can
// dial. It is empty when the console runs on stdio.
func dialAddr(cfg gateway.Config) string {
	if cfg.ConsoleStdio {
		return ""
	}
	host, port, err := net.SplitHostPort(cfg.ConsoleAddr)
	if err != nil {
		return cfg.ConsoleAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
